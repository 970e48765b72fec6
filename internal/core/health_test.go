package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/types"
)

func TestHealthNoProbes(t *testing.T) {
	s := newTestServer(t, &fakeWorkspaces{byPrefix: map[string]*types.Workspace{}})

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestHealthAllProbesPass(t *testing.T) {
	s := newTestServer(t, &fakeWorkspaces{byPrefix: map[string]*types.Workspace{}})
	s.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error { return nil }},
		ProbeFunc{ProbeName: "sqs", Fn: func(ctx context.Context) error { return nil }},
	}

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"].Status)
	assert.Equal(t, "healthy", resp.Components["sqs"].Status)
}

func TestHealthFailingProbeIs503(t *testing.T) {
	s := newTestServer(t, &fakeWorkspaces{byPrefix: map[string]*types.Workspace{}})
	s.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error { return nil }},
		ProbeFunc{ProbeName: "sqs", Fn: func(ctx context.Context) error {
			return errors.New("queue unreachable")
		}},
	}

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"].Status)
	assert.Equal(t, "queue unreachable", resp.Components["sqs"].Message)
}

func TestHealthPanickingProbeIsUnhealthy(t *testing.T) {
	s := newTestServer(t, &fakeWorkspaces{byPrefix: map[string]*types.Workspace{}})
	s.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error { panic("pool closed") }},
	}

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe panicked")
}
