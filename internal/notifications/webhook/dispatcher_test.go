package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cartograph/internal/config"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

type mockEndpointStore struct {
	mock.Mock
}

func (m *mockEndpointStore) Get(ctx context.Context, webhookID string) (*types.WebhookEndpoint, error) {
	args := m.Called(ctx, webhookID)
	if ep, ok := args.Get(0).(*types.WebhookEndpoint); ok {
		return ep, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEndpointStore) SetActive(ctx context.Context, webhookID string, active bool) error {
	return m.Called(ctx, webhookID, active).Error(0)
}

func (m *mockEndpointStore) RecordDelivery(ctx context.Context, deliveryID, webhookID string, event types.EventType, status types.DeliveryStatus, attempt int, httpStatus int, deliveredAt time.Time) error {
	return m.Called(ctx, deliveryID, webhookID, event, status, attempt, httpStatus, deliveredAt).Error(0)
}

func (m *mockEndpointStore) CountRecentDeadLetters(ctx context.Context, webhookID string, since time.Time) (int, error) {
	args := m.Called(ctx, webhookID, since)
	return args.Int(0), args.Error(1)
}

type mockWorkspaceLookup struct {
	mock.Mock
}

func (m *mockWorkspaceLookup) GetByID(ctx context.Context, workspaceID string) (*types.Workspace, error) {
	args := m.Called(ctx, workspaceID)
	if ws, ok := args.Get(0).(*types.Workspace); ok {
		return ws, args.Error(1)
	}
	return nil, args.Error(1)
}

func testEndpoint(url string) *types.WebhookEndpoint {
	return &types.WebhookEndpoint{
		WebhookID:   "wh_1",
		WorkspaceID: "ws_1",
		URL:         url,
		Secret:      "whsec_endpoint",
		EventTypes:  []types.EventType{types.EventDomainCreated},
		IsActive:    true,
	}
}

func testJob(attempt int) types.WebhookJob {
	return types.WebhookJob{
		WebhookID:  "wh_1",
		Event:      types.EventDomainCreated,
		Payload:    types.JSONMap{"domain": "trailgear.co.uk"},
		Attempt:    attempt,
		EnqueuedAt: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newTestDispatcher(store *mockEndpointStore, lookup *mockWorkspaceLookup, client *http.Client) *Dispatcher {
	d := NewDispatcher(store, lookup, tiering.NewCatalog(), client, config.WebhookConfig{
		UserAgent:       "CartoGraph-Webhooks/1.0",
		DeliveryTimeout: 5 * time.Second,
		MaxAttempts:     5,
	}, nil)
	d.SetNow(func() time.Time { return time.Date(2026, 4, 1, 10, 0, 30, 0, time.UTC) })
	return d
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := new(mockEndpointStore)
	lookup := new(mockWorkspaceLookup)
	ctx := context.Background()

	store.On("Get", ctx, "wh_1").Return(testEndpoint(srv.URL), nil)
	lookup.On("GetByID", ctx, "ws_1").Return(&types.Workspace{WorkspaceID: "ws_1", Tier: types.TierProfessional}, nil)
	store.On("RecordDelivery", ctx, mock.AnythingOfType("string"), "wh_1", types.EventDomainCreated,
		types.DeliveryDelivered, 1, http.StatusOK, mock.AnythingOfType("time.Time")).Return(nil)

	res, err := newTestDispatcher(store, lookup, srv.Client()).Dispatch(ctx, testJob(0))
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, res.Status)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)

	assert.Equal(t, "domain.created", gotHeaders.Get(HeaderEvent))
	assert.Equal(t, res.DeliveryID, gotHeaders.Get(HeaderDelivery))
	assert.Equal(t, "CartoGraph-Webhooks/1.0", gotHeaders.Get("User-Agent"))

	// The signature must verify against the exact body bytes.
	assert.True(t, Verify(gotBody, gotHeaders.Get(HeaderSignature), "whsec_endpoint"))
	assert.Contains(t, string(gotBody), `"event":"domain.created"`)
	assert.Contains(t, string(gotBody), res.DeliveryID)
	store.AssertExpectations(t)
}

func TestDispatcher_SkipsUnsubscribedEventWithoutHTTPCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := new(mockEndpointStore)
	lookup := new(mockWorkspaceLookup)
	ctx := context.Background()

	store.On("Get", ctx, "wh_1").Return(testEndpoint(srv.URL), nil)
	store.On("RecordDelivery", ctx, mock.AnythingOfType("string"), "wh_1", types.EventAlertFired,
		types.DeliverySkipped, 1, 0, mock.AnythingOfType("time.Time")).Return(nil)

	job := testJob(0)
	job.Event = types.EventAlertFired

	res, err := newTestDispatcher(store, lookup, srv.Client()).Dispatch(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, types.DeliverySkipped, res.Status)
	assert.Equal(t, "not_subscribed", res.Reason)
	assert.Equal(t, int32(0), calls.Load())
	lookup.AssertNotCalled(t, "GetByID")
}

func TestDispatcher_SkipsWhenTierLostWebhookFeature(t *testing.T) {
	store := new(mockEndpointStore)
	lookup := new(mockWorkspaceLookup)
	ctx := context.Background()

	store.On("Get", ctx, "wh_1").Return(testEndpoint("https://hooks.example/cb"), nil)
	lookup.On("GetByID", ctx, "ws_1").Return(&types.Workspace{WorkspaceID: "ws_1", Tier: types.TierStarter}, nil)
	store.On("RecordDelivery", ctx, mock.AnythingOfType("string"), "wh_1", types.EventDomainCreated,
		types.DeliverySkipped, 1, 0, mock.AnythingOfType("time.Time")).Return(nil)

	res, err := newTestDispatcher(store, lookup, http.DefaultClient).Dispatch(ctx, testJob(0))
	require.NoError(t, err)
	assert.Equal(t, types.DeliverySkipped, res.Status)
	assert.Equal(t, "tier_gated", res.Reason)
}

func TestDispatcher_FailureSchedulesRetryWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := new(mockEndpointStore)
	lookup := new(mockWorkspaceLookup)
	ctx := context.Background()

	store.On("Get", ctx, "wh_1").Return(testEndpoint(srv.URL), nil)
	lookup.On("GetByID", ctx, "ws_1").Return(&types.Workspace{WorkspaceID: "ws_1", Tier: types.TierProfessional}, nil)
	store.On("RecordDelivery", ctx, mock.AnythingOfType("string"), "wh_1", types.EventDomainCreated,
		types.DeliveryRetrying, 2, http.StatusInternalServerError, mock.AnythingOfType("time.Time")).Return(nil)

	res, err := newTestDispatcher(store, lookup, srv.Client()).Dispatch(ctx, testJob(1))
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryRetrying, res.Status)
	assert.Equal(t, "http_500", res.Reason)

	// Second attempt (index 1) waits BaseDelay * factor = 10s.
	assert.Equal(t, 10*time.Second, res.RetryIn)
}

func TestDispatcher_ExhaustedRetriesDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := new(mockEndpointStore)
	lookup := new(mockWorkspaceLookup)
	ctx := context.Background()

	store.On("Get", ctx, "wh_1").Return(testEndpoint(srv.URL), nil)
	lookup.On("GetByID", ctx, "ws_1").Return(&types.Workspace{WorkspaceID: "ws_1", Tier: types.TierProfessional}, nil)
	store.On("RecordDelivery", ctx, mock.AnythingOfType("string"), "wh_1", types.EventDomainCreated,
		types.DeliveryDead, 5, http.StatusBadGateway, mock.AnythingOfType("time.Time")).Return(nil)
	store.On("CountRecentDeadLetters", ctx, "wh_1", mock.AnythingOfType("time.Time")).Return(3, nil)

	res, err := newTestDispatcher(store, lookup, srv.Client()).Dispatch(ctx, testJob(4))
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDead, res.Status)

	// Below the auto-disable threshold, the endpoint stays active.
	store.AssertNotCalled(t, "SetActive")
}

func TestDispatcher_PersistentFailureDeactivatesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := new(mockEndpointStore)
	lookup := new(mockWorkspaceLookup)
	ctx := context.Background()

	store.On("Get", ctx, "wh_1").Return(testEndpoint(srv.URL), nil)
	lookup.On("GetByID", ctx, "ws_1").Return(&types.Workspace{WorkspaceID: "ws_1", Tier: types.TierProfessional}, nil)
	store.On("RecordDelivery", ctx, mock.AnythingOfType("string"), "wh_1", types.EventDomainCreated,
		types.DeliveryDead, 5, http.StatusBadGateway, mock.AnythingOfType("time.Time")).Return(nil)
	store.On("CountRecentDeadLetters", ctx, "wh_1", mock.AnythingOfType("time.Time")).Return(10, nil)
	store.On("SetActive", ctx, "wh_1", false).Return(nil)

	_, err := newTestDispatcher(store, lookup, srv.Client()).Dispatch(ctx, testJob(4))
	require.NoError(t, err)
	store.AssertCalled(t, "SetActive", ctx, "wh_1", false)
}

func TestDispatcher_DeletedEndpointAcksWithoutRecording(t *testing.T) {
	store := new(mockEndpointStore)
	lookup := new(mockWorkspaceLookup)
	ctx := context.Background()

	store.On("Get", ctx, "wh_1").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundWebhook, "webhook endpoint not found", nil))

	res, err := newTestDispatcher(store, lookup, http.DefaultClient).Dispatch(ctx, testJob(0))
	require.NoError(t, err)
	assert.Equal(t, types.DeliverySkipped, res.Status)
	store.AssertNotCalled(t, "RecordDelivery")
}

func TestDeliveryIDStableAcrossRetries(t *testing.T) {
	first := deliveryIDFor(testJob(0))
	retry := deliveryIDFor(testJob(3))
	assert.Equal(t, first, retry, "retries of one logical event must reuse the delivery ID")

	other := testJob(0)
	other.EnqueuedAt = other.EnqueuedAt.Add(time.Second)
	assert.NotEqual(t, first, deliveryIDFor(other))
}

func TestCalculateNextRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 15 * time.Minute, BackoffFactor: 5.0}

	assert.Equal(t, 2*time.Second, CalculateNextRetry(p, 0))
	assert.Equal(t, 10*time.Second, CalculateNextRetry(p, 1))
	assert.Equal(t, 50*time.Second, CalculateNextRetry(p, 2))
	assert.Equal(t, 250*time.Second, CalculateNextRetry(p, 3))
	// Capped at MaxDelay.
	assert.Equal(t, 15*time.Minute, CalculateNextRetry(p, 10))
	// Negative attempts clamp to the base delay.
	assert.Equal(t, 2*time.Second, CalculateNextRetry(p, -1))
}
