package external

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataForSEOClient(t *testing.T, handler http.Handler) *DataForSEOClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDataForSEOClient(srv.Client(), DataForSEOConfig{
		Login:    "login@example.com",
		Password: "secret",
		BaseURL:  srv.URL,
	})
}

func TestDataForSEOClient_SubmitSERPTasks(t *testing.T) {
	client := newTestDataForSEOClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/serp/google/organic/task_post", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "login@example.com", user)
		assert.Equal(t, "secret", pass)

		fmt.Fprint(w, `{"tasks": [{"id": "task-1"}, {"id": "task-2"}, {"id": ""}]}`)
	}))

	ids, err := client.SubmitSERPTasks(context.Background(), []string{"buy hiking boots", "vegan protein powder uk"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, ids)
}

func TestDataForSEOClient_FetchSERPResults(t *testing.T) {
	client := newTestDataForSEOClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/serp/google/organic/task_get/regular/task-1", r.URL.Path)
		fmt.Fprint(w, `{
			"tasks": [{
				"data": {"keyword": "buy hiking boots"},
				"result": [{
					"items": [
						{"type": "shopping", "rank_absolute": 0, "url": ""},
						{"type": "organic", "rank_absolute": 1, "url": "https://www.trailgear.co.uk/boots", "title": "Hiking Boots"},
						{"type": "organic", "rank_absolute": 2, "url": "https://peakoutfitters.com/shop", "title": "Shop"},
						{"type": "people_also_ask", "rank_absolute": 0, "url": ""}
					]
				}]
			}]
		}`)
	}))

	results, err := client.FetchSERPResults(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Only organic rows are returned, with scheme/path/www stripped.
	assert.Equal(t, "buy hiking boots", results[0].Keyword)
	assert.Equal(t, 1, results[0].Position)
	assert.Equal(t, "trailgear.co.uk", results[0].Domain)
	assert.Equal(t, "peakoutfitters.com", results[1].Domain)

	// Non-organic item types surface as SERP feature flags on every row.
	assert.ElementsMatch(t, []string{"shopping_carousel", "people_also_ask"}, results[0].SERPFeatures)
}

func TestDataForSEOClient_AuthorityMetrics(t *testing.T) {
	client := newTestDataForSEOClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/backlinks/domain_pages_summary/live", r.URL.Path)
		fmt.Fprint(w, `{
			"tasks": [{
				"result": [
					{"target": "trailgear.co.uk", "backlinks": 15400, "referring_domains": 320, "rank": 41}
				]
			}]
		}`)
	}))

	metrics, err := client.AuthorityMetrics(context.Background(), []string{"trailgear.co.uk"})
	require.NoError(t, err)
	require.Len(t, metrics, 1)

	m := metrics[0]
	assert.Equal(t, "trailgear.co.uk", m.Domain)
	assert.Equal(t, "dataforseo", m.Source)
	require.NotNil(t, m.Backlinks)
	assert.Equal(t, int64(15400), *m.Backlinks)
	require.NotNil(t, m.ReferringDomains)
	assert.Equal(t, 320, *m.ReferringDomains)
	require.NotNil(t, m.DomainRating)
	assert.Equal(t, 41, *m.DomainRating)
}

func TestRegistrableDomain(t *testing.T) {
	cases := map[string]string{
		"https://www.example.co.uk/path?q=1": "example.co.uk",
		"http://shop.example.com/":           "shop.example.com",
		"https://example.com":                "example.com",
	}
	for in, want := range cases {
		assert.Equal(t, want, registrableDomain(in), in)
	}
}
