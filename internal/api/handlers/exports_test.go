package handlers

import (
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

func newExportsFixture() (*ExportsHandler, *fakeDomainStore, *fakeLedger) {
	store := newFakeDomainStore()
	ledger := &fakeLedger{ws: &types.Workspace{WorkspaceID: "ws_test", Tier: types.TierProfessional}}
	h := NewExportsHandler(store, ledger, testCatalog(), discardLogger())
	return h, store, ledger
}

func exportDomain(name string) *types.Domain {
	return &types.Domain{
		DomainID: "dom_" + name,
		Domain:   name,
		Country:  "GB",
		TLD:      "co.uk",
		Status:   types.DomainStatusActive,
		Groups: types.FieldGroupSet{
			"seo_metrics":  {"domain_rating": 44, "backlinks_count": 1200},
			"intent_layer": {"commercial_intent_score": 0.7},
		},
	}
}

func TestExportGatedOnFreeTier(t *testing.T) {
	h, _, ledger := newExportsFixture()
	ledger.ws.Tier = types.TierFree
	srv := serveAs(h, actorWithTier(types.TierFree))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/domains/export", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "feature_gated", body.Error.Code)
	assert.Equal(t, string(types.FeatureExportCSV), body.Error.Details["feature"])
	assert.Equal(t, 0, ledger.exportIncs)
}

func TestExportCreditExhausted(t *testing.T) {
	h, _, ledger := newExportsFixture()
	ledger.ws.Tier = types.TierStarter
	ledger.ws.ExportCreditsUsed = 50
	srv := serveAs(h, actorWithTier(types.TierStarter))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/domains/export", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_export_credits_exhausted", decodeError(t, rec).Error.Code)
	assert.Equal(t, 0, ledger.exportIncs)
}

func TestExportRowLimitExceeded(t *testing.T) {
	h, store, ledger := newExportsFixture()
	ledger.ws.Tier = types.TierStarter
	store.count = 5001 // starter caps at 5000 rows per view
	srv := serveAs(h, actorWithTier(types.TierStarter))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/domains/export", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "row_limit_exceeded", decodeError(t, rec).Error.Code)
	assert.Equal(t, 0, ledger.exportIncs)
}

func TestExportStreamsMaskedCSV(t *testing.T) {
	h, store, ledger := newExportsFixture()
	ledger.ws.Tier = types.TierStarter
	store.count = 2
	store.exportRows = []*types.Domain{exportDomain("a.co.uk"), exportDomain("b.co.uk")}
	srv := serveAs(h, actorWithTier(types.TierStarter))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/domains/export", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, 1, ledger.exportIncs)

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	header := rows[0]
	assert.Equal(t, tiering.AlwaysVisibleFields, header[:len(tiering.AlwaysVisibleFields)])
	assert.Equal(t, tiering.FieldGroupNames, header[len(tiering.AlwaysVisibleFields):])

	col := func(name string) int {
		for i, c := range header {
			if c == name {
				return i
			}
		}
		t.Fatalf("missing column %q", name)
		return -1
	}
	assert.Equal(t, "dom_a.co.uk", rows[1][col("domain_id")])
	// Starter sees domain_rating but not backlinks_count.
	assert.Contains(t, rows[1][col("seo_metrics")], "domain_rating")
	assert.NotContains(t, rows[1][col("seo_metrics")], "backlinks_count")
	assert.Contains(t, rows[1][col("intent_layer")], "commercial_intent_score")
}

func TestExportGzipWhenAccepted(t *testing.T) {
	h, store, ledger := newExportsFixture()
	ledger.ws.Tier = types.TierProfessional
	store.count = 1
	store.exportRows = []*types.Domain{exportDomain("a.co.uk")}
	srv := serveAs(h, proActor())

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/export", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	rows, err := csv.NewReader(gz).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "domain_id", rows[0][0])
}

func TestExportCapsFetchAtTierRowLimit(t *testing.T) {
	h, store, ledger := newExportsFixture()
	ledger.ws.Tier = types.TierStarter
	store.count = 10
	srv := serveAs(h, actorWithTier(types.TierStarter))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/domains/export", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5000, store.gotLimit)
}
