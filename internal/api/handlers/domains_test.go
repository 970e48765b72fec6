package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/core"
	"cartograph/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDomainsFixture() (*DomainsHandler, *fakeDomainStore, *fakeLedger, *fakeTaskQueue, *fakeEventSink) {
	store := newFakeDomainStore()
	ledger := &fakeLedger{ws: &types.Workspace{WorkspaceID: "ws_test", Tier: types.TierProfessional}}
	tasks := &fakeTaskQueue{}
	events := &fakeEventSink{}
	h := NewDomainsHandler(store, ledger, tasks, events, testCatalog(), core.NewValidator(), discardLogger())
	return h, store, ledger, tasks, events
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestImportCreatesStubAndEnqueuesClassifier(t *testing.T) {
	h, store, _, tasks, events := newDomainsFixture()
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/domains/import", ImportDomainsRequest{
		Domains: []ImportDomainItem{{Domain: "trailgear.co.uk", Tags: []string{"outdoor"}}},
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp ImportDomainsResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, 1, resp.Imported)
	assert.Equal(t, 0, resp.Skipped)
	require.Len(t, resp.DomainIDs, 1)

	require.Len(t, store.inserted, 1)
	d := store.inserted[0]
	assert.True(t, strings.HasPrefix(d.DomainID, "dom_"))
	assert.Equal(t, "trailgear.co.uk", d.Domain)
	assert.Equal(t, "GB", d.Country)
	assert.Equal(t, "co.uk", d.TLD)
	assert.Equal(t, types.DomainStatusPending, d.Status)

	discovery := store.groups[d.DomainID]["discovery"]
	require.NotNil(t, discovery)
	assert.Equal(t, "bulk_import", discovery["method"])

	require.Len(t, tasks.tasks, 1)
	assert.Equal(t, types.AgentDomainClassifier, tasks.tasks[0].Agent)
	assert.Equal(t, d.DomainID, tasks.tasks[0].DomainID)
	assert.Equal(t, "trailgear.co.uk", tasks.tasks[0].Domain)

	require.Len(t, events.events, 1)
	assert.Equal(t, types.EventDomainCreated, events.events[0])
	assert.Equal(t, d.DomainID, events.payloads[0]["domain_id"])
}

func TestImportNormalizesAndSkipsDuplicates(t *testing.T) {
	h, store, _, tasks, _ := newDomainsFixture()
	store.byName["trailgear.co.uk"] = &types.Domain{DomainID: "dom_existing", Domain: "trailgear.co.uk"}
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/domains/import", ImportDomainsRequest{
		Domains: []ImportDomainItem{
			{Domain: "  TRAILGEAR.co.uk  "},
			{Domain: "wildcamping.uk"},
		},
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	// Uppercase input fails the domain name validator outright; lowercase
	// normalisation is for lookups, not for laundering bad input.
	assert.Equal(t, "validation_invalid_domain_name", decodeError(t, rec).Error.Code)

	rec = postJSON(t, srv, "/v1/domains/import", ImportDomainsRequest{
		Domains: []ImportDomainItem{
			{Domain: "trailgear.co.uk"},
			{Domain: "wildcamping.uk"},
		},
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp ImportDomainsResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, 1, resp.Imported)
	assert.Equal(t, 1, resp.Skipped)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, "wildcamping.uk", store.inserted[0].Domain)
	assert.Len(t, tasks.tasks, 1)
}

func TestImportRejectsOversizedBatch(t *testing.T) {
	h, _, _, _, _ := newDomainsFixture()
	srv := serveAs(h, proActor())

	items := make([]ImportDomainItem, maxImportBatch+1)
	for i := range items {
		items[i] = ImportDomainItem{Domain: fmt.Sprintf("shop-%d.co.uk", i)}
	}
	rec := postJSON(t, srv, "/v1/domains/import", ImportDomainsRequest{Domains: items})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation_batch_size_exceeded", body.Error.Code)
	assert.EqualValues(t, maxImportBatch, body.Error.Details["max"])
}

func TestImportEnqueueFailureStillAccepts(t *testing.T) {
	h, store, _, tasks, _ := newDomainsFixture()
	tasks.err = fmt.Errorf("sqs unavailable")
	srv := serveAs(h, proActor())

	rec := postJSON(t, srv, "/v1/domains/import", ImportDomainsRequest{
		Domains: []ImportDomainItem{{Domain: "trailgear.co.uk"}},
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, store.inserted, 1)
}

func TestListClampsPageSizeToTierCap(t *testing.T) {
	h, store, _, _, _ := newDomainsFixture()
	srv := serveAs(h, actorWithTier(types.TierFree))

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/?limit=500", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 100, store.gotLimit)
}

func TestListReturnsCursorWhenMoreRows(t *testing.T) {
	h, store, _, _, _ := newDomainsFixture()
	now := time.Now().UTC()
	store.listRows = []types.DomainSummary{
		{DomainID: "dom_1", Domain: "a.co.uk", LastUpdatedAt: now},
	}
	store.listNext = &types.Cursor{LastUpdatedAt: now, DomainID: "dom_1"}
	srv := serveAs(h, proActor())

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/?platform=shopify&min_domain_rating=30", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "shopify", store.gotFilter.Platform)
	assert.Equal(t, 30, store.gotFilter.MinDomainRating)

	var resp types.ListResponse[types.DomainSummary]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.True(t, resp.PageInfo.HasMore)
	assert.NotEmpty(t, resp.PageInfo.NextCursor)

	cursor, err := types.DecodeCursor(resp.PageInfo.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "dom_1", cursor.DomainID)
}

func TestListRejectsMalformedCursor(t *testing.T) {
	h, _, _, _, _ := newDomainsFixture()
	srv := serveAs(h, proActor())

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/?cursor=%21%21not-base64", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_malformed_cursor", decodeError(t, rec).Error.Code)
}

func TestGetDomainMasksAndMetersLookup(t *testing.T) {
	h, store, ledger, _, _ := newDomainsFixture()
	ledger.ws.Tier = types.TierFree
	store.byName["trailgear.co.uk"] = &types.Domain{
		DomainID: "dom_1",
		Domain:   "trailgear.co.uk",
		Country:  "GB",
		Status:   types.DomainStatusActive,
		Groups: types.FieldGroupSet{
			"intent_layer": {"commercial_intent_score": 0.82},
		},
	}
	srv := serveAs(h, actorWithTier(types.TierFree))

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/trailgear.co.uk", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var masked map[string]any
	decodeData(t, rec, &masked)
	assert.Equal(t, "dom_1", masked["domain_id"])
	assert.Nil(t, masked["intent_layer"])
	assert.Equal(t, true, masked["intent_layer_gated"])

	assert.Equal(t, 1, ledger.lookupIncs)
}

func TestGetDomainQuotaExhausted(t *testing.T) {
	h, store, ledger, _, _ := newDomainsFixture()
	ledger.ws.Tier = types.TierFree
	ledger.ws.DomainLookupsUsed = 25
	store.byName["trailgear.co.uk"] = &types.Domain{DomainID: "dom_1", Domain: "trailgear.co.uk"}
	srv := serveAs(h, actorWithTier(types.TierFree))

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/trailgear.co.uk", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_lookups_exceeded", decodeError(t, rec).Error.Code)
	assert.Equal(t, 0, ledger.lookupIncs)
}

func TestGetDomainConcurrentConsumerTakesLastSlot(t *testing.T) {
	h, store, ledger, _, _ := newDomainsFixture()
	ledger.ws.Tier = types.TierFree
	ledger.ws.DomainLookupsUsed = 24
	// The pre-check passes on the stale read, but another request consumes
	// the final lookup before this one does.
	ledger.denyConsume = true
	store.byName["trailgear.co.uk"] = &types.Domain{DomainID: "dom_1", Domain: "trailgear.co.uk"}
	srv := serveAs(h, actorWithTier(types.TierFree))

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/trailgear.co.uk", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_lookups_exceeded", decodeError(t, rec).Error.Code)
	assert.Equal(t, 0, ledger.lookupIncs)
}

func TestGetDomainMeteringFailureFailsOpen(t *testing.T) {
	h, store, ledger, _, _ := newDomainsFixture()
	ledger.lookupErr = fmt.Errorf("db unavailable")
	store.byName["trailgear.co.uk"] = &types.Domain{DomainID: "dom_1", Domain: "trailgear.co.uk"}
	srv := serveAs(h, proActor())

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/trailgear.co.uk", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGetUnknownDomainIs404(t *testing.T) {
	h, _, _, _, _ := newDomainsFixture()
	srv := serveAs(h, proActor())

	req := httptest.NewRequest(http.MethodGet, "/v1/domains/nothere.co.uk", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_domain", decodeError(t, rec).Error.Code)
}

func TestExtractTLD(t *testing.T) {
	cases := map[string]string{
		"trailgear.co.uk":  "co.uk",
		"charity.org.uk":   "org.uk",
		"wildcamping.uk":   "uk",
		"example.com":      "com",
		"shop.example.com": "com",
	}
	for domain, want := range cases {
		assert.Equal(t, want, extractTLD(domain), domain)
	}
}
