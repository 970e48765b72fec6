package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"cartograph/internal/billing"
	"cartograph/internal/external"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// routeRegistrar is what every handler in this package exposes.
type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// serveAs mounts the handler under /v1 with the given actor injected, the
// way the auth middleware would in production. A nil actor mounts the
// routes unauthenticated.
func serveAs(h routeRegistrar, actor *types.Actor) http.Handler {
	r := chi.NewRouter()
	if actor != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(types.WithActor(req.Context(), *actor)))
			})
		})
	}
	r.Route("/v1", h.RegisterRoutes)
	return r
}

func proActor() *types.Actor {
	return &types.Actor{
		ID:          "cg_abcdef123",
		Type:        types.ActorTypeAPIToken,
		WorkspaceID: "ws_test",
		Tier:        types.TierProfessional,
	}
}

func actorWithTier(tier types.Tier) *types.Actor {
	a := proActor()
	a.Tier = tier
	return a
}

// errorBody mirrors the JSON error envelope for assertions.
type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func postJSONBody(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	return bytes.NewReader(raw), err
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func notFound(code types.ErrorCode) error {
	return types.NewAppError(code, "not found", nil)
}

// --- Domain store fake ---

type fakeDomainStore struct {
	byName    map[string]*types.Domain
	inserted  []*types.Domain
	groups    map[string]map[string]types.JSONMap
	insertErr error

	listRows  []types.DomainSummary
	listNext  *types.Cursor
	gotFilter types.DomainFilter
	gotLimit  int

	count      int
	exportRows []*types.Domain
}

func newFakeDomainStore() *fakeDomainStore {
	return &fakeDomainStore{
		byName: map[string]*types.Domain{},
		groups: map[string]map[string]types.JSONMap{},
	}
}

func (f *fakeDomainStore) GetByName(_ context.Context, domain string) (*types.Domain, error) {
	if d, ok := f.byName[domain]; ok {
		return d, nil
	}
	return nil, notFound(types.ErrCodeNotFoundDomain)
}

func (f *fakeDomainStore) Insert(_ context.Context, d *types.Domain) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, d)
	f.byName[d.Domain] = d
	return nil
}

func (f *fakeDomainStore) UpdateGroup(_ context.Context, domainID, group string, blob types.JSONMap) error {
	if f.groups[domainID] == nil {
		f.groups[domainID] = map[string]types.JSONMap{}
	}
	f.groups[domainID][group] = blob
	return nil
}

func (f *fakeDomainStore) List(_ context.Context, filter types.DomainFilter, _ *types.Cursor, limit int) ([]types.DomainSummary, *types.Cursor, error) {
	f.gotFilter = filter
	f.gotLimit = limit
	return f.listRows, f.listNext, nil
}

func (f *fakeDomainStore) CountMatching(_ context.Context, filter types.DomainFilter, _ int) (int, error) {
	f.gotFilter = filter
	return f.count, nil
}

func (f *fakeDomainStore) ListForExport(_ context.Context, _ types.DomainFilter, limit int) ([]*types.Domain, error) {
	f.gotLimit = limit
	return f.exportRows, nil
}

// --- Workspace / ledger fake ---

type fakeLedger struct {
	ws          *types.Workspace
	lookupIncs  int
	exportIncs  int
	lookupErr   error
	denyConsume bool
}

func (f *fakeLedger) GetByID(_ context.Context, id string) (*types.Workspace, error) {
	if f.ws == nil || f.ws.WorkspaceID != id {
		return nil, notFound(types.ErrCodeNotFoundWorkspace)
	}
	return f.ws, nil
}

func (f *fakeLedger) TryConsumeLookup(_ context.Context, _ string, limit *int) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	if f.denyConsume {
		return false, nil
	}
	if limit != nil && f.ws.DomainLookupsUsed+f.lookupIncs >= *limit {
		return false, nil
	}
	f.lookupIncs++
	return true, nil
}

func (f *fakeLedger) IncrementExportCredits(_ context.Context, _ string, n int) (int, error) {
	f.exportIncs += n
	return f.ws.ExportCreditsUsed + f.exportIncs, nil
}

// --- Queue fakes ---

type fakeTaskQueue struct {
	tasks []types.EnrichmentTask
	err   error
}

func (f *fakeTaskQueue) Enqueue(_ context.Context, task types.EnrichmentTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeJobQueue struct {
	jobs []types.WebhookJob
	err  error
}

func (f *fakeJobQueue) Publish(_ context.Context, job types.WebhookJob, _ time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeEventSink struct {
	events   []types.EventType
	payloads []types.JSONMap
}

func (f *fakeEventSink) PublishEvent(_ context.Context, event types.EventType, payload types.JSONMap) {
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
}

// --- Alert store fake ---

type fakeAlertStore struct {
	alerts map[string]*types.Alert
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: map[string]*types.Alert{}}
}

func (f *fakeAlertStore) Create(_ context.Context, a *types.Alert) error {
	f.alerts[a.AlertID] = a
	return nil
}

func (f *fakeAlertStore) GetByID(_ context.Context, workspaceID, alertID string) (*types.Alert, error) {
	if a, ok := f.alerts[alertID]; ok && a.WorkspaceID == workspaceID {
		return a, nil
	}
	return nil, notFound(types.ErrCodeNotFoundAlert)
}

func (f *fakeAlertStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*types.Alert, error) {
	var out []*types.Alert
	for _, a := range f.alerts {
		if a.WorkspaceID == workspaceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) CountByWorkspace(_ context.Context, workspaceID string) (int, error) {
	n := 0
	for _, a := range f.alerts {
		if a.WorkspaceID == workspaceID {
			n++
		}
	}
	return n, nil
}

func (f *fakeAlertStore) Update(_ context.Context, a *types.Alert) error {
	f.alerts[a.AlertID] = a
	return nil
}

func (f *fakeAlertStore) Delete(_ context.Context, workspaceID, alertID string) error {
	if a, ok := f.alerts[alertID]; ok && a.WorkspaceID == workspaceID {
		delete(f.alerts, alertID)
		return nil
	}
	return notFound(types.ErrCodeNotFoundAlert)
}

// --- Webhook endpoint store fake ---

type fakeEndpointStore struct {
	endpoints map[string]*types.WebhookEndpoint
}

func newFakeEndpointStore() *fakeEndpointStore {
	return &fakeEndpointStore{endpoints: map[string]*types.WebhookEndpoint{}}
}

func (f *fakeEndpointStore) Create(_ context.Context, e *types.WebhookEndpoint) error {
	f.endpoints[e.WebhookID] = e
	return nil
}

func (f *fakeEndpointStore) GetByID(_ context.Context, workspaceID, webhookID string) (*types.WebhookEndpoint, error) {
	if e, ok := f.endpoints[webhookID]; ok && e.WorkspaceID == workspaceID {
		return e, nil
	}
	return nil, notFound(types.ErrCodeNotFoundWebhook)
}

func (f *fakeEndpointStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*types.WebhookEndpoint, error) {
	var out []*types.WebhookEndpoint
	for _, e := range f.endpoints {
		if e.WorkspaceID == workspaceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEndpointStore) SetActive(_ context.Context, webhookID string, active bool) error {
	if e, ok := f.endpoints[webhookID]; ok {
		e.IsActive = active
		return nil
	}
	return notFound(types.ErrCodeNotFoundWebhook)
}

func (f *fakeEndpointStore) Delete(_ context.Context, workspaceID, webhookID string) error {
	if e, ok := f.endpoints[webhookID]; ok && e.WorkspaceID == workspaceID {
		delete(f.endpoints, webhookID)
		return nil
	}
	return notFound(types.ErrCodeNotFoundWebhook)
}

// --- Billing fakes ---

type fakeGateway struct {
	gotCheckout external.CheckoutParams
	checkoutErr error
	gotReturn   string
	gotCustomer string
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, params external.CheckoutParams) (string, string, error) {
	if f.checkoutErr != nil {
		return "", "", f.checkoutErr
	}
	f.gotCheckout = params
	return "https://checkout.stripe.com/c/cs_test_1", "cs_test_1", nil
}

func (f *fakeGateway) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	f.gotCustomer = customerID
	f.gotReturn = returnURL
	return "https://billing.stripe.com/p/session_1", nil
}

func (f *fakeGateway) SubscriptionPrice(_ context.Context, _ string) (string, error) {
	return "", nil
}

type fakeVerifier struct {
	err       error
	gotHeader string
	gotSecret string
}

func (f *fakeVerifier) Verify(_ []byte, header, secret string) error {
	f.gotHeader = header
	f.gotSecret = secret
	return f.err
}

type fakeLifecycle struct {
	events []*billing.Event
	action string
	err    error
}

func (f *fakeLifecycle) HandleEvent(_ context.Context, event *billing.Event) (string, error) {
	f.events = append(f.events, event)
	return f.action, f.err
}

// --- Token store fake ---

type fakeTokenStore struct {
	workspaceID string
	hash        string
	prefix      string
}

func (f *fakeTokenStore) SetAPIToken(_ context.Context, workspaceID, hash, prefix string) error {
	f.workspaceID = workspaceID
	f.hash = hash
	f.prefix = prefix
	return nil
}

func testCatalog() *tiering.Catalog { return tiering.NewCatalog() }
