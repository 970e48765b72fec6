// Package handlers contains the HTTP handler implementations for the
// CartoGraph API. Each handler declares the narrow interfaces it needs,
// receives concrete implementations through its constructor, and mounts
// itself on the router via RegisterRoutes.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cartograph/internal/core"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// maxImportBatch bounds one bulk import request.
const maxImportBatch = 100

// defaultPageSize is the list page size when the client does not ask.
const defaultPageSize = 50

// ukTLDPattern recognises UK-relevant suffixes for the tld column.
var ukTLDPattern = regexp.MustCompile(`\.(co\.uk|org\.uk|me\.uk|uk)$`)

var tldPattern = regexp.MustCompile(`\.[a-z]{2,}$`)

// DomainStore is the domain repository surface the handler needs.
type DomainStore interface {
	GetByName(ctx context.Context, domain string) (*types.Domain, error)
	Insert(ctx context.Context, d *types.Domain) error
	UpdateGroup(ctx context.Context, domainID, group string, blob types.JSONMap) error
	List(ctx context.Context, filter types.DomainFilter, cursor *types.Cursor, limit int) ([]types.DomainSummary, *types.Cursor, error)
}

// WorkspaceReader loads the current workspace for quota checks; lookups are
// metered through the conditional TryConsumeLookup so the counter cannot be
// pushed past the limit by concurrent requests.
type WorkspaceReader interface {
	GetByID(ctx context.Context, id string) (*types.Workspace, error)
	TryConsumeLookup(ctx context.Context, workspaceID string, limit *int) (bool, error)
}

// TaskEnqueuer feeds the enrichment pipeline.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, task types.EnrichmentTask) error
}

// EventPublisher fans one platform event out to the workspace webhook queue.
// Implemented by the webhook fan-out helper in this package.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event types.EventType, payload types.JSONMap)
}

// --- Request/Response Models ---

// ImportDomainItem is one entry of a bulk import request.
type ImportDomainItem struct {
	Domain string   `json:"domain" validate:"required,domainname"`
	Tags   []string `json:"tags,omitempty" validate:"max=10,dive,max=50"`
}

// ImportDomainsRequest is the request body for POST /v1/domains/import.
type ImportDomainsRequest struct {
	Domains []ImportDomainItem `json:"domains" validate:"required,min=1,dive"`
}

// ImportDomainsResponse reports the outcome of a bulk import.
type ImportDomainsResponse struct {
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	DomainIDs []string `json:"domain_ids"`
}

// --- Handler ---

// DomainsHandler serves domain import, listing, and detail lookup.
type DomainsHandler struct {
	domains    DomainStore
	workspaces WorkspaceReader
	tasks      TaskEnqueuer
	events     EventPublisher
	catalog    *tiering.Catalog
	masker     *tiering.Masker
	validator  *core.Validator
	logger     *slog.Logger
}

// NewDomainsHandler wires a DomainsHandler.
func NewDomainsHandler(
	domains DomainStore,
	workspaces WorkspaceReader,
	tasks TaskEnqueuer,
	events EventPublisher,
	catalog *tiering.Catalog,
	v *core.Validator,
	l *slog.Logger,
) *DomainsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DomainsHandler{
		domains:    domains,
		workspaces: workspaces,
		tasks:      tasks,
		events:     events,
		catalog:    catalog,
		masker:     tiering.NewMasker(catalog),
		validator:  v,
		logger:     l,
	}
}

// RegisterRoutes mounts domain routes on the provided router.
func (h *DomainsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/domains", func(r chi.Router) {
		r.Post("/import", h.Import)
		r.Get("/", h.List)
		r.Get("/{domain}", h.Get)
	})
}

// Import handles POST /v1/domains/import.
//
// Accepts up to 100 domain names, creates stub records in
// pending_enrichment state, enqueues one classifier task per new domain,
// and emits a domain.created event for each. Already-tracked names are
// counted as skipped, not errors. Returns 202: enrichment is asynchronous.
func (h *DomainsHandler) Import(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req ImportDomainsRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if len(req.Domains) > maxImportBatch {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationBatchSize,
			"import batch exceeds the maximum size",
			nil,
			map[string]any{"max": maxImportBatch, "requested": len(req.Domains)},
		))
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	resp := ImportDomainsResponse{DomainIDs: []string{}}
	for _, item := range req.Domains {
		name := strings.ToLower(strings.TrimSpace(item.Domain))

		if _, err := h.domains.GetByName(r.Context(), name); err == nil {
			resp.Skipped++
			continue
		} else if !isDomainNotFound(err) {
			core.Error(w, r, err)
			return
		}

		d := &types.Domain{
			DomainID:      "dom_" + uuid.NewString(),
			Domain:        name,
			Country:       "GB",
			TLD:           extractTLD(name),
			Status:        types.DomainStatusPending,
			SchemaVersion: "1",
		}
		if err := h.domains.Insert(r.Context(), d); err != nil {
			if isDomainConflict(err) {
				// Raced with a concurrent import of the same name.
				resp.Skipped++
				continue
			}
			core.Error(w, r, err)
			return
		}

		discovery := types.JSONMap{"method": "bulk_import"}
		if len(item.Tags) > 0 {
			discovery["tags"] = item.Tags
		}
		if err := h.domains.UpdateGroup(r.Context(), d.DomainID, "discovery", discovery); err != nil {
			h.logger.WarnContext(r.Context(), "failed to record import discovery group",
				slog.String("domain_id", d.DomainID),
				slog.String("error", err.Error()),
			)
		}

		task := types.EnrichmentTask{
			TaskID:   "task_" + uuid.NewString(),
			TraceID:  types.GetRequestID(r.Context()),
			Agent:    types.AgentDomainClassifier,
			DomainID: d.DomainID,
			Domain:   d.Domain,
		}
		if err := h.tasks.Enqueue(r.Context(), task); err != nil {
			// The stub exists; enrichment can be re-triggered later.
			h.logger.ErrorContext(r.Context(), "failed to enqueue classifier task",
				slog.String("domain_id", d.DomainID),
				slog.String("error", err.Error()),
			)
		}

		h.events.PublishEvent(r.Context(), types.EventDomainCreated, types.JSONMap{
			"domain_id": d.DomainID,
			"domain":    d.Domain,
			"source":    "bulk_import",
		})

		resp.Imported++
		resp.DomainIDs = append(resp.DomainIDs, d.DomainID)
	}

	h.logger.InfoContext(r.Context(), "bulk import accepted",
		slog.String("workspace_id", actor.WorkspaceID),
		slog.Int("imported", resp.Imported),
		slog.Int("skipped", resp.Skipped),
	)
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: resp})
}

// List handles GET /v1/domains.
//
// Cursor-paginated summary rows, newest first. The page size is clamped to
// the tier's per-view row cap rather than rejected.
func (h *DomainsHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}
	gate := tiering.NewGate(h.catalog, actor.Tier)

	filter, err := parseDomainFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var cursor *types.Cursor
	if token := r.URL.Query().Get("cursor"); token != "" {
		c, err := types.DecodeCursor(token)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		cursor = &c
	}

	requested, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	limit := gate.ClampPageSize(requested, defaultPageSize)

	rows, next, err := h.domains.List(r.Context(), filter, cursor, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := types.ListResponse[types.DomainSummary]{
		Data:     rows,
		PageInfo: types.PageInfo{HasMore: next != nil},
	}
	if next != nil {
		resp.PageInfo.NextCursor = next.Encode()
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// Get handles GET /v1/domains/{domain}.
//
// One lookup is consumed from the monthly ledger after the record is found;
// the conditional consume closes the race where two requests at the final
// lookup of the cycle would both pass a read-then-increment check. The
// response is the tier-masked projection.
func (h *DomainsHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	ws, err := h.workspaces.GetByID(r.Context(), actor.WorkspaceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	gate := tiering.NewGate(h.catalog, actor.Tier)
	if err := gate.CheckLookupQuota(ws.DomainLookupsUsed); err != nil {
		core.Error(w, r, err)
		return
	}

	name := strings.ToLower(chi.URLParam(r, "domain"))
	d, err := h.domains.GetByName(r.Context(), name)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	masked := h.masker.Mask(d, actor.Tier)

	limit := h.catalog.Limits(actor.Tier).MaxLookupsPerMonth
	consumed, err := h.workspaces.TryConsumeLookup(r.Context(), actor.WorkspaceID, limit)
	if err != nil {
		// The record was already fetched; a metering failure must not turn
		// a successful lookup into an error.
		h.logger.ErrorContext(r.Context(), "lookup metering failed",
			slog.String("workspace_id", actor.WorkspaceID),
			slog.String("error", err.Error()),
		)
	} else if !consumed {
		// A concurrent request took the final lookup of the cycle.
		core.Error(w, r, gate.CheckLookupQuota(*limit))
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: masked})
}

// parseDomainFilter reads the list/export filter query parameters.
func parseDomainFilter(r *http.Request) (types.DomainFilter, error) {
	q := r.URL.Query()
	filter := types.DomainFilter{
		Platform: q.Get("platform"),
		Country:  q.Get("country"),
	}
	if v := q.Get("min_domain_rating"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"min_domain_rating must be a non-negative integer", err)
		}
		filter.MinDomainRating = n
	}
	if v := q.Get("min_intent_score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return filter, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"min_intent_score must be a non-negative number", err)
		}
		filter.MinIntentScore = f
	}
	if v := q.Get("status"); v != "" {
		filter.Status = types.DomainStatus(v)
	}
	return filter, nil
}

// extractTLD returns the registrable suffix, preferring the UK compound
// suffixes over a generic match.
func extractTLD(domain string) string {
	if m := ukTLDPattern.FindString(domain); m != "" {
		return strings.TrimPrefix(m, ".")
	}
	if m := tldPattern.FindString(domain); m != "" {
		return strings.TrimPrefix(m, ".")
	}
	return ""
}

func isDomainNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundDomain
}

func isDomainConflict(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictDomainExists
}
