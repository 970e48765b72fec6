package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cartograph/internal/core"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// UsageWorkspaceSource loads the workspace whose counters are reported.
type UsageWorkspaceSource interface {
	GetByID(ctx context.Context, id string) (*types.Workspace, error)
}

// UsageWindow pairs a consumed counter with its tier limit. A nil limit
// means the tier is unmetered for that counter.
type UsageWindow struct {
	Used  int  `json:"used"`
	Limit *int `json:"limit"`
}

// UsageResponse is the body of GET /v1/workspace/usage.
type UsageResponse struct {
	Tier              types.Tier  `json:"tier"`
	BillingCycleStart time.Time   `json:"billing_cycle_start"`
	DomainLookups     UsageWindow `json:"domain_lookups"`
	ExportCredits     UsageWindow `json:"export_credits"`
	APICalls          UsageWindow `json:"api_calls"`
}

// UsageHandler reports the current cycle's metered consumption against the
// acting workspace's tier limits.
type UsageHandler struct {
	workspaces UsageWorkspaceSource
	catalog    *tiering.Catalog
	logger     *slog.Logger
}

// NewUsageHandler wires a UsageHandler.
func NewUsageHandler(workspaces UsageWorkspaceSource, catalog *tiering.Catalog, l *slog.Logger) *UsageHandler {
	if l == nil {
		l = slog.Default()
	}
	return &UsageHandler{workspaces: workspaces, catalog: catalog, logger: l}
}

// RegisterRoutes mounts the usage route on the provided router.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/workspace/usage", h.Get)
}

// Get handles GET /v1/workspace/usage. Counters are read fresh rather than
// taken from the actor so the response reflects increments made by requests
// racing this one.
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	limits := h.catalog.Limits(ws.Tier)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: UsageResponse{
		Tier:              ws.Tier,
		BillingCycleStart: ws.BillingCycleStart,
		DomainLookups:     UsageWindow{Used: ws.DomainLookupsUsed, Limit: limits.MaxLookupsPerMonth},
		ExportCredits:     UsageWindow{Used: ws.ExportCreditsUsed, Limit: limits.MaxExportCreditsPerMonth},
		APICalls:          UsageWindow{Used: ws.APICallsUsed, Limit: limits.MaxAPICallsPerMonth},
	}})
}
