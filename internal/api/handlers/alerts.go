package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cartograph/internal/core"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// AlertStore is the alert repository surface the handler needs.
type AlertStore interface {
	Create(ctx context.Context, a *types.Alert) error
	GetByID(ctx context.Context, workspaceID, alertID string) (*types.Alert, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*types.Alert, error)
	CountByWorkspace(ctx context.Context, workspaceID string) (int, error)
	Update(ctx context.Context, a *types.Alert) error
	Delete(ctx context.Context, workspaceID, alertID string) error
}

// --- Request Models ---

// CreateAlertRequest is the request body for POST /v1/alerts.
type CreateAlertRequest struct {
	Name           string        `json:"name" validate:"required,max=120"`
	Type           string        `json:"alert_type" validate:"required"`
	FilterCriteria types.JSONMap `json:"filter_criteria,omitempty"`
	Threshold      types.JSONMap `json:"threshold,omitempty"`
	Delivery       types.JSONMap `json:"delivery,omitempty"`
}

// UpdateAlertRequest is the request body for PATCH /v1/alerts/{id}.
// Nil pointers mean "leave unchanged".
type UpdateAlertRequest struct {
	Name           *string        `json:"name,omitempty" validate:"omitempty,max=120"`
	FilterCriteria *types.JSONMap `json:"filter_criteria,omitempty"`
	Threshold      *types.JSONMap `json:"threshold,omitempty"`
	Delivery       *types.JSONMap `json:"delivery,omitempty"`
	IsActive       *bool          `json:"is_active,omitempty"`
}

// --- Handler ---

// AlertsHandler serves alert rule CRUD.
type AlertsHandler struct {
	alerts    AlertStore
	catalog   *tiering.Catalog
	validator *core.Validator
	logger    *slog.Logger
}

// NewAlertsHandler wires an AlertsHandler.
func NewAlertsHandler(alerts AlertStore, catalog *tiering.Catalog, v *core.Validator, l *slog.Logger) *AlertsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AlertsHandler{alerts: alerts, catalog: catalog, validator: v, logger: l}
}

// RegisterRoutes mounts alert routes on the provided router.
func (h *AlertsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/alerts", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{alertID}", h.Get)
		r.Patch("/{alertID}", h.Update)
		r.Delete("/{alertID}", h.Delete)
	})
}

// Create handles POST /v1/alerts. The per-tier alert cap counts every
// configured rule, paused ones included, so pausing does not free a slot.
func (h *AlertsHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req CreateAlertRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	alertType, ok := parseAlertType(req.Type)
	if !ok {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationAlertType,
			"unknown alert type",
			nil,
			map[string]any{"field": "alert_type", "value": req.Type},
		))
		return
	}

	count, err := h.alerts.CountByWorkspace(r.Context(), actor.WorkspaceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	gate := tiering.NewGate(h.catalog, actor.Tier)
	if err := gate.CheckAlertLimit(count); err != nil {
		core.Error(w, r, err)
		return
	}

	a := &types.Alert{
		AlertID:        "alrt_" + uuid.NewString(),
		WorkspaceID:    actor.WorkspaceID,
		Name:           req.Name,
		Type:           alertType,
		FilterCriteria: req.FilterCriteria,
		Threshold:      req.Threshold,
		Delivery:       req.Delivery,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.alerts.Create(r.Context(), a); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "alert created",
		slog.String("workspace_id", actor.WorkspaceID),
		slog.String("alert_id", a.AlertID),
		slog.String("alert_type", string(a.Type)),
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: a})
}

// List handles GET /v1/alerts.
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	alerts, err := h.alerts.ListByWorkspace(r.Context(), actor.WorkspaceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*types.Alert{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: alerts})
}

// Get handles GET /v1/alerts/{alertID}. Lookups are scoped to the acting
// workspace, so a foreign ID reads as not found.
func (h *AlertsHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	a, err := h.alerts.GetByID(r.Context(), actor.WorkspaceID, chi.URLParam(r, "alertID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: a})
}

// Update handles PATCH /v1/alerts/{alertID}. The alert type is immutable;
// changing detection semantics means creating a new rule.
func (h *AlertsHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req UpdateAlertRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	a, err := h.alerts.GetByID(r.Context(), actor.WorkspaceID, chi.URLParam(r, "alertID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.FilterCriteria != nil {
		a.FilterCriteria = *req.FilterCriteria
	}
	if req.Threshold != nil {
		a.Threshold = *req.Threshold
	}
	if req.Delivery != nil {
		a.Delivery = *req.Delivery
	}
	if req.IsActive != nil {
		// The tier cap counts configured rules regardless of activation, so
		// toggling a rule never needs a limit check.
		a.IsActive = *req.IsActive
	}

	if err := h.alerts.Update(r.Context(), a); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: a})
}

// Delete handles DELETE /v1/alerts/{alertID}.
func (h *AlertsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	if err := h.alerts.Delete(r.Context(), actor.WorkspaceID, chi.URLParam(r, "alertID")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseAlertType(s string) (types.AlertType, bool) {
	for _, t := range types.AllAlertTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}
