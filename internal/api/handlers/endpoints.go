package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cartograph/internal/core"
	"cartograph/internal/security"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// webhookSecretBytes sizes the per-endpoint signing secret.
const webhookSecretBytes = 32

// EndpointStore is the webhook-endpoint repository surface the handler needs.
type EndpointStore interface {
	Create(ctx context.Context, e *types.WebhookEndpoint) error
	GetByID(ctx context.Context, workspaceID, webhookID string) (*types.WebhookEndpoint, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*types.WebhookEndpoint, error)
	SetActive(ctx context.Context, webhookID string, active bool) error
	Delete(ctx context.Context, workspaceID, webhookID string) error
}

// --- Request/Response Models ---

// CreateEndpointRequest is the request body for POST /v1/webhooks.
type CreateEndpointRequest struct {
	URL        string   `json:"url" validate:"required,url,max=2048"`
	EventTypes []string `json:"event_types,omitempty" validate:"max=8,dive,max=40"`
}

// CreateEndpointResponse returns the endpoint with its signing secret.
// The secret never appears in any later response.
type CreateEndpointResponse struct {
	*types.WebhookEndpoint
	Secret string `json:"secret"`
}

// UpdateEndpointRequest is the request body for PATCH /v1/webhooks/{id}.
type UpdateEndpointRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// --- Handler ---

// EndpointsHandler serves webhook endpoint CRUD and test deliveries.
type EndpointsHandler struct {
	endpoints EndpointStore
	jobs      JobPublisher
	catalog   *tiering.Catalog
	validator *core.Validator
	logger    *slog.Logger
}

// NewEndpointsHandler wires an EndpointsHandler.
func NewEndpointsHandler(endpoints EndpointStore, jobs JobPublisher, catalog *tiering.Catalog, v *core.Validator, l *slog.Logger) *EndpointsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EndpointsHandler{
		endpoints: endpoints,
		jobs:      jobs,
		catalog:   catalog,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts webhook endpoint routes on the provided router.
func (h *EndpointsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{webhookID}", h.Get)
		r.Patch("/{webhookID}", h.Update)
		r.Delete("/{webhookID}", h.Delete)
		r.Post("/{webhookID}/test", h.Test)
	})
}

// Create handles POST /v1/webhooks.
//
// The target URL must be public HTTPS: private, loopback, and link-local
// ranges are rejected at registration time, and again at delivery time by
// the dispatcher's transport. The signing secret is generated here and
// returned in this response only.
func (h *EndpointsHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}
	gate := tiering.NewGate(h.catalog, actor.Tier)
	if err := gate.RequireFeature(types.FeatureWebhooks); err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateEndpointRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := security.ValidateWebhookURL(r.Context(), req.URL); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidURL, err.Error(), err))
		return
	}
	events, err := parseEventTypes(req.EventTypes)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	secret, err := mintWebhookSecret()
	if err != nil {
		core.Error(w, r, err)
		return
	}

	ep := &types.WebhookEndpoint{
		WebhookID:   "wh_" + uuid.NewString(),
		WorkspaceID: actor.WorkspaceID,
		URL:         req.URL,
		Secret:      secret,
		EventTypes:  events,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.endpoints.Create(r.Context(), ep); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "webhook endpoint created",
		slog.String("workspace_id", actor.WorkspaceID),
		slog.String("webhook_id", ep.WebhookID),
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: CreateEndpointResponse{WebhookEndpoint: ep, Secret: secret},
	})
}

// List handles GET /v1/webhooks.
func (h *EndpointsHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	endpoints, err := h.endpoints.ListByWorkspace(r.Context(), actor.WorkspaceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if endpoints == nil {
		endpoints = []*types.WebhookEndpoint{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: endpoints})
}

// Get handles GET /v1/webhooks/{webhookID}.
func (h *EndpointsHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	ep, err := h.endpoints.GetByID(r.Context(), actor.WorkspaceID, chi.URLParam(r, "webhookID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ep})
}

// Update handles PATCH /v1/webhooks/{webhookID}. Only the active flag is
// mutable; a new URL means a new endpoint with a new secret.
func (h *EndpointsHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req UpdateEndpointRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	ep, err := h.endpoints.GetByID(r.Context(), actor.WorkspaceID, chi.URLParam(r, "webhookID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.endpoints.SetActive(r.Context(), ep.WebhookID, *req.IsActive); err != nil {
		core.Error(w, r, err)
		return
	}
	ep.IsActive = *req.IsActive
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ep})
}

// Delete handles DELETE /v1/webhooks/{webhookID}.
func (h *EndpointsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	if err := h.endpoints.Delete(r.Context(), actor.WorkspaceID, chi.URLParam(r, "webhookID")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Test handles POST /v1/webhooks/{webhookID}/test: enqueues one
// webhook.test delivery through the normal pipeline so the caller can
// verify their receiver end to end, signature included.
func (h *EndpointsHandler) Test(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	ep, err := h.endpoints.GetByID(r.Context(), actor.WorkspaceID, chi.URLParam(r, "webhookID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	job := types.WebhookJob{
		WebhookID: ep.WebhookID,
		Event:     types.EventWebhookTest,
		Payload: types.JSONMap{
			"webhook_id":   ep.WebhookID,
			"workspace_id": actor.WorkspaceID,
			"message":      "test delivery",
		},
		EnqueuedAt: time.Now().UTC(),
	}
	if err := h.jobs.Publish(r.Context(), job, 0); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: map[string]any{
		"webhook_id": ep.WebhookID,
		"event":      types.EventWebhookTest,
		"status":     "enqueued",
	}})
}

// parseEventTypes validates the subscription list against the known event
// set. An empty list subscribes to everything.
func parseEventTypes(raw []string) ([]types.EventType, error) {
	known := []types.EventType{
		types.EventDomainCreated,
		types.EventDomainUpdated,
		types.EventAlertFired,
		types.EventWebhookTest,
	}
	out := make([]types.EventType, 0, len(raw))
	for _, s := range raw {
		matched := false
		for _, k := range known {
			if string(k) == s {
				out = append(out, k)
				matched = true
				break
			}
		}
		if !matched {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidJSON,
				"unknown event type",
				nil,
				map[string]any{"field": "event_types", "value": s},
			)
		}
	}
	return out, nil
}

func mintWebhookSecret() (string, error) {
	b := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate webhook secret", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
