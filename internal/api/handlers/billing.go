package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cartograph/internal/billing"
	"cartograph/internal/config"
	"cartograph/internal/core"
	"cartograph/internal/external"
	"cartograph/internal/types"
)

// BillingWorkspaceStore loads workspaces for checkout and portal sessions.
type BillingWorkspaceStore interface {
	GetByID(ctx context.Context, id string) (*types.Workspace, error)
}

// --- Request/Response Models ---

// CheckoutRequest is the request body for POST /v1/billing/checkout.
type CheckoutRequest struct {
	PriceID        string `json:"price_id" validate:"required,max=255"`
	FoundingMember bool   `json:"founding_member"`
}

// CheckoutResponse carries the hosted checkout URL back to the client.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// PortalResponse carries the hosted billing portal URL.
type PortalResponse struct {
	PortalURL string `json:"portal_url"`
}

// --- Handler ---

// BillingHandler serves the plan catalogue and the hosted checkout/portal
// session endpoints. Subscription state changes never happen here; they
// arrive exclusively through the Stripe webhook.
type BillingHandler struct {
	workspaces BillingWorkspaceStore
	gateway    external.BillingGateway
	cfg        config.ServerConfig
	billingCfg config.BillingConfig
	validator  *core.Validator
	logger     *slog.Logger
}

// NewBillingHandler wires a BillingHandler.
func NewBillingHandler(
	workspaces BillingWorkspaceStore,
	gateway external.BillingGateway,
	serverCfg config.ServerConfig,
	billingCfg config.BillingConfig,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		workspaces: workspaces,
		gateway:    gateway,
		cfg:        serverCfg,
		billingCfg: billingCfg,
		validator:  v,
		logger:     l,
	}
}

// RegisterRoutes mounts billing routes on the provided router. The plan
// catalogue is public; checkout and portal require authentication.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/plans", h.Plans)
		r.Post("/checkout", h.Checkout)
		r.Post("/portal", h.Portal)
	})
}

// Plans handles GET /v1/billing/plans.
func (h *BillingHandler) Plans(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: billing.Catalogue(h.billingCfg)})
}

// Checkout handles POST /v1/billing/checkout.
//
// The price ID must map to a known paid tier. The founding seat is not
// claimed here: claiming happens when the completed-session webhook lands,
// so an abandoned checkout never consumes a seat.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if _, known := h.billingCfg.PriceToTier()[req.PriceID]; !known {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidJSON,
			"unknown price",
			nil,
			map[string]any{"field": "price_id"},
		))
		return
	}
	if req.FoundingMember && req.PriceID != h.billingCfg.PriceProFounding {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"founding_member requires the founding annual price",
			nil,
		))
		return
	}

	url, sessionID, err := h.gateway.CreateCheckoutSession(r.Context(), external.CheckoutParams{
		WorkspaceID:    actor.WorkspaceID,
		PriceID:        req.PriceID,
		FoundingMember: req.FoundingMember,
		SuccessURL:     h.cfg.AppBaseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      h.cfg.AppBaseURL + "/billing/cancelled",
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		slog.String("workspace_id", actor.WorkspaceID),
		slog.String("session_id", sessionID),
		slog.Bool("founding_member", req.FoundingMember),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: CheckoutResponse{CheckoutURL: url, SessionID: sessionID},
	})
}

// Portal handles POST /v1/billing/portal. Requires an existing Stripe
// customer, i.e. at least one completed checkout.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
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
	if ws.StripeCustomerID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAccessDenied,
			"workspace has no billing account yet",
			nil,
		))
		return
	}

	url, err := h.gateway.CreatePortalSession(r.Context(), ws.StripeCustomerID, h.cfg.AppBaseURL+"/settings/billing")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PortalResponse{PortalURL: url}})
}
