package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cartograph/internal/billing"
	"cartograph/internal/config"
	"cartograph/internal/core"
	"cartograph/internal/external"
	"cartograph/internal/types"
)

// maxStripePayloadBytes bounds the webhook body read. Stripe events are a
// few KB; anything near this size is not a legitimate event.
const maxStripePayloadBytes = 64 * 1024

// EventProcessor applies one verified Stripe event to workspace state.
type EventProcessor interface {
	HandleEvent(ctx context.Context, event *billing.Event) (string, error)
}

// stripeEnvelope is the outer shape of a Stripe webhook payload.
type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// StripeWebhookHandler ingests Stripe billing events. It sits on a public
// route; the signature check is the only authentication.
type StripeWebhookHandler struct {
	lifecycle EventProcessor
	verifier  external.WebhookVerifier
	secret    config.SecretString
	logger    *slog.Logger
}

// NewStripeWebhookHandler wires a StripeWebhookHandler.
func NewStripeWebhookHandler(lifecycle EventProcessor, verifier external.WebhookVerifier, secret config.SecretString, l *slog.Logger) *StripeWebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &StripeWebhookHandler{lifecycle: lifecycle, verifier: verifier, secret: secret, logger: l}
}

// RegisterRoutes mounts the webhook ingest route on the provided router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/webhook", h.Receive)
}

// Receive handles POST /v1/billing/webhook.
//
// A bad signature gets a 401 so misconfiguration is visible in the Stripe
// dashboard. Processing failures on a valid event are acknowledged with 200
// and logged: the lifecycle absorbs replays, so Stripe retrying an event
// that will never apply (e.g. an unknown workspace) would be pure noise.
func (h *StripeWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxStripePayloadBytes+1))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read payload", err))
		return
	}
	if len(payload) > maxStripePayloadBytes {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationBatchSize, "payload too large", nil))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if err := h.verifier.Verify(payload, sig, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "stripe webhook signature rejected",
			slog.String("error", err.Error()),
		)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid webhook signature", err))
		return
	}

	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed event payload", err))
		return
	}
	event := &billing.Event{
		ID:      env.ID,
		Type:    env.Type,
		Created: time.Unix(env.Created, 0).UTC(),
		Object:  env.Data.Object,
	}

	action, err := h.lifecycle.HandleEvent(r.Context(), event)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stripe event processing failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
	} else {
		h.logger.InfoContext(r.Context(), "stripe event processed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("action", action),
		)
	}

	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}
