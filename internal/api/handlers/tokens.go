package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cartograph/internal/auth"
	"cartograph/internal/core"
	"cartograph/internal/types"
)

// TokenStore persists a freshly minted token's storage artifacts.
type TokenStore interface {
	SetAPIToken(ctx context.Context, workspaceID, hash, prefix string) error
}

// RotateTokenResponse returns the plaintext token exactly once. Only the
// hash and the lookup prefix survive the request.
type RotateTokenResponse struct {
	Token  string `json:"token"`
	Prefix string `json:"prefix"`
}

// TokensHandler rotates workspace API tokens.
type TokensHandler struct {
	store  TokenStore
	logger *slog.Logger
}

// NewTokensHandler wires a TokensHandler.
func NewTokensHandler(store TokenStore, l *slog.Logger) *TokensHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TokensHandler{store: store, logger: l}
}

// RegisterRoutes mounts the token route on the provided router.
func (h *TokensHandler) RegisterRoutes(r chi.Router) {
	r.Post("/workspace/token", h.Rotate)
}

// Rotate handles POST /v1/workspace/token. The previous token stops working
// the moment the new hash lands; there is no grace period.
func (h *TokensHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	minted, err := auth.MintToken()
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.store.SetAPIToken(r.Context(), actor.WorkspaceID, minted.Hash, minted.Prefix); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "api token rotated",
		slog.String("workspace_id", actor.WorkspaceID),
		slog.String("prefix", minted.Prefix),
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: RotateTokenResponse{Token: minted.Plaintext, Prefix: minted.Prefix},
	})
}
