package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"cartograph/internal/auth"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// authPublicPaths lists URL paths exempt from bearer-token authentication:
// the health check, the public plan catalogue, and the Stripe webhook
// receiver (authenticated by signature, not by API token).
var authPublicPaths = map[string]bool{
	"/health":             true,
	"/v1/billing/plans":   true,
	"/v1/billing/webhook": true,
}

// AuthMiddleware authenticates requests with a workspace API token and
// meters the call against the workspace's monthly API quota.
//
//  1. Extracts the Bearer token from the Authorization header.
//  2. Locates the workspace by the token's lookup prefix, then verifies the
//     full token against the stored bcrypt hash.
//  3. Requires the tier's API feature flag and checks the monthly call cap
//     before doing any work.
//  4. Increments the api_calls_used counter and sets X-RateLimit-Limit /
//     X-RateLimit-Remaining response headers from the new count.
//  5. Injects the resolved Actor into the request context.
//
// Every authenticated request is metered, including ones that later 404.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		prefix := auth.TokenPrefix(token)
		if prefix == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid API token")
			return
		}

		ws, err := s.Workspaces.GetByAPITokenPrefix(r.Context(), prefix)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}

		if err := auth.VerifyToken(token, ws.APITokenHash); err != nil {
			s.Logger.Warn("authentication failed: token hash mismatch",
				slog.String("workspace_id", ws.WorkspaceID),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid API token")
			return
		}

		tier := s.Catalog.Canonical(ws.Tier)
		gate := tiering.NewGate(s.Catalog, tier)

		if err := gate.RequireFeature(types.FeatureAPI); err != nil {
			Error(w, r, err)
			return
		}
		if err := gate.CheckAPIQuota(ws.APICallsUsed); err != nil {
			Error(w, r, err)
			return
		}

		used, err := s.Workspaces.IncrementAPICalls(r.Context(), ws.WorkspaceID)
		if err != nil {
			// Fail open on metering errors: a counter outage must not take
			// the API down. The check above still enforced the cap.
			s.Logger.Error("api call metering failed",
				slog.String("workspace_id", ws.WorkspaceID),
				slog.String("error", err.Error()),
			)
			used = ws.APICallsUsed + 1
		}
		setQuotaHeaders(w, gate.Limits().MaxAPICallsPerMonth, used)

		actor := types.Actor{
			ID:          ws.APITokenPrefix,
			Type:        types.ActorTypeAPIToken,
			WorkspaceID: ws.WorkspaceID,
			Tier:        tier,
		}
		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), actor)))
	})
}

// extractBearerToken parses the Authorization header value and returns the
// token. The "Bearer " scheme prefix is matched case-insensitively per
// RFC 7235. Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// setQuotaHeaders writes the monthly API quota headers. A nil limit means
// the tier is unmetered; no headers are sent.
func setQuotaHeaders(w http.ResponseWriter, limit *int, used int) {
	if limit == nil {
		return
	}
	remaining := *limit - used
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(*limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}

// handleAuthError inspects a workspace lookup error and writes the
// appropriate response. Unknown prefixes surface as a generic invalid-token
// 401; anything else is logged and treated the same way so the response
// never reveals whether a prefix exists.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeAuthTokenInvalid {
		s.Logger.Warn("authentication failed: unknown token prefix",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	} else {
		s.Logger.Error("authentication failed: workspace lookup error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid API token")
}

// writeAuthError writes a 401 Unauthorized JSON response with the given code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
