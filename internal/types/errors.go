package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400/422)
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidDomain  ErrorCode = "validation_invalid_domain_name"
	ErrCodeValidationInvalidURL     ErrorCode = "validation_invalid_webhook_url"
	ErrCodeValidationAlertType      ErrorCode = "validation_unknown_alert_type"
	ErrCodeValidationInvalidCursor  ErrorCode = "validation_malformed_cursor"
	ErrCodeValidationBatchSize      ErrorCode = "validation_batch_size_exceeded"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Tier gating (403)
	ErrCodeFeatureGated     ErrorCode = "feature_gated"
	ErrCodeRowLimitExceeded ErrorCode = "row_limit_exceeded"
	ErrCodeAccessDenied     ErrorCode = "access_denied"

	// Quotas (429)
	ErrCodeQuotaLookups       ErrorCode = "quota_lookups_exceeded"
	ErrCodeQuotaExportCredits ErrorCode = "quota_export_credits_exhausted"
	ErrCodeQuotaAPICalls      ErrorCode = "quota_api_calls_exceeded"
	ErrCodeQuotaAlerts        ErrorCode = "quota_alert_limit_reached"

	// Not Found (404)
	ErrCodeNotFoundDomain    ErrorCode = "not_found_domain"
	ErrCodeNotFoundWorkspace ErrorCode = "not_found_workspace"
	ErrCodeNotFoundWebhook   ErrorCode = "not_found_webhook_endpoint"
	ErrCodeNotFoundAlert     ErrorCode = "not_found_alert"

	// Conflict (409)
	ErrCodeConflictDomainExists ErrorCode = "conflict_domain_exists"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe     ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamProvider   ErrorCode = "upstream_provider_unavailable"
	ErrCodeUpstreamRateLimit  ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "quota_"):
		return http.StatusTooManyRequests // 429
	case s == string(ErrCodeFeatureGated),
		s == string(ErrCodeRowLimitExceeded),
		s == string(ErrCodeAccessDenied):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the platform.
// All domain and handler errors are expressed as AppError to enable consistent
// error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
// Quota and feature errors carry enough detail (tier, limit, used) for a
// client to render an upgrade prompt.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Details: details}
}
