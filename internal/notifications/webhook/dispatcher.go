package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cartograph/internal/config"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// Auto-deactivation policy: an endpoint that dead-letters this many
// deliveries inside the window is switched off until the customer
// re-enables it.
const (
	autoDisableDeadLetters = 10
	autoDisableWindow      = 24 * time.Hour
)

// maxResponseBodyRead limits how much of an endpoint's response body is read
// for failure reasons.
const maxResponseBodyRead = 4096

// EndpointStore is the persistence surface the dispatcher needs. Satisfied
// by db.WebhookRepository.
type EndpointStore interface {
	Get(ctx context.Context, webhookID string) (*types.WebhookEndpoint, error)
	SetActive(ctx context.Context, webhookID string, active bool) error
	RecordDelivery(ctx context.Context, deliveryID, webhookID string, event types.EventType, status types.DeliveryStatus, attempt int, httpStatus int, deliveredAt time.Time) error
	CountRecentDeadLetters(ctx context.Context, webhookID string, since time.Time) (int, error)
}

// WorkspaceLookup resolves the owning workspace for tier checks. Satisfied
// by db.WorkspaceRepository.
type WorkspaceLookup interface {
	GetByID(ctx context.Context, workspaceID string) (*types.Workspace, error)
}

// Dispatcher delivers one webhook job: resolve the endpoint, check that it is
// active, subscribed and tier-entitled, sign the payload, POST it, and decide
// between delivered, retry and dead-letter. Failures never propagate back to
// whatever emitted the event; the worker interprets the Result.
type Dispatcher struct {
	endpoints  EndpointStore
	workspaces WorkspaceLookup
	catalog    *tiering.Catalog
	httpClient *http.Client
	cfg        config.WebhookConfig
	policy     RetryPolicy
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher wires a Dispatcher. The httpClient must be SSRF-safe
// (security.NewSafeHTTPClient); endpoint URLs are customer-supplied.
func NewDispatcher(
	endpoints EndpointStore,
	workspaces WorkspaceLookup,
	catalog *tiering.Catalog,
	httpClient *http.Client,
	cfg config.WebhookConfig,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	policy := DefaultRetryPolicy
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}

	return &Dispatcher{
		endpoints:  endpoints,
		workspaces: workspaces,
		catalog:    catalog,
		httpClient: httpClient,
		cfg:        cfg,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// SetNow overrides the clock for testing.
func (d *Dispatcher) SetNow(fn func() time.Time) { d.now = fn }

// Dispatch processes one delivery job. The returned error is reserved for
// infrastructure faults (DB unavailable); delivery failures are expressed in
// the Result so the worker can requeue or ack.
func (d *Dispatcher) Dispatch(ctx context.Context, job types.WebhookJob) (Result, error) {
	deliveryID := deliveryIDFor(job)

	ep, err := d.endpoints.Get(ctx, job.WebhookID)
	if err != nil {
		if isNotFound(err) {
			// Endpoint deleted after the job was enqueued. Ack and move on.
			d.logger.InfoContext(ctx, "webhook endpoint gone, skipping delivery",
				"webhook_id", job.WebhookID, "event", job.Event)
			return Result{Status: types.DeliverySkipped, DeliveryID: deliveryID, Reason: "endpoint_deleted"}, nil
		}
		return Result{}, err
	}

	if !ep.IsActive {
		return d.skip(ctx, job, deliveryID, "endpoint_inactive")
	}

	if !ep.SubscribesTo(job.Event) {
		// No HTTP call for unsubscribed events, just an audit row.
		return d.skip(ctx, job, deliveryID, "not_subscribed")
	}

	ws, err := d.workspaces.GetByID(ctx, ep.WorkspaceID)
	if err != nil {
		if isNotFound(err) {
			return d.skip(ctx, job, deliveryID, "workspace_gone")
		}
		return Result{}, err
	}
	if !d.catalog.Limits(ws.Tier).Feature(types.FeatureWebhooks) {
		// Downgraded below the webhook tier since registration.
		return d.skip(ctx, job, deliveryID, "tier_gated")
	}

	body, err := json.Marshal(deliveryBody{
		Event:      job.Event,
		DeliveryID: deliveryID,
		Data:       job.Payload,
	})
	if err != nil {
		return Result{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode webhook body", err)
	}

	status, httpStatus, reason := d.post(ctx, ep, job.Event, deliveryID, body)

	switch status {
	case types.DeliveryDelivered:
		if err := d.endpoints.RecordDelivery(ctx, deliveryID, ep.WebhookID, job.Event, status, job.Attempt+1, httpStatus, d.now()); err != nil {
			return Result{}, err
		}
		return Result{Status: status, DeliveryID: deliveryID, HTTPStatus: httpStatus}, nil

	default:
		return d.handleFailure(ctx, ep, job, deliveryID, httpStatus, reason)
	}
}

// post executes the signed HTTP POST and classifies the immediate outcome.
func (d *Dispatcher) post(ctx context.Context, ep *types.WebhookEndpoint, event types.EventType, deliveryID string, body []byte) (types.DeliveryStatus, int, string) {
	reqCtx := ctx
	if d.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return types.DeliveryRetrying, 0, fmt.Sprintf("bad_request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderEvent, string(event))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderSignature, Sign(body, ep.Secret))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// Timeouts, DNS failures and SSRF blocks all land here. All are
		// treated as retryable; a blocked URL will dead-letter after the
		// retry budget and trip auto-deactivation.
		return types.DeliveryRetrying, 0, fmt.Sprintf("transport: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyRead))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return types.DeliveryDelivered, resp.StatusCode, ""
	}
	return types.DeliveryRetrying, resp.StatusCode, fmt.Sprintf("http_%d", resp.StatusCode)
}

// handleFailure decides between requeue and dead-letter, records the attempt,
// and applies the auto-deactivation policy on dead-letter.
func (d *Dispatcher) handleFailure(ctx context.Context, ep *types.WebhookEndpoint, job types.WebhookJob, deliveryID string, httpStatus int, reason string) (Result, error) {
	attempt := job.Attempt + 1

	if attempt < d.policy.MaxAttempts {
		if err := d.endpoints.RecordDelivery(ctx, deliveryID, ep.WebhookID, job.Event, types.DeliveryRetrying, attempt, httpStatus, d.now()); err != nil {
			return Result{}, err
		}
		delay := CalculateNextRetry(d.policy, job.Attempt)
		d.logger.WarnContext(ctx, "webhook delivery failed, will retry",
			"webhook_id", ep.WebhookID, "delivery_id", deliveryID,
			"attempt", attempt, "retry_in", delay, "reason", reason)
		return Result{Status: types.DeliveryRetrying, DeliveryID: deliveryID, HTTPStatus: httpStatus, RetryIn: delay, Reason: reason}, nil
	}

	if err := d.endpoints.RecordDelivery(ctx, deliveryID, ep.WebhookID, job.Event, types.DeliveryDead, attempt, httpStatus, d.now()); err != nil {
		return Result{}, err
	}
	d.logger.ErrorContext(ctx, "webhook delivery dead-lettered",
		"webhook_id", ep.WebhookID, "delivery_id", deliveryID,
		"attempts", attempt, "reason", reason)

	d.maybeDeactivate(ctx, ep)

	return Result{Status: types.DeliveryDead, DeliveryID: deliveryID, HTTPStatus: httpStatus, Reason: reason}, nil
}

// maybeDeactivate switches off an endpoint that keeps dead-lettering.
// Best-effort: a counting failure must not turn a dead-letter into an error.
func (d *Dispatcher) maybeDeactivate(ctx context.Context, ep *types.WebhookEndpoint) {
	since := d.now().Add(-autoDisableWindow)
	n, err := d.endpoints.CountRecentDeadLetters(ctx, ep.WebhookID, since)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to count dead letters", "webhook_id", ep.WebhookID, "error", err)
		return
	}
	if n < autoDisableDeadLetters {
		return
	}

	if err := d.endpoints.SetActive(ctx, ep.WebhookID, false); err != nil {
		d.logger.WarnContext(ctx, "failed to deactivate endpoint", "webhook_id", ep.WebhookID, "error", err)
		return
	}
	d.logger.WarnContext(ctx, "webhook endpoint auto-deactivated",
		"webhook_id", ep.WebhookID, "dead_letters", n, "window", autoDisableWindow)
}

// skip records an audit row without making an HTTP call.
func (d *Dispatcher) skip(ctx context.Context, job types.WebhookJob, deliveryID, reason string) (Result, error) {
	if err := d.endpoints.RecordDelivery(ctx, deliveryID, job.WebhookID, job.Event, types.DeliverySkipped, job.Attempt+1, 0, d.now()); err != nil {
		return Result{}, err
	}
	d.logger.InfoContext(ctx, "webhook delivery skipped",
		"webhook_id", job.WebhookID, "event", job.Event, "reason", reason)
	return Result{Status: types.DeliverySkipped, DeliveryID: deliveryID, Reason: reason}, nil
}

// deliveryIDFor derives a stable delivery identifier from the job so retries
// of the same logical event reuse the same ID and overwrite their audit row.
func deliveryIDFor(job types.WebhookJob) string {
	seed := fmt.Sprintf("%s|%s|%s", job.WebhookID, job.Event, job.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	return "whd_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func isNotFound(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == types.ErrCodeNotFoundWebhook || appErr.Code == types.ErrCodeNotFoundWorkspace
	}
	return false
}
