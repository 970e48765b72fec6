package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"cartograph/internal/types"
)

// WebhookRepository provides data access for customer webhook endpoints and
// the delivery log.
type WebhookRepository struct {
	db DBTX
}

// NewWebhookRepository creates a WebhookRepository backed by the given
// database connection (pool or transaction).
func NewWebhookRepository(db DBTX) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const webhookColumns = `e.webhook_id, e.workspace_id, e.url, e.secret,
	e.event_types, e.is_active, e.created_at`

func scanWebhook(row pgx.Row) (*types.WebhookEndpoint, error) {
	var e types.WebhookEndpoint
	var eventTypes types.EventTypeList
	err := row.Scan(
		&e.WebhookID,
		&e.WorkspaceID,
		&e.URL,
		&e.Secret,
		&eventTypes,
		&e.IsActive,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.EventTypes = eventTypes
	return &e, nil
}

// Create registers a new endpoint. The secret is generated by the caller and
// stored verbatim; HMAC signing needs the raw value on every delivery.
func (r *WebhookRepository) Create(ctx context.Context, e *types.WebhookEndpoint) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_endpoints (webhook_id, workspace_id, url, secret,
		 event_types, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		e.WebhookID, e.WorkspaceID, e.URL, e.Secret,
		types.EventTypeList(e.EventTypes), e.IsActive,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create webhook endpoint", err)
	}
	return nil
}

// GetByID retrieves one endpoint, scoped to a workspace so one tenant can
// never address another tenant's endpoint.
func (r *WebhookRepository) GetByID(ctx context.Context, workspaceID, webhookID string) (*types.WebhookEndpoint, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+webhookColumns+`
		 FROM webhook_endpoints e
		 WHERE e.webhook_id = $1 AND e.workspace_id = $2`,
		webhookID, workspaceID,
	)
	e, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhook, "webhook endpoint not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve webhook endpoint", err)
	}
	return e, nil
}

// Get retrieves one endpoint by ID alone. Used by the delivery worker, which
// acts on behalf of the system rather than a tenant.
func (r *WebhookRepository) Get(ctx context.Context, webhookID string) (*types.WebhookEndpoint, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_endpoints e WHERE e.webhook_id = $1`,
		webhookID,
	)
	e, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhook, "webhook endpoint not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve webhook endpoint", err)
	}
	return e, nil
}

// ListByWorkspace returns all endpoints a workspace has registered.
func (r *WebhookRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*types.WebhookEndpoint, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookColumns+`
		 FROM webhook_endpoints e
		 WHERE e.workspace_id = $1
		 ORDER BY e.created_at`,
		workspaceID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list webhook endpoints", err)
	}
	defer rows.Close()

	var out []*types.WebhookEndpoint
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook endpoint", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook endpoints", err)
	}
	return out, nil
}

// ListActive returns every active endpoint across all workspaces. Event
// subscription filtering happens in the dispatcher via SubscribesTo; tier
// eligibility is checked against the owning workspace at fan-out time.
func (r *WebhookRepository) ListActive(ctx context.Context) ([]*types.WebhookEndpoint, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookColumns+`
		 FROM webhook_endpoints e
		 WHERE e.is_active
		 ORDER BY e.created_at`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active endpoints", err)
	}
	defer rows.Close()

	var out []*types.WebhookEndpoint
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook endpoint", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read active endpoints", err)
	}
	return out, nil
}

// SetActive toggles an endpoint. Deactivation is how the delivery worker
// parks endpoints that dead-letter repeatedly.
func (r *WebhookRepository) SetActive(ctx context.Context, webhookID string, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_endpoints SET is_active = $1 WHERE webhook_id = $2`,
		active, webhookID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update webhook endpoint", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWebhook, "webhook endpoint not found", nil)
	}
	return nil
}

// Delete removes an endpoint, scoped to its workspace.
func (r *WebhookRepository) Delete(ctx context.Context, workspaceID, webhookID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_endpoints WHERE webhook_id = $1 AND workspace_id = $2`,
		webhookID, workspaceID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete webhook endpoint", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWebhook, "webhook endpoint not found", nil)
	}
	return nil
}

// RecordDelivery appends one delivery attempt to the log. The delivery ID is
// unique per logical event+endpoint; ON CONFLICT updates the latest status so
// retries overwrite rather than duplicate.
func (r *WebhookRepository) RecordDelivery(
	ctx context.Context,
	deliveryID, webhookID string,
	event types.EventType,
	status types.DeliveryStatus,
	attempt int,
	httpStatus int,
	deliveredAt time.Time,
) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_deliveries
		 (delivery_id, webhook_id, event_type, status, attempt, http_status, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (delivery_id)
		 DO UPDATE SET status = EXCLUDED.status,
		               attempt = EXCLUDED.attempt,
		               http_status = EXCLUDED.http_status,
		               delivered_at = EXCLUDED.delivered_at`,
		deliveryID, webhookID, event, status, attempt, nilIfZeroInt(httpStatus), deliveredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery", err)
	}
	return nil
}

// CountRecentDeadLetters returns how many deliveries for an endpoint were
// dead-lettered since the given time. Feeds the auto-deactivation policy.
func (r *WebhookRepository) CountRecentDeadLetters(ctx context.Context, webhookID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries
		 WHERE webhook_id = $1 AND status = $2 AND delivered_at >= $3`,
		webhookID, types.DeliveryDead, since,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count dead letters", err)
	}
	return n, nil
}

func nilIfZeroInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
