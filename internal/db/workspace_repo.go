package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"cartograph/internal/types"
)

// WorkspaceRepository provides data access for the workspaces table: tier,
// Stripe billing state, and the monthly usage counters.
//
// Key invariants:
//   - Usage increments are single atomic UPDATE ... RETURNING statements so
//     concurrent requests never lose counts.
//   - Billing-state writes use optimistic locking on last_billing_event_at to
//     make out-of-order Stripe webhook replays an idempotent no-op.
type WorkspaceRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewWorkspaceRepository creates a WorkspaceRepository backed by the given
// database connection (pool or transaction).
func NewWorkspaceRepository(db DBTX, logger *slog.Logger) *WorkspaceRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceRepository{db: db, logger: logger}
}

// workspaceColumns is the standard column set for workspace queries. Used
// consistently across all query methods to avoid column drift.
const workspaceColumns = `w.workspace_id, w.name, w.owner_id, w.tier,
	w.api_token_hash, w.api_token_prefix,
	w.domain_lookups_used, w.export_credits_used, w.api_calls_used,
	w.billing_cycle_start,
	w.stripe_customer_id, w.stripe_subscription_id, w.stripe_subscription_status,
	w.stripe_price_id, w.founding_member, w.last_billing_event_at,
	w.created_at, w.updated_at`

func scanWorkspace(row pgx.Row) (*types.Workspace, error) {
	var ws types.Workspace
	var tokenHash, tokenPrefix, custID, subID, status, priceID *string

	err := row.Scan(
		&ws.WorkspaceID,
		&ws.Name,
		&ws.OwnerID,
		&ws.Tier,
		&tokenHash,
		&tokenPrefix,
		&ws.DomainLookupsUsed,
		&ws.ExportCreditsUsed,
		&ws.APICallsUsed,
		&ws.BillingCycleStart,
		&custID,
		&subID,
		&status,
		&priceID,
		&ws.FoundingMember,
		&ws.LastBillingEventAt,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tokenHash != nil {
		ws.APITokenHash = *tokenHash
	}
	if tokenPrefix != nil {
		ws.APITokenPrefix = *tokenPrefix
	}
	if custID != nil {
		ws.StripeCustomerID = *custID
	}
	if subID != nil {
		ws.StripeSubscriptionID = *subID
	}
	if status != nil {
		ws.SubscriptionStatus = types.SubscriptionStatus(*status)
	}
	if priceID != nil {
		ws.StripePriceID = *priceID
	}
	return &ws, nil
}

// Create inserts a new workspace on the free tier with zeroed usage counters.
// The caller sets the ID (prefixed UUID, e.g. "ws_...") before calling.
func (r *WorkspaceRepository) Create(ctx context.Context, ws *types.Workspace) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO workspaces (workspace_id, name, owner_id, tier,
		 billing_cycle_start, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), NOW(), NOW())`,
		ws.WorkspaceID,
		ws.Name,
		ws.OwnerID,
		ws.Tier,
		nilIfZeroTime(ws.BillingCycleStart),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create workspace", err)
	}
	return nil
}

// GetByID retrieves a workspace by its ID.
func (r *WorkspaceRepository) GetByID(ctx context.Context, id string) (*types.Workspace, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces w WHERE w.workspace_id = $1`,
		id,
	)
	ws, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWorkspace, "workspace not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve workspace", err)
	}
	return ws, nil
}

// GetByStripeCustomerID resolves the workspace a Stripe customer belongs to.
// Used by the billing lifecycle for invoice events.
func (r *WorkspaceRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Workspace, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces w WHERE w.stripe_customer_id = $1`,
		customerID,
	)
	ws, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWorkspace, "no workspace for stripe customer", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve workspace", err)
	}
	return ws, nil
}

// GetByStripeSubscriptionID resolves the workspace for a subscription event.
func (r *WorkspaceRepository) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*types.Workspace, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces w WHERE w.stripe_subscription_id = $1`,
		subscriptionID,
	)
	ws, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWorkspace, "no workspace for stripe subscription", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve workspace", err)
	}
	return ws, nil
}

// GetByAPITokenPrefix retrieves a workspace by its API token prefix. The
// caller verifies the full token against the stored bcrypt hash; the prefix
// only narrows the lookup.
func (r *WorkspaceRepository) GetByAPITokenPrefix(ctx context.Context, prefix string) (*types.Workspace, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces w WHERE w.api_token_prefix = $1`,
		prefix,
	)
	ws, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown API token", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve workspace", err)
	}
	return ws, nil
}

// SetAPIToken stores a freshly minted token's hash and display prefix,
// replacing any previous token.
func (r *WorkspaceRepository) SetAPIToken(ctx context.Context, workspaceID, hash, prefix string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET api_token_hash = $1, api_token_prefix = $2, updated_at = NOW()
		 WHERE workspace_id = $3`,
		hash, prefix, workspaceID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store API token", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWorkspace, "workspace not found", nil)
	}
	return nil
}

// IncrementLookups atomically bumps the monthly lookup counter and returns
// the new value. Metered tiers go through TryConsumeLookup instead.
func (r *WorkspaceRepository) IncrementLookups(ctx context.Context, workspaceID string) (int, error) {
	return r.incrementCounter(ctx, workspaceID, "domain_lookups_used", 1)
}

// TryConsumeLookup consumes one domain lookup only while the counter is
// below limit, reporting whether the lookup was granted. A nil limit is
// unmetered and always consumes. The guarded update serialises concurrent
// requests on the workspace row, so the counter never passes the limit.
func (r *WorkspaceRepository) TryConsumeLookup(ctx context.Context, workspaceID string, limit *int) (bool, error) {
	if limit == nil {
		if _, err := r.IncrementLookups(ctx, workspaceID); err != nil {
			return false, err
		}
		return true, nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET domain_lookups_used = domain_lookups_used + 1,
		     updated_at = NOW()
		 WHERE workspace_id = $1 AND domain_lookups_used < $2`,
		workspaceID, *limit,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to consume lookup", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementExportCredits atomically consumes n export credits and returns
// the new total.
func (r *WorkspaceRepository) IncrementExportCredits(ctx context.Context, workspaceID string, n int) (int, error) {
	return r.incrementCounter(ctx, workspaceID, "export_credits_used", n)
}

// IncrementAPICalls atomically bumps the monthly API call counter and
// returns the new value.
func (r *WorkspaceRepository) IncrementAPICalls(ctx context.Context, workspaceID string) (int, error) {
	return r.incrementCounter(ctx, workspaceID, "api_calls_used", 1)
}

// counterColumns whitelists the three usage counters so incrementCounter can
// interpolate a column name safely.
var counterColumns = map[string]bool{
	"domain_lookups_used": true,
	"export_credits_used": true,
	"api_calls_used":      true,
}

func (r *WorkspaceRepository) incrementCounter(ctx context.Context, workspaceID, column string, n int) (int, error) {
	if !counterColumns[column] {
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected, "unknown usage counter "+column, nil)
	}
	var newCount int
	err := r.db.QueryRow(ctx,
		`UPDATE workspaces
		 SET `+column+` = `+column+` + $1, updated_at = NOW()
		 WHERE workspace_id = $2
		 RETURNING `+column,
		n, workspaceID,
	).Scan(&newCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundWorkspace, "workspace not found", nil)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage counter", err)
	}
	return newCount, nil
}

// ApplyCheckout records a completed checkout: Stripe identifiers, resolved
// tier, active status, and optionally the founding-member flag. Optimistic
// locking on last_billing_event_at makes webhook replays a no-op.
func (r *WorkspaceRepository) ApplyCheckout(
	ctx context.Context,
	workspaceID string,
	customerID, subscriptionID, priceID string,
	tier types.Tier,
	foundingMember bool,
	eventAt time.Time,
) error {
	return r.applyCheckout(ctx, r.db, workspaceID, customerID, subscriptionID, priceID,
		tier, foundingMember, eventAt)
}

func (r *WorkspaceRepository) applyCheckout(
	ctx context.Context,
	q DBTX,
	workspaceID string,
	customerID, subscriptionID, priceID string,
	tier types.Tier,
	foundingMember bool,
	eventAt time.Time,
) error {
	tag, err := q.Exec(ctx,
		`UPDATE workspaces
		 SET stripe_customer_id = $1,
		     stripe_subscription_id = $2,
		     stripe_price_id = $3,
		     tier = $4,
		     stripe_subscription_status = $5,
		     founding_member = founding_member OR $6,
		     last_billing_event_at = $7,
		     updated_at = NOW()
		 WHERE workspace_id = $8
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $7)`,
		customerID, subscriptionID, priceID,
		tier, types.SubStatusActive, foundingMember,
		eventAt, workspaceID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply checkout", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale checkout event ignored",
			slog.String("workspace_id", workspaceID),
			slog.Time("event_at", eventAt),
		)
	}
	return nil
}

// ApplySubscriptionState re-synchronizes tier and status from a subscription
// update, keyed by the Stripe subscription ID. Stale events are ignored.
func (r *WorkspaceRepository) ApplySubscriptionState(
	ctx context.Context,
	subscriptionID string,
	tier types.Tier,
	status types.SubscriptionStatus,
	priceID string,
	eventAt time.Time,
) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET tier = $1,
		     stripe_subscription_status = $2,
		     stripe_price_id = $3,
		     last_billing_event_at = $4,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $5
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $4)`,
		tier, status, priceID, eventAt, subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription state", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale subscription event ignored",
			slog.String("stripe_subscription_id", subscriptionID),
			slog.Time("event_at", eventAt),
		)
	}
	return nil
}

// ApplyCancellation downgrades the workspace to free/cancelled and clears the
// subscription identifiers. The customer ID is kept so a later resubscribe
// reuses the same Stripe customer.
func (r *WorkspaceRepository) ApplyCancellation(ctx context.Context, subscriptionID string, eventAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET tier = $1,
		     stripe_subscription_status = $2,
		     stripe_subscription_id = NULL,
		     stripe_price_id = NULL,
		     last_billing_event_at = $3,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $4
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $3)`,
		types.TierFree, types.SubStatusCancelled, eventAt, subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply cancellation", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale cancellation event ignored",
			slog.String("stripe_subscription_id", subscriptionID),
			slog.Time("event_at", eventAt),
		)
	}
	return nil
}

// ResetUsageCycle zeroes the three monthly counters and starts a new billing
// cycle. Called once per paid invoice; replays are absorbed by the lock.
func (r *WorkspaceRepository) ResetUsageCycle(ctx context.Context, customerID string, cycleStart, eventAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET domain_lookups_used = 0,
		     export_credits_used = 0,
		     api_calls_used = 0,
		     billing_cycle_start = $1,
		     stripe_subscription_status = $2,
		     last_billing_event_at = $3,
		     updated_at = NOW()
		 WHERE stripe_customer_id = $4
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $3)`,
		cycleStart, types.SubStatusActive, eventAt, customerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset usage cycle", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale invoice event ignored",
			slog.String("stripe_customer_id", customerID),
			slog.Time("event_at", eventAt),
		)
	}
	return nil
}

// MarkPastDue flags a failed payment. Tier is left untouched; access is only
// revoked on actual cancellation.
func (r *WorkspaceRepository) MarkPastDue(ctx context.Context, customerID string, eventAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET stripe_subscription_status = $1,
		     last_billing_event_at = $2,
		     updated_at = NOW()
		 WHERE stripe_customer_id = $3
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $2)`,
		types.SubStatusPastDue, eventAt, customerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark workspace past due", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale payment-failure event ignored",
			slog.String("stripe_customer_id", customerID),
			slog.Time("event_at", eventAt),
		)
	}
	return nil
}

// MarkBillingEventProcessed records a Stripe event ID exactly once. Returns
// true on first insert, false when the event was already processed. Side
// effects that must not replay (founding seat claims) key off this.
func (r *WorkspaceRepository) MarkBillingEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return r.markBillingEventProcessed(ctx, r.db, eventID)
}

func (r *WorkspaceRepository) markBillingEventProcessed(ctx context.Context, q DBTX, eventID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO processed_billing_events (event_id, processed_at)
		 VALUES ($1, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record billing event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TryClaimFoundingSeat atomically claims one founding-member seat against
// the global cap. Returns false once the cap is reached. The single-row CAS
// makes the claim safe under concurrent checkout webhooks.
func (r *WorkspaceRepository) TryClaimFoundingSeat(ctx context.Context, seatCap int) (bool, error) {
	return r.tryClaimFoundingSeat(ctx, r.db, seatCap)
}

func (r *WorkspaceRepository) tryClaimFoundingSeat(ctx context.Context, q DBTX, seatCap int) (bool, error) {
	var claimed int
	err := q.QueryRow(ctx,
		`UPDATE founding_member_seats
		 SET claimed = claimed + 1
		 WHERE id = 1 AND claimed < $1
		 RETURNING claimed`,
		seatCap,
	).Scan(&claimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim founding seat", err)
	}
	r.logger.Info("founding member seat claimed", slog.Int("claimed", claimed), slog.Int("cap", seatCap))
	return true, nil
}

// ApplyFoundingCheckout records a founding-member checkout as one unit: the
// one-shot event-ID record, the seat claim, and the workspace update commit
// or roll back together, so a retry of a failed event replays cleanly
// without stranding a seat. Returns whether the founding flag was attached.
func (r *WorkspaceRepository) ApplyFoundingCheckout(
	ctx context.Context,
	workspaceID string,
	customerID, subscriptionID, priceID string,
	tier types.Tier,
	seatCap int,
	eventID string,
	eventAt time.Time,
) (bool, error) {
	beginner, ok := r.db.(TxBeginner)
	if !ok {
		// Already on an open transaction.
		return r.applyFoundingCheckout(ctx, r.db, workspaceID, customerID,
			subscriptionID, priceID, tier, seatCap, eventID, eventAt)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to begin checkout transaction", err)
	}
	defer tx.Rollback(ctx)

	founding, err := r.applyFoundingCheckout(ctx, tx, workspaceID, customerID,
		subscriptionID, priceID, tier, seatCap, eventID, eventAt)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to commit checkout transaction", err)
	}
	return founding, nil
}

func (r *WorkspaceRepository) applyFoundingCheckout(
	ctx context.Context,
	q DBTX,
	workspaceID string,
	customerID, subscriptionID, priceID string,
	tier types.Tier,
	seatCap int,
	eventID string,
	eventAt time.Time,
) (bool, error) {
	first, err := r.markBillingEventProcessed(ctx, q, eventID)
	if err != nil {
		return false, err
	}
	founding := false
	if first {
		founding, err = r.tryClaimFoundingSeat(ctx, q, seatCap)
		if err != nil {
			return false, err
		}
	}
	if err := r.applyCheckout(ctx, q, workspaceID, customerID, subscriptionID,
		priceID, tier, founding, eventAt); err != nil {
		return false, err
	}
	return founding, nil
}
