package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"cartograph/internal/types"
)

// Event is a parsed Stripe webhook event with the data object left raw.
// The lifecycle only decodes the minimal fields each event type needs.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// Actions returned by HandleEvent, logged for observability.
const (
	ActionIgnored       = "ignored"
	ActionSkipped       = "skipped"
	ActionCheckoutDone  = "checkout_activated"
	ActionTierUpdated   = "tier_updated"
	ActionDowngraded    = "downgraded_to_free"
	ActionUsageReset    = "usage_reset"
	ActionMarkedPastDue = "marked_past_due"
)

// WorkspaceStore is the subset of the workspace repository the lifecycle
// needs. Writes carry the event timestamp for optimistic locking.
type WorkspaceStore interface {
	GetByID(ctx context.Context, id string) (*types.Workspace, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Workspace, error)
	GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*types.Workspace, error)

	ApplyCheckout(ctx context.Context, workspaceID, customerID, subscriptionID, priceID string,
		tier types.Tier, foundingMember bool, eventAt time.Time) error
	ApplyFoundingCheckout(ctx context.Context, workspaceID, customerID, subscriptionID, priceID string,
		tier types.Tier, seatCap int, eventID string, eventAt time.Time) (bool, error)
	ApplySubscriptionState(ctx context.Context, subscriptionID string, tier types.Tier,
		status types.SubscriptionStatus, priceID string, eventAt time.Time) error
	ApplyCancellation(ctx context.Context, subscriptionID string, eventAt time.Time) error
	ResetUsageCycle(ctx context.Context, customerID string, cycleStart, eventAt time.Time) error
	MarkPastDue(ctx context.Context, customerID string, eventAt time.Time) error
}

// SubscriptionResolver fetches the active price of a subscription from
// Stripe. Checkout sessions do not embed the price, so the lifecycle has to
// look it up to resolve the tier.
type SubscriptionResolver interface {
	SubscriptionPrice(ctx context.Context, subscriptionID string) (string, error)
}

// Lifecycle applies Stripe subscription events to workspace billing state.
//
// Processing rules:
//   - Unknown event types are ignored.
//   - Events for unknown workspaces are logged and skipped, never errors:
//     failing would make Stripe retry an event that can never succeed.
//   - Replayed or out-of-order events are absorbed by the stores' optimistic
//     locking; a founding checkout applies its event-ID record, seat claim,
//     and workspace update as one unit, so a replay cannot claim a second
//     seat and a partial failure cannot strand one.
type Lifecycle struct {
	workspaces  WorkspaceStore
	resolver    SubscriptionResolver
	priceToTier map[string]types.Tier
	foundingCap int
	logger      *slog.Logger
}

// NewLifecycle wires a billing lifecycle.
func NewLifecycle(
	workspaces WorkspaceStore,
	resolver SubscriptionResolver,
	priceToTier map[string]types.Tier,
	foundingCap int,
	logger *slog.Logger,
) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		workspaces:  workspaces,
		resolver:    resolver,
		priceToTier: priceToTier,
		foundingCap: foundingCap,
		logger:      logger,
	}
}

// tierForPrice resolves a Stripe price ID to a tier, failing closed to free.
func (l *Lifecycle) tierForPrice(priceID string) types.Tier {
	if tier, ok := l.priceToTier[priceID]; ok {
		return tier
	}
	return types.TierFree
}

// HandleEvent dispatches one verified Stripe event. The returned action names
// what happened, for the caller's structured log line.
func (l *Lifecycle) HandleEvent(ctx context.Context, event *Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed":
		return l.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return l.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return l.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid":
		return l.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return l.handlePaymentFailed(ctx, event)
	default:
		l.logger.InfoContext(ctx, "ignoring unhandled stripe event type",
			slog.String("event_type", event.Type))
		return ActionIgnored, nil
	}
}

// checkoutSessionObj holds the minimal fields of a checkout.session object.
type checkoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionObj holds the minimal fields of a subscription object.
type subscriptionObj struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// invoiceObj holds the minimal fields of an invoice object.
type invoiceObj struct {
	Customer string `json:"customer"`
}

func (l *Lifecycle) handleCheckoutCompleted(ctx context.Context, event *Event) (string, error) {
	var obj checkoutSessionObj
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return ActionSkipped, err
	}

	workspaceID := obj.ClientReferenceID
	if workspaceID == "" {
		workspaceID = obj.Metadata["workspace_id"]
	}
	if workspaceID == "" {
		l.logger.WarnContext(ctx, "checkout session without workspace reference",
			slog.String("event_id", event.ID))
		return ActionSkipped, nil
	}

	if _, err := l.workspaces.GetByID(ctx, workspaceID); err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "checkout for unknown workspace, skipping",
				slog.String("event_id", event.ID),
				slog.String("workspace_id", workspaceID))
			return ActionSkipped, nil
		}
		return ActionSkipped, err
	}

	// Resolve the tier from the subscription's price.
	var priceID string
	tier := types.TierFree
	if obj.Subscription != "" {
		var err error
		priceID, err = l.resolver.SubscriptionPrice(ctx, obj.Subscription)
		if err != nil {
			return ActionSkipped, err
		}
		tier = l.tierForPrice(priceID)
	}

	// The founding seat is a one-shot side effect keyed on the event ID.
	// The store applies the event record, the seat claim, and the checkout
	// atomically; a failed event leaves no state behind for the retry.
	founding := false
	if obj.Metadata["founding_member"] == "true" {
		var err error
		founding, err = l.workspaces.ApplyFoundingCheckout(ctx, workspaceID,
			obj.Customer, obj.Subscription, priceID, tier,
			l.foundingCap, event.ID, event.Created)
		if err != nil {
			return ActionSkipped, err
		}
		if !founding {
			l.logger.WarnContext(ctx, "checkout activated without founding seat",
				slog.String("workspace_id", workspaceID),
				slog.String("event_id", event.ID))
		}
	} else {
		err := l.workspaces.ApplyCheckout(ctx, workspaceID,
			obj.Customer, obj.Subscription, priceID, tier, false, event.Created)
		if err != nil {
			return ActionSkipped, err
		}
	}

	l.logger.InfoContext(ctx, "checkout completed",
		slog.String("workspace_id", workspaceID),
		slog.String("tier", string(tier)),
		slog.Bool("founding_member", founding))
	return ActionCheckoutDone, nil
}

func (l *Lifecycle) handleSubscriptionUpdated(ctx context.Context, event *Event) (string, error) {
	var obj subscriptionObj
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return ActionSkipped, err
	}

	if _, err := l.workspaces.GetByStripeSubscriptionID(ctx, obj.ID); err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "subscription update for unknown workspace, skipping",
				slog.String("event_id", event.ID),
				slog.String("stripe_subscription_id", obj.ID))
			return ActionSkipped, nil
		}
		return ActionSkipped, err
	}

	var priceID string
	if len(obj.Items.Data) > 0 {
		priceID = obj.Items.Data[0].Price.ID
	}
	tier := l.tierForPrice(priceID)
	status := mapSubscriptionStatus(obj.Status)

	err := l.workspaces.ApplySubscriptionState(ctx, obj.ID, tier, status, priceID, event.Created)
	if err != nil {
		return ActionSkipped, err
	}

	l.logger.InfoContext(ctx, "subscription updated",
		slog.String("stripe_subscription_id", obj.ID),
		slog.String("tier", string(tier)),
		slog.String("status", string(status)))
	return ActionTierUpdated, nil
}

func (l *Lifecycle) handleSubscriptionDeleted(ctx context.Context, event *Event) (string, error) {
	var obj subscriptionObj
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return ActionSkipped, err
	}

	if _, err := l.workspaces.GetByStripeSubscriptionID(ctx, obj.ID); err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "cancellation for unknown workspace, skipping",
				slog.String("event_id", event.ID),
				slog.String("stripe_subscription_id", obj.ID))
			return ActionSkipped, nil
		}
		return ActionSkipped, err
	}

	if err := l.workspaces.ApplyCancellation(ctx, obj.ID, event.Created); err != nil {
		return ActionSkipped, err
	}

	l.logger.InfoContext(ctx, "subscription cancelled, workspace downgraded",
		slog.String("stripe_subscription_id", obj.ID))
	return ActionDowngraded, nil
}

func (l *Lifecycle) handleInvoicePaid(ctx context.Context, event *Event) (string, error) {
	var obj invoiceObj
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return ActionSkipped, err
	}

	if _, err := l.workspaces.GetByStripeCustomerID(ctx, obj.Customer); err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "invoice for unknown customer, skipping",
				slog.String("event_id", event.ID),
				slog.String("stripe_customer_id", obj.Customer))
			return ActionSkipped, nil
		}
		return ActionSkipped, err
	}

	// The event timestamp doubles as the new cycle start.
	if err := l.workspaces.ResetUsageCycle(ctx, obj.Customer, event.Created, event.Created); err != nil {
		return ActionSkipped, err
	}

	l.logger.InfoContext(ctx, "billing cycle started, usage counters reset",
		slog.String("stripe_customer_id", obj.Customer))
	return ActionUsageReset, nil
}

func (l *Lifecycle) handlePaymentFailed(ctx context.Context, event *Event) (string, error) {
	var obj invoiceObj
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return ActionSkipped, err
	}

	if _, err := l.workspaces.GetByStripeCustomerID(ctx, obj.Customer); err != nil {
		if isNotFound(err) {
			l.logger.WarnContext(ctx, "payment failure for unknown customer, skipping",
				slog.String("event_id", event.ID),
				slog.String("stripe_customer_id", obj.Customer))
			return ActionSkipped, nil
		}
		return ActionSkipped, err
	}

	if err := l.workspaces.MarkPastDue(ctx, obj.Customer, event.Created); err != nil {
		return ActionSkipped, err
	}

	l.logger.WarnContext(ctx, "payment failed, workspace marked past due",
		slog.String("stripe_customer_id", obj.Customer))
	return ActionMarkedPastDue, nil
}

// mapSubscriptionStatus normalizes a Stripe subscription status. Statuses
// that keep the subscription usable (trialing) stay active; anything that
// means the money stopped maps to its closest local state.
func mapSubscriptionStatus(s string) types.SubscriptionStatus {
	switch s {
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "canceled", "incomplete_expired":
		return types.SubStatusCancelled
	default:
		return types.SubStatusActive
	}
}

func isNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundWorkspace
}
