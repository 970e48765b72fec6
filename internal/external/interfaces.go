package external

import (
	"context"
)

// ---------------------------------------------------------------------------
// Billing Integration (Stripe)
// ---------------------------------------------------------------------------

// CheckoutParams carries everything needed to open a Stripe Checkout session
// for a workspace. WorkspaceID is set as client_reference_id (and duplicated
// in metadata) so the completed-session webhook can be correlated back.
type CheckoutParams struct {
	WorkspaceID    string
	PriceID        string
	FoundingMember bool
	SuccessURL     string
	CancelURL      string
}

// BillingGateway abstracts interactions with the payment provider (Stripe).
// Implementations translate between domain types and vendor-specific APIs.
type BillingGateway interface {
	// CreateCheckoutSession generates a Stripe Checkout URL for the workspace
	// to enter payment info.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (checkoutURL string, sessionID string, err error)

	// CreatePortalSession generates a Stripe Billing Portal URL for self-serve
	// billing management.
	CreatePortalSession(ctx context.Context, customerID string, returnURL string) (portalURL string, err error)

	// SubscriptionPrice returns the price ID on the first item of the given
	// subscription. Used by the billing lifecycle to resolve a checkout
	// session into a tier.
	SubscriptionPrice(ctx context.Context, subscriptionID string) (string, error)
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event type constants prevent magic strings in webhook handlers.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeInvoicePaid       = "invoice.paid"
	EventStripePaymentFailed     = "invoice.payment_failed"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)

// ---------------------------------------------------------------------------
// Enrichment Providers
// ---------------------------------------------------------------------------

// SERPResult is one organic result row for a keyword query.
type SERPResult struct {
	Keyword      string   `json:"keyword"`
	Position     int      `json:"position"`
	Domain       string   `json:"domain"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	SERPFeatures []string `json:"serp_features"`
	CollectedAt  string   `json:"collected_at"`
}

// AuthorityMetrics is a backlink/authority snapshot for one domain. Fields
// that a provider does not supply stay nil.
type AuthorityMetrics struct {
	Domain          string `json:"domain"`
	DomainRating    *int   `json:"domain_rating,omitempty"`
	DomainAuthority *int   `json:"domain_authority,omitempty"`
	PageAuthority   *int   `json:"page_authority,omitempty"`
	SpamScore       *int   `json:"spam_score,omitempty"`
	Backlinks       *int64 `json:"backlinks,omitempty"`
	ReferringDomains *int  `json:"referring_domains,omitempty"`
	OrganicTraffic  *int64 `json:"organic_traffic,omitempty"`
	Source          string `json:"source"`
}

// TechDetection is one fingerprinted technology on a domain.
type TechDetection struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// TechFingerprint is the full technology profile of a domain.
type TechFingerprint struct {
	Domain       string          `json:"domain"`
	Technologies []TechDetection `json:"technologies"`
	DetectedAt   string          `json:"detected_at"`
}

// SERPProvider collects organic search results for keyword batches.
// The DataForSEO implementation is queue-based: submit, poll, fetch.
type SERPProvider interface {
	// SubmitSERPTasks queues one SERP collection task per keyword and returns
	// the provider task IDs.
	SubmitSERPTasks(ctx context.Context, keywords []string, location string) ([]string, error)

	// ReadySERPTasks returns the subset of task IDs whose results are ready.
	ReadySERPTasks(ctx context.Context) ([]string, error)

	// FetchSERPResults retrieves the organic results for a completed task.
	FetchSERPResults(ctx context.Context, taskID string) ([]SERPResult, error)
}

// AuthorityProvider returns backlink and authority metrics for domains.
type AuthorityProvider interface {
	AuthorityMetrics(ctx context.Context, domains []string) ([]AuthorityMetrics, error)
}

// TechProvider fingerprints the technology stack of a domain.
type TechProvider interface {
	TechStack(ctx context.Context, domain string) (*TechFingerprint, error)
}
