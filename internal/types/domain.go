package types

import (
	"encoding/json"
	"time"
)

// JSONMap is an opaque nested JSON object stored in a JSONB column.
// Enrichment agents own the shape of each group; the gating layer only ever
// filters by top-level key presence and never inspects values.
type JSONMap map[string]any

// FieldGroupSet maps a field-group name (e.g. "seo_metrics") to its blob.
// A nil entry means the group has not been enriched yet.
type FieldGroupSet map[string]JSONMap

// Domain is the core entity: one tracked ecommerce domain with its
// always-visible scalar columns and the open set of enrichment field-groups.
type Domain struct {
	DomainID      string       `json:"domain_id" db:"domain_id"`
	Domain        string       `json:"domain" db:"domain"`
	Country       string       `json:"country" db:"country"`
	TLD           string       `json:"tld" db:"tld"`
	Status        DomainStatus `json:"status" db:"status"`
	FirstSeenAt   time.Time    `json:"first_seen_at" db:"first_seen_at"`
	LastUpdatedAt time.Time    `json:"last_updated_at" db:"last_updated_at"`
	SchemaVersion string       `json:"schema_version" db:"schema_version"`

	// One JSONB column per group; keyed by the group names in
	// tiering.FieldGroupNames.
	Groups FieldGroupSet `json:"-" db:"-"`
}

// DomainScalars is the always-visible projection of a domain, present in
// every masked response regardless of tier.
type DomainScalars struct {
	DomainID      string       `json:"domain_id"`
	Domain        string       `json:"domain"`
	Country       string       `json:"country"`
	TLD           string       `json:"tld"`
	Status        DomainStatus `json:"status"`
	FirstSeenAt   time.Time    `json:"first_seen_at"`
	LastUpdatedAt time.Time    `json:"last_updated_at"`
	SchemaVersion string       `json:"schema_version"`
}

// Scalars returns the always-visible projection of the domain.
func (d *Domain) Scalars() DomainScalars {
	return DomainScalars{
		DomainID:      d.DomainID,
		Domain:        d.Domain,
		Country:       d.Country,
		TLD:           d.TLD,
		Status:        d.Status,
		FirstSeenAt:   d.FirstSeenAt,
		LastUpdatedAt: d.LastUpdatedAt,
		SchemaVersion: d.SchemaVersion,
	}
}

// MaskedDomain is the tier-appropriate projection of a Domain. Groups the
// tier may not see are nil with a companion "<group>_gated": true flag so
// clients can render upgrade prompts. Serializes as a single flat object:
//
//	{"domain_id": ..., "seo_metrics": {...}, "intent_layer": null,
//	 "intent_layer_gated": true, ...}
type MaskedDomain struct {
	Scalars DomainScalars
	Groups  map[string]JSONMap
	Gated   map[string]bool
}

// MarshalJSON flattens scalars, groups, and gated flags into one object.
func (m MaskedDomain) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 8+2*len(m.Groups))

	scalars, err := json.Marshal(m.Scalars)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scalars, &out); err != nil {
		return nil, err
	}

	for name, blob := range m.Groups {
		if blob == nil {
			out[name] = nil
		} else {
			out[name] = blob
		}
	}
	for name, gated := range m.Gated {
		if gated {
			out[name+"_gated"] = true
		}
	}
	return json.Marshal(out)
}

// DomainSummary is the lightweight row for list/table views: scalars plus a
// handful of fields flattened out of JSONB for fast filtering and sorting.
type DomainSummary struct {
	DomainID      string       `json:"domain_id"`
	Domain        string       `json:"domain"`
	Country       string       `json:"country"`
	TLD           string       `json:"tld"`
	Status        DomainStatus `json:"status"`
	FirstSeenAt   time.Time    `json:"first_seen_at"`
	LastUpdatedAt time.Time    `json:"last_updated_at"`
	SchemaVersion string       `json:"schema_version"`

	DomainRating           *int     `json:"domain_rating,omitempty"`
	OrganicTrafficEstimate *int     `json:"organic_traffic_estimate,omitempty"`
	CommercialIntentScore  *float64 `json:"commercial_intent_score,omitempty"`
	Platform               *string  `json:"platform,omitempty"`
	CategoryPrimary        *string  `json:"category_primary,omitempty"`
	ConfidenceValue        *float64 `json:"confidence_value,omitempty"`
}

// DomainFilter defines the list-endpoint filter parameters.
type DomainFilter struct {
	Platform        string
	Country         string
	MinDomainRating int
	MinIntentScore  float64
	Status          DomainStatus
}

// Workspace is the billing and quota unit. It owns the tier, the Stripe
// identifiers, and the three monthly usage counters.
type Workspace struct {
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Name        string `json:"name" db:"name"`
	OwnerID     string `json:"-" db:"owner_id"`
	Tier        Tier   `json:"tier" db:"tier"`

	// API token (hash stored; plaintext shown once at mint time)
	APITokenHash   string `json:"-" db:"api_token_hash"`
	APITokenPrefix string `json:"api_token_prefix,omitempty" db:"api_token_prefix"`

	// Monthly usage counters. Monotonically non-decreasing within a cycle;
	// reset to zero exactly once per billing-cycle event.
	DomainLookupsUsed int       `json:"domain_lookups_used" db:"domain_lookups_used"`
	ExportCreditsUsed int       `json:"export_credits_used" db:"export_credits_used"`
	APICallsUsed      int       `json:"api_calls_used" db:"api_calls_used"`
	BillingCycleStart time.Time `json:"billing_cycle_start" db:"billing_cycle_start"`

	// Stripe billing state. Customer/subscription IDs are empty until the
	// first completed checkout.
	StripeCustomerID     string             `json:"-" db:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"-" db:"stripe_subscription_id"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status,omitempty" db:"stripe_subscription_status"`
	StripePriceID        string             `json:"-" db:"stripe_price_id"`
	FoundingMember       bool               `json:"founding_member" db:"founding_member"`
	LastBillingEventAt   *time.Time         `json:"-" db:"last_billing_event_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UsageCounters is a point-in-time read of a workspace's metered consumption.
type UsageCounters struct {
	DomainLookups int `json:"domain_lookups"`
	ExportCredits int `json:"export_credits"`
	APICalls      int `json:"api_calls"`
}

// WebhookEndpoint is a customer-registered delivery target.
// The secret is generated once at creation and never re-displayed.
type WebhookEndpoint struct {
	WebhookID   string      `json:"webhook_id" db:"webhook_id"`
	WorkspaceID string      `json:"workspace_id" db:"workspace_id"`
	URL         string      `json:"url" db:"url"`
	Secret      string      `json:"-" db:"secret"`
	EventTypes  []EventType `json:"event_types" db:"event_types"`
	IsActive    bool        `json:"is_active" db:"is_active"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// SubscribesTo reports whether the endpoint wants the given event type.
// An empty subscription set means "all events".
func (e *WebhookEndpoint) SubscribesTo(event EventType) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == event {
			return true
		}
	}
	return false
}

// Alert is a saved alert rule owned by a workspace.
type Alert struct {
	AlertID        string     `json:"alert_id" db:"alert_id"`
	WorkspaceID    string     `json:"workspace_id" db:"workspace_id"`
	Name           string     `json:"name" db:"name"`
	Type           AlertType  `json:"alert_type" db:"alert_type"`
	FilterCriteria JSONMap    `json:"filter_criteria,omitempty" db:"filter_criteria"`
	Threshold      JSONMap    `json:"threshold,omitempty" db:"threshold"`
	Delivery       JSONMap    `json:"delivery,omitempty" db:"delivery"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	LastTriggered  *time.Time `json:"last_triggered,omitempty" db:"last_triggered"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
