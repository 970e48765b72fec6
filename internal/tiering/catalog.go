// Package tiering is the single source of truth for what each subscription
// tier can access. All enforcement goes through this package; agents and
// route handlers never contain hard-coded tier logic.
package tiering

import "cartograph/internal/types"

// TierLimits defines the numeric caps and feature flags for one tier.
// A nil cap means unlimited.
type TierLimits struct {
	Tier types.Tier

	MaxLookupsPerMonth       *int
	MaxRowsPerView           *int
	MaxExportCreditsPerMonth *int
	MaxAPICallsPerMonth      *int
	MaxSavedLists            *int
	MaxAlerts                *int
	MaxTeamSeats             int
	APIRateLimitPerMin       *int
	HistoricalMonths         *int

	CanExportCSV      bool
	CanUseAPI         bool
	CanUseWebhooks    bool
	CanWhiteLabel     bool
	CanShareWorkspace bool
	DailyTrending     bool
}

// Feature resolves a named feature flag against the limits.
// Unknown flag names are false (fail closed).
func (l TierLimits) Feature(flag types.FeatureFlag) bool {
	switch flag {
	case types.FeatureExportCSV:
		return l.CanExportCSV
	case types.FeatureAPI:
		return l.CanUseAPI
	case types.FeatureWebhooks:
		return l.CanUseWebhooks
	case types.FeatureWhiteLabel:
		return l.CanWhiteLabel
	case types.FeatureShareWorkspace:
		return l.CanShareWorkspace
	case types.FeatureDailyTrending:
		return l.DailyTrending
	default:
		return false
	}
}

// GroupPolicy describes what one tier may see of one field-group.
type GroupPolicy struct {
	// Hidden means the group is fully redacted: the projection carries an
	// explicit null plus a gated flag.
	Hidden bool
	// AllowedKeys restricts the group to the listed sub-keys. A nil slice
	// (with Hidden=false) means the whole blob passes through.
	AllowedKeys []string
}

// Full reports whether the policy passes the whole group through unchanged.
func (p GroupPolicy) Full() bool {
	return !p.Hidden && p.AllowedKeys == nil
}

// FieldGroupNames is the fixed set of JSONB enrichment groups on a domain
// record, in response order. The masking engine is generic over this list;
// it never looks inside a group's values.
var FieldGroupNames = []string{
	"discovery",
	"ecommerce",
	"seo_metrics",
	"intent_layer",
	"serp_intelligence",
	"technical_layer",
	"contact",
	"marketplace_overlap",
	"paid_ads_presence",
	"meta",
	"change_tracking",
	"confidence_score",
	"pipeline",
	"ai_summary",
}

// AlwaysVisibleFields are the scalar columns included at every tier.
var AlwaysVisibleFields = []string{
	"domain_id", "domain", "country", "tld", "status",
	"first_seen_at", "last_updated_at", "schema_version",
}

func limitOf(n int) *int { return &n }

// tierLimits holds the authoritative per-tier caps from the pricing table.
var tierLimits = map[types.Tier]TierLimits{
	types.TierFree: {
		Tier:                     types.TierFree,
		MaxLookupsPerMonth:       limitOf(25),
		MaxRowsPerView:           limitOf(100),
		MaxExportCreditsPerMonth: limitOf(0),
		MaxAPICallsPerMonth:      limitOf(0),
		MaxSavedLists:            limitOf(1),
		MaxAlerts:                limitOf(0),
		MaxTeamSeats:             1,
	},
	types.TierStarter: {
		Tier:                     types.TierStarter,
		MaxLookupsPerMonth:       limitOf(500),
		MaxRowsPerView:           limitOf(5000),
		MaxExportCreditsPerMonth: limitOf(50),
		MaxAPICallsPerMonth:      limitOf(0),
		MaxSavedLists:            limitOf(5),
		MaxAlerts:                limitOf(5),
		MaxTeamSeats:             1,
		CanExportCSV:             true,
	},
	types.TierProfessional: {
		Tier:                     types.TierProfessional,
		MaxRowsPerView:           limitOf(50000),
		MaxExportCreditsPerMonth: limitOf(500),
		MaxAPICallsPerMonth:      limitOf(10000),
		MaxSavedLists:            limitOf(25),
		MaxAlerts:                limitOf(50),
		MaxTeamSeats:             3,
		APIRateLimitPerMin:       limitOf(100),
		HistoricalMonths:         limitOf(3),
		CanExportCSV:             true,
		CanUseAPI:                true,
		CanUseWebhooks:           true,
		DailyTrending:            true,
	},
	types.TierBusiness: {
		Tier:                     types.TierBusiness,
		MaxRowsPerView:           limitOf(250000),
		MaxExportCreditsPerMonth: limitOf(2000),
		MaxAPICallsPerMonth:      limitOf(50000),
		MaxTeamSeats:             10,
		APIRateLimitPerMin:       limitOf(500),
		HistoricalMonths:         limitOf(12),
		CanExportCSV:             true,
		CanUseAPI:                true,
		CanUseWebhooks:           true,
		CanWhiteLabel:            true,
		CanShareWorkspace:        true,
		DailyTrending:            true,
	},
	types.TierEnterprise: {
		Tier:              types.TierEnterprise,
		MaxTeamSeats:      999,
		CanExportCSV:      true,
		CanUseAPI:         true,
		CanUseWebhooks:    true,
		CanWhiteLabel:     true,
		CanShareWorkspace: true,
		DailyTrending:     true,
	},
}

// hidden and allow are shorthands for building the visibility table.
var hidden = GroupPolicy{Hidden: true}

func allow(keys ...string) GroupPolicy { return GroupPolicy{AllowedKeys: keys} }

var full = GroupPolicy{}

// fieldVisibility maps group name -> tier -> policy. A tier absent from a
// group's row gets full access (only lower tiers are restricted).
var fieldVisibility = map[string]map[types.Tier]GroupPolicy{
	"discovery": {
		types.TierFree:    allow("method", "first_seen", "last_verified"),
		types.TierStarter: allow("method", "first_seen", "last_verified", "intent_type"),
	},
	"ecommerce": {
		types.TierFree: allow("platform"),
		types.TierStarter: allow("platform", "platform_confidence", "product_count_estimate",
			"category_primary", "currency"),
	},
	"seo_metrics": {
		types.TierFree: allow("domain_rating"),
		types.TierStarter: allow("domain_rating", "domain_authority", "organic_traffic_estimate",
			"referring_domains_count", "organic_traffic_trend"),
	},
	"intent_layer": {
		types.TierFree:    hidden,
		types.TierStarter: allow("commercial_intent_score"),
	},
	"serp_intelligence": {
		types.TierFree:    hidden,
		types.TierStarter: allow("serp_features"), // feature flags only, no top queries
	},
	"technical_layer": {
		types.TierFree:    hidden,
		types.TierStarter: allow("tech_stack"),
	},
	"contact": {
		types.TierFree:    hidden,
		types.TierStarter: allow("social_profiles", "has_contact_form"),
	},
	"meta": {
		types.TierFree:    allow("ssl_valid", "mobile_friendly", "page_speed_score"),
		types.TierStarter: allow("ssl_valid", "mobile_friendly", "page_speed_score", "language", "title"),
	},
	"change_tracking": {
		types.TierFree:         hidden,
		types.TierStarter:      hidden,
		types.TierProfessional: allow("mom_traffic_delta", "trending_score"),
	},
	"marketplace_overlap": {
		types.TierFree: hidden,
	},
	"paid_ads_presence": {
		types.TierFree: hidden,
	},
	"confidence_score": {
		types.TierFree: allow("value"),
	},
	"pipeline": {
		types.TierFree: hidden,
	},
	"ai_summary": {
		types.TierFree: hidden,
	},
}

// Catalog is the immutable tier configuration, loaded once at process start
// and injected into the Gate and Masker constructors.
type Catalog struct {
	limits     map[types.Tier]TierLimits
	visibility map[string]map[types.Tier]GroupPolicy
}

// NewCatalog returns the production tier catalogue. The maps are copied so
// callers cannot mutate the package-level defaults.
func NewCatalog() *Catalog {
	limits := make(map[types.Tier]TierLimits, len(tierLimits))
	for k, v := range tierLimits {
		limits[k] = v
	}
	vis := make(map[string]map[types.Tier]GroupPolicy, len(fieldVisibility))
	for group, row := range fieldVisibility {
		r := make(map[types.Tier]GroupPolicy, len(row))
		for tier, p := range row {
			r[tier] = p
		}
		vis[group] = r
	}
	return &Catalog{limits: limits, visibility: vis}
}

// Canonical normalizes a tier name. Unknown tiers resolve to free, the most
// restrictive tier, so gating fails closed rather than erroring.
func (c *Catalog) Canonical(tier types.Tier) types.Tier {
	if _, ok := c.limits[tier]; ok {
		return tier
	}
	return types.TierFree
}

// Limits returns the resource limits for the given tier.
// Unknown tiers get the free-tier limits.
func (c *Catalog) Limits(tier types.Tier) TierLimits {
	return c.limits[c.Canonical(tier)]
}

// GroupPolicy returns the visibility policy for a field-group at a tier.
// Groups with no restriction row for the tier are fully visible.
func (c *Catalog) GroupPolicy(group string, tier types.Tier) GroupPolicy {
	row, ok := c.visibility[group]
	if !ok {
		// Unknown group names are not served at any tier.
		return hidden
	}
	if p, ok := row[c.Canonical(tier)]; ok {
		return p
	}
	return full
}
