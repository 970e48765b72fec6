package tiering

import "cartograph/internal/types"

// Gate enforces quota and feature checks for one workspace tier. Handlers
// construct a Gate per request from the authenticated workspace and call the
// relevant check before doing any work; a failed check surfaces as a typed
// error carrying the limit, current usage and tier so the client can show a
// precise upgrade prompt.
type Gate struct {
	tier   types.Tier
	limits TierLimits
}

// NewGate builds a gate for the given tier. Unknown tiers get free-tier
// limits but keep their original name in error details so the anomaly is
// visible to support.
func NewGate(catalog *Catalog, tier types.Tier) *Gate {
	return &Gate{tier: tier, limits: catalog.Limits(tier)}
}

// RequireFeature fails with ErrCodeFeatureGated when the tier lacks the flag.
func (g *Gate) RequireFeature(flag types.FeatureFlag) error {
	if g.limits.Feature(flag) {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeFeatureGated,
		"this feature is not available on your current plan",
		nil,
		map[string]any{"feature": string(flag), "current_tier": string(g.tier)},
	)
}

// CheckLookupQuota fails once the monthly lookup allowance is exhausted.
// The check runs before the increment, so used == limit means no budget left.
func (g *Gate) CheckLookupQuota(used int) error {
	limit := g.limits.MaxLookupsPerMonth
	if limit == nil || used < *limit {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeQuotaLookups,
		"monthly lookup quota exhausted",
		nil,
		map[string]any{"limit": *limit, "used": used, "current_tier": string(g.tier)},
	)
}

// CheckExportCredits verifies the tier may export at all, then that the
// requested row count fits in the remaining monthly credit budget.
func (g *Gate) CheckExportCredits(used, requested int) error {
	if err := g.RequireFeature(types.FeatureExportCSV); err != nil {
		return err
	}
	limit := g.limits.MaxExportCreditsPerMonth
	if limit == nil || used+requested <= *limit {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeQuotaExportCredits,
		"not enough export credits remaining this cycle",
		nil,
		map[string]any{
			"limit": *limit, "used": used, "requested": requested,
			"current_tier": string(g.tier),
		},
	)
}

// CheckAPIQuota fails once the monthly API call allowance is exhausted.
// Callers gate on FeatureAPI first; this only enforces the numeric cap.
func (g *Gate) CheckAPIQuota(used int) error {
	limit := g.limits.MaxAPICallsPerMonth
	if limit == nil || used < *limit {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeQuotaAPICalls,
		"monthly API call quota exhausted",
		nil,
		map[string]any{"limit": *limit, "used": used, "current_tier": string(g.tier)},
	)
}

// CheckAlertLimit fails when the workspace already holds its maximum number
// of configured alerts.
func (g *Gate) CheckAlertLimit(current int) error {
	limit := g.limits.MaxAlerts
	if limit == nil || current < *limit {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeQuotaAlerts,
		"alert limit reached for your current plan",
		nil,
		map[string]any{"limit": *limit, "current": current, "current_tier": string(g.tier)},
	)
}

// CheckRowLimit rejects result-set requests above the tier's per-view cap.
// Listing endpoints clamp instead (see ClampPageSize); this hard check is for
// exports, where silently truncating would corrupt the deliverable.
func (g *Gate) CheckRowLimit(requested int) error {
	limit := g.limits.MaxRowsPerView
	if limit == nil || requested <= *limit {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeRowLimitExceeded,
		"requested row count exceeds your plan's per-view limit",
		nil,
		map[string]any{"limit": *limit, "requested": requested, "current_tier": string(g.tier)},
	)
}

// ClampPageSize bounds a requested page size to the tier's row cap. Requests
// of zero or less get the default. Clamping never errors: paging past the cap
// is a UX concern, not a violation.
func (g *Gate) ClampPageSize(requested, fallback int) int {
	if requested <= 0 {
		requested = fallback
	}
	if limit := g.limits.MaxRowsPerView; limit != nil && requested > *limit {
		return *limit
	}
	return requested
}

// RowLimit exposes the tier's per-view cap for handlers that stream results.
func (g *Gate) RowLimit() *int { return g.limits.MaxRowsPerView }

// Limits exposes the underlying tier limits (read-only by value).
func (g *Gate) Limits() TierLimits { return g.limits }
