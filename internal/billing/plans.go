// Package billing keeps workspace state in sync with Stripe and serves the
// public plan catalogue. It is deliberately thin: tier limits and field
// masking live in the tiering package, and this package never duplicates
// them.
package billing

import (
	"cartograph/internal/config"
	"cartograph/internal/types"
)

// PlanLimitsSummary is the quota block shown on the pricing page. Nil means
// unlimited, mirroring the tiering catalogue.
type PlanLimitsSummary struct {
	DomainLookups *int `json:"domain_lookups"`
	RowsPerView   *int `json:"rows_per_view"`
	CSVCredits    *int `json:"csv_credits"`
	APICalls      *int `json:"api_calls"`
	Alerts        *int `json:"alerts"`
}

// FoundingOffer describes the capped founding-member discount on the annual
// Professional plan.
type FoundingOffer struct {
	PriceAnnualGBP int    `json:"price_annual_gbp"`
	StripePriceID  string `json:"stripe_price_id,omitempty"`
	Cap            int    `json:"cap"`
	Description    string `json:"description"`
}

// PlanInfo is one entry of the public plan catalogue.
type PlanInfo struct {
	Tier           types.Tier        `json:"tier"`
	Name           string            `json:"name"`
	PriceMonthlyGBP int              `json:"price_monthly_gbp"`
	PriceAnnualGBP *int              `json:"price_annual_gbp"` // nil = custom pricing
	Description    string            `json:"description"`
	StripeMonthly  string            `json:"stripe_price_monthly,omitempty"`
	StripeAnnual   string            `json:"stripe_price_annual,omitempty"`
	Limits         PlanLimitsSummary `json:"limits"`
	Highlights     []string          `json:"highlights"`
	Founding       *FoundingOffer    `json:"founding_member,omitempty"`
}

func gbp(n int) *int { return &n }

// Catalogue builds the public plan list with the configured Stripe price IDs
// attached. Prices are display copy; enforcement reads the tiering catalogue.
func Catalogue(cfg config.BillingConfig) []PlanInfo {
	return []PlanInfo{
		{
			Tier:            types.TierFree,
			Name:            "Free",
			PriceMonthlyGBP: 0,
			PriceAnnualGBP:  gbp(0),
			Description:     "Get started with UK ecommerce intelligence",
			Limits: PlanLimitsSummary{
				DomainLookups: gbp(25), RowsPerView: gbp(100),
				CSVCredits: gbp(0), APICalls: gbp(0), Alerts: gbp(0),
			},
			Highlights: []string{
				"25 domain lookups/month",
				"8 data fields per domain",
				"100 rows per table view",
				"Community support",
			},
		},
		{
			Tier:            types.TierStarter,
			Name:            "Starter",
			PriceMonthlyGBP: 39,
			PriceAnnualGBP:  gbp(33),
			Description:     "For freelancers and small agencies",
			StripeMonthly:   cfg.PriceStarterMonthly,
			StripeAnnual:    cfg.PriceStarterAnnual,
			Limits: PlanLimitsSummary{
				DomainLookups: gbp(500), RowsPerView: gbp(5000),
				CSVCredits: gbp(50), APICalls: gbp(0), Alerts: gbp(5),
			},
			Highlights: []string{
				"500 lookups/month",
				"20 data fields per domain",
				"5,000 rows per view",
				"50 CSV export credits",
				"5 saved alerts",
				"Email support",
			},
		},
		{
			Tier:            types.TierProfessional,
			Name:            "Professional",
			PriceMonthlyGBP: 119,
			PriceAnnualGBP:  gbp(99),
			Description:     "For growing ecommerce teams",
			StripeMonthly:   cfg.PriceProMonthly,
			StripeAnnual:    cfg.PriceProAnnual,
			Limits: PlanLimitsSummary{
				RowsPerView: gbp(50000), CSVCredits: gbp(500),
				APICalls: gbp(10000), Alerts: gbp(50),
			},
			Highlights: []string{
				"Unlimited lookups",
				"All data fields",
				"50,000 rows per view",
				"500 CSV export credits",
				"API access (10K calls/mo)",
				"50 saved alerts",
				"Webhooks",
				"Priority support",
			},
			Founding: &FoundingOffer{
				PriceAnnualGBP: 60,
				StripePriceID:  cfg.PriceProFounding,
				Cap:            cfg.FoundingMemberCap,
				Description:    "Lock in 50% off annual Professional for life. Limited seats.",
			},
		},
		{
			Tier:            types.TierBusiness,
			Name:            "Business",
			PriceMonthlyGBP: 279,
			PriceAnnualGBP:  gbp(232),
			Description:     "For agencies and enterprise teams",
			StripeMonthly:   cfg.PriceBusinessMonthly,
			StripeAnnual:    cfg.PriceBusinessAnnual,
			Limits: PlanLimitsSummary{
				RowsPerView: gbp(250000), CSVCredits: gbp(2000),
				APICalls: gbp(50000),
			},
			Highlights: []string{
				"Unlimited lookups",
				"250,000 rows per view",
				"2,000 CSV export credits",
				"API access (50K calls/mo)",
				"Historical data (12 months)",
				"Unlimited alerts",
				"SLA support",
			},
		},
		{
			Tier:            types.TierEnterprise,
			Name:            "Enterprise",
			PriceMonthlyGBP: 749,
			Description:     "For large teams with custom needs",
			StripeMonthly:   cfg.PriceEnterpriseMonthly,
			Limits:          PlanLimitsSummary{},
			Highlights: []string{
				"Everything in Business",
				"Unlimited everything",
				"Full history",
				"Custom SLA",
				"Dedicated success manager",
				"Custom integrations",
			},
		},
	}
}
