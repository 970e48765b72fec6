package agents

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"cartograph/internal/external"
	"cartograph/internal/types"
)

// Technology functional categories, checked in techCategoryOrder. The
// provider supplies its own taxonomy; this is the simplified grouping the
// technical_layer group exposes.
var techCategoryOrder = []string{
	"ecommerce_platform", "analytics", "email_provider", "live_chat",
	"cdn", "payment_gateway", "marketing_tools",
}

var techCategoryMembers = map[string][]string{
	"ecommerce_platform": {"Shopify", "WooCommerce", "Magento", "BigCommerce", "Squarespace", "Wix", "PrestaShop"},
	"analytics":          {"Google Analytics", "GA4", "Hotjar", "Mixpanel", "Segment", "Plausible"},
	"email_provider":     {"Klaviyo", "Mailchimp", "Omnisend", "Drip", "ActiveCampaign"},
	"live_chat":          {"Zendesk", "Intercom", "LiveChat", "Tidio", "Crisp"},
	"cdn":                {"Cloudflare", "Fastly", "Akamai", "CloudFront"},
	"payment_gateway":    {"Stripe", "PayPal", "Klarna", "Worldpay", "Checkout.com", "Braintree"},
	"marketing_tools":    {"Meta Pixel", "Google Ads", "TikTok Pixel", "Pinterest Tag"},
}

// Platform plan markers, applied once the platform itself is confirmed.
var platformPlanSignals = map[string]map[string]string{
	"Shopify": {
		"plus":  "shopifycloud.com/checkout",
		"basic": "checkout.shopify.com",
	},
}

// TechStack fingerprints a domain's technology profile and writes the
// technical_layer group.
type TechStack struct {
	provider external.TechProvider
	logger   *slog.Logger
	now      func() time.Time
}

func NewTechStack(provider external.TechProvider, logger *slog.Logger) *TechStack {
	if logger == nil {
		logger = slog.Default()
	}
	return &TechStack{provider: provider, logger: logger, now: time.Now}
}

func (a *TechStack) Kind() types.AgentKind { return types.AgentTechStack }

// SetNow overrides the clock for testing.
func (a *TechStack) SetNow(fn func() time.Time) { a.now = fn }

func (a *TechStack) Run(ctx context.Context, task types.EnrichmentTask) Result {
	if task.Domain == "" {
		return Fatal("no_domain_on_task")
	}

	fp, err := a.provider.TechStack(ctx, task.Domain)
	if err != nil {
		return classifyProviderError(a.Kind(), task.Attempt, err)
	}

	names := make([]string, 0, len(fp.Technologies))
	platform := ""
	platformConfidence := 0.0
	for _, tech := range fp.Technologies {
		names = append(names, tech.Name)
		if isPlatformTech(tech.Name) && tech.Confidence > platformConfidence {
			platform = tech.Name
			platformConfidence = tech.Confidence
		}
	}

	blob := types.JSONMap{
		"technologies":             names,
		"technology_count":         len(names),
		"categorised":              categoriseTech(names),
		"detected_via":             "wappalyzer",
		"as_of":                    a.now().UTC().Format(time.RFC3339),
		"zero_tech_flagged":        len(names) == 0,
		"no_ecom_platform_flagged": platform == "",
	}
	if platform != "" {
		blob["platform"] = platform
		blob["platform_confidence"] = platformConfidence
		if plan := detectPlatformPlan(platform, names); plan != "" {
			blob["platform_plan"] = plan
		}
	}

	if len(names) == 0 {
		a.logger.WarnContext(ctx, "zero technologies detected",
			"task_id", task.TaskID, "domain", task.Domain)
	}
	a.logger.InfoContext(ctx, "tech stack analysed",
		"task_id", task.TaskID, "domain", task.Domain,
		"platform", platform, "tech_count", len(names))

	return Ok(map[string]types.JSONMap{"technical_layer": blob})
}

// categoriseTech groups technology names into functional categories,
// dropping categories with no members present.
func categoriseTech(technologies []string) map[string][]string {
	out := map[string][]string{}
	for _, cat := range techCategoryOrder {
		for _, tech := range technologies {
			if matchesCategory(tech, techCategoryMembers[cat]) {
				out[cat] = append(out[cat], tech)
			}
		}
	}
	return out
}

func matchesCategory(tech string, members []string) bool {
	lower := strings.ToLower(tech)
	for _, m := range members {
		ml := strings.ToLower(m)
		if lower == ml || strings.Contains(lower, ml) {
			return true
		}
	}
	return false
}

func isPlatformTech(tech string) bool {
	return matchesCategory(tech, techCategoryMembers["ecommerce_platform"])
}

// detectPlatformPlan infers the platform tier from technology markers.
func detectPlatformPlan(platform string, technologies []string) string {
	for name, signals := range platformPlanSignals {
		if !strings.EqualFold(name, platform) {
			continue
		}
		for _, plan := range []string{"plus", "basic"} {
			marker, ok := signals[plan]
			if !ok {
				continue
			}
			for _, tech := range technologies {
				if strings.Contains(strings.ToLower(tech), strings.ToLower(marker)) {
					return plan
				}
			}
		}
	}
	return ""
}
