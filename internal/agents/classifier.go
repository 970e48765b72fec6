package agents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"cartograph/internal/types"
)

// Checkout and cart URL fragments.
var checkoutPattern = regexp.MustCompile(`(?i)/(cart|checkout|basket|bag|order|buy|purchase|shop|store)`)

// Ecommerce platform fingerprints detectable from homepage HTML. Checked in
// platformOrder; the first match wins.
var platformOrder = []string{
	"shopify", "woocommerce", "magento", "bigcommerce",
	"squarespace", "wix", "prestashop",
}

var platformSignatures = map[string][]string{
	"shopify": {
		"cdn.shopify.com",
		"myshopify.com",
		"shopify.theme",
		"window.shopify",
		"/checkouts/",
	},
	"woocommerce": {
		"woocommerce",
		"wc-ajax",
		"add-to-cart",
		"wc_add_to_cart_params",
	},
	"magento": {
		"mage.cookies",
		"magento_ui",
		"mage/translate",
		"/checkout/cart/add",
	},
	"bigcommerce": {
		"cdn11.bigcommerce.com",
		"bigcommerce.callbacks",
		"/cart.php",
	},
	"squarespace": {
		"squarespace-cdn.com",
		"static1.squarespace.com",
		"data-content-field",
	},
	"wix": {
		"static.wixstatic.com",
		"wix-code-sdk",
		"corvid-sdk",
	},
	"prestashop": {
		"prestashop",
		"/module/aeuc_front/",
		"/index.php?controller=cart",
	},
}

var productSchemaMarkers = []string{
	`"@type":"product"`,
	`"@type": "product"`,
	`type="application/ld+json"`,
	`itemtype="https://schema.org/product"`,
	`itemtype="http://schema.org/product"`,
}

var paymentMarkers = []string{
	"stripe.com/v3",
	"js.braintreegateway.com",
	"paypal.com/sdk",
	"klarna.com/uk",
	"sagepay",
	"worldpay",
	"checkout.com",
}

// Signals that suggest the site is not a store, checked in exclusionOrder.
var exclusionOrder = []string{"is_news_site", "is_directory", "is_blog_only", "is_forum"}

var exclusionSignals = map[string][]string{
	"is_news_site": {`<meta name="news_keywords"`, "article:published_time", `og:type" content="article"`},
	"is_directory": {"/directory/", "/listing/", "business-directory", "find-a-"},
	"is_blog_only": {"wp-content/themes/", "blogspot.com", "medium.com"},
	"is_forum":     {"vbulletin", "phpbb", "xenforo", "discourse"},
}

const (
	ecommerceConfidenceFloor = 0.4
	maxExclusionsForVerdict  = 2
	maxHomepageBytes         = 512 * 1024
)

// HomepageSnapshot is the raw material the classifier works from.
type HomepageSnapshot struct {
	HTML       string
	Headers    http.Header
	SampleURLs []string
}

// HomepageFetcher retrieves a domain's homepage for classification.
type HomepageFetcher interface {
	FetchHomepage(ctx context.Context, domain string) (*HomepageSnapshot, error)
}

// HTTPHomepageFetcher fetches https://<domain>/ with a bounded body read.
type HTTPHomepageFetcher struct {
	Client    *http.Client
	UserAgent string
}

func (f *HTTPHomepageFetcher) FetchHomepage(ctx context.Context, domain string) (*HomepageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+domain+"/", nil)
	if err != nil {
		return nil, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHomepageBytes))
	if err != nil {
		return nil, err
	}
	return &HomepageSnapshot{HTML: string(body), Headers: resp.Header}, nil
}

// Classification is the verdict for one domain.
type Classification struct {
	IsEcommerce bool     `json:"is_ecommerce"`
	Confidence  float64  `json:"confidence"`
	Platform    string   `json:"platform,omitempty"`
	Evidence    []string `json:"evidence"`
	Exclusions  []string `json:"exclusions_triggered"`
}

// DomainClassifier decides whether a discovered domain is a UK ecommerce
// store, from homepage content plus the SERP evidence on the task.
type DomainClassifier struct {
	fetcher HomepageFetcher
	logger  *slog.Logger
}

func NewDomainClassifier(fetcher HomepageFetcher, logger *slog.Logger) *DomainClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DomainClassifier{fetcher: fetcher, logger: logger}
}

func (a *DomainClassifier) Kind() types.AgentKind { return types.AgentDomainClassifier }

func (a *DomainClassifier) Run(ctx context.Context, task types.EnrichmentTask) Result {
	if task.Domain == "" {
		return Fatal("no_domain_on_task")
	}

	snapshot, err := a.fetcher.FetchHomepage(ctx, task.Domain)
	if err != nil {
		return Retry(fmt.Sprintf("homepage_unreachable: %v", err), Backoff(a.Kind(), task.Attempt))
	}

	serp := evidenceMap(task.Evidence, "serp")
	verdict := Classify(snapshot, serp)

	a.logger.InfoContext(ctx, "domain classified",
		"task_id", task.TaskID,
		"domain", task.Domain,
		"is_ecommerce", verdict.IsEcommerce,
		"confidence", verdict.Confidence,
	)

	res := Ok(map[string]types.JSONMap{
		"ecommerce": {
			"is_ecommerce":         verdict.IsEcommerce,
			"confidence":           verdict.Confidence,
			"platform":             verdict.Platform,
			"evidence":             verdict.Evidence,
			"exclusions_triggered": verdict.Exclusions,
		},
	})

	// Only confirmed stores flow on to the metered enrichment agents.
	if verdict.IsEcommerce {
		res.Next = []types.EnrichmentTask{
			{TraceID: task.TraceID, Agent: types.AgentSEOMetrics, DomainID: task.DomainID, Domain: task.Domain},
			{TraceID: task.TraceID, Agent: types.AgentTechStack, DomainID: task.DomainID, Domain: task.Domain},
		}
	}
	return res
}

// Classify scores the homepage and SERP signals. Confidence is
// clamp(positives*0.2 - exclusions*0.25, 0, 1); a platform fingerprint and
// the schema-plus-checkout dual signal each add an extra positive point.
func Classify(snapshot *HomepageSnapshot, serp types.JSONMap) Classification {
	var evidence, exclusions []string
	html := strings.ToLower(snapshot.HTML)

	platform := ""
	for _, name := range platformOrder {
		if containsAny(html, platformSignatures[name]) {
			platform = name
			break
		}
	}
	if platform != "" {
		evidence = append(evidence, platform+"_platform_fingerprint")
	}

	poweredBy := strings.ToLower(snapshot.Headers.Get("X-Powered-By"))
	if strings.Contains(poweredBy, "shopify") || strings.Contains(poweredBy, "woocommerce") {
		evidence = append(evidence, "platform_detected_via_header")
	}

	if containsAny(html, productSchemaMarkers) {
		evidence = append(evidence, "product_schema_detected")
	}

	hasCheckout := checkoutPattern.MatchString(html)
	for _, u := range snapshot.SampleURLs {
		if hasCheckout {
			break
		}
		hasCheckout = checkoutPattern.MatchString(u)
	}
	if hasCheckout {
		evidence = append(evidence, "checkout_path_detected")
	}

	if containsAny(html, paymentMarkers) {
		evidence = append(evidence, "payment_provider_script_detected")
	}

	features := evidenceMap(serp, "features")
	if evidenceBool(features, "shopping_carousel") {
		evidence = append(evidence, "commercial_serp_presence_shopping_carousel")
	}
	if pos, ok := evidenceInt(serp, "position"); ok && pos <= 10 {
		evidence = append(evidence, "commercial_serp_presence_top10")
	}

	for _, name := range exclusionOrder {
		if containsAny(html, exclusionSignals[name]) {
			exclusions = append(exclusions, name)
		}
	}

	positives := len(evidence)
	if platform != "" {
		positives++
	}
	if contains(evidence, "product_schema_detected") && contains(evidence, "checkout_path_detected") {
		positives++
	}

	confidence := float64(positives)*0.2 - float64(len(exclusions))*0.25
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	return Classification{
		IsEcommerce: confidence >= ecommerceConfidenceFloor && len(exclusions) < maxExclusionsForVerdict,
		Confidence:  confidence,
		Platform:    platform,
		Evidence:    evidence,
		Exclusions:  exclusions,
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
