// Package config defines the global configuration structure for the CartoGraph
// platform. Configuration is loaded once at process initialization and is
// immutable thereafter; components receive only the config subsets they need
// through their constructors, never ambient globals.
package config

import (
	"time"

	"cartograph/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the CartoGraph platform.
// It is populated once during process initialization and never modified.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"cartograph"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Billing   BillingConfig
	Webhook   WebhookConfig
	Providers ProviderConfig
	Scoring   ScoringConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for checkout redirects (no trailing slash)
	AppBaseURL string `envconfig:"APP_BASE_URL" validate:"required,url"`

	CORSAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
// There is one SQS queue per enrichment agent plus the webhook delivery queue
// and a shared dead-letter queue, so each channel scales independently.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-west-2"`

	AgentQueueURLs  map[string]string `envconfig:"SQS_AGENT_QUEUES" validate:"required"` // agent kind -> queue URL
	WebhookQueueURL string            `envconfig:"SQS_WEBHOOK_DELIVERY" validate:"required,url"`
	DeadLetterURL   string            `envconfig:"SQS_DLQ" validate:"required,url"`
	MetricNamespace string            `envconfig:"METRIC_NAMESPACE" default:"CartoGraph"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe integration credentials and the price→tier map.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	PriceStarterMonthly    string `envconfig:"STRIPE_PRICE_STARTER_MONTHLY"`
	PriceStarterAnnual     string `envconfig:"STRIPE_PRICE_STARTER_ANNUAL"`
	PriceProMonthly        string `envconfig:"STRIPE_PRICE_PRO_MONTHLY"`
	PriceProAnnual         string `envconfig:"STRIPE_PRICE_PRO_ANNUAL"`
	PriceProFounding       string `envconfig:"STRIPE_PRICE_PRO_FOUNDING"`
	PriceBusinessMonthly   string `envconfig:"STRIPE_PRICE_BUSINESS_MONTHLY"`
	PriceBusinessAnnual    string `envconfig:"STRIPE_PRICE_BUSINESS_ANNUAL"`
	PriceEnterpriseMonthly string `envconfig:"STRIPE_PRICE_ENTERPRISE_MONTHLY"`

	// FoundingMemberCap is the global seat limit for the discounted
	// founding-member annual plan.
	FoundingMemberCap int `envconfig:"FOUNDING_MEMBER_CAP" default:"200"`
}

// PriceToTier builds the Stripe price ID → tier lookup table. Unmapped price
// IDs resolve to the free tier downstream (fail-closed, never an error).
func (b BillingConfig) PriceToTier() map[string]types.Tier {
	m := map[string]types.Tier{
		b.PriceStarterMonthly:    types.TierStarter,
		b.PriceStarterAnnual:     types.TierStarter,
		b.PriceProMonthly:        types.TierProfessional,
		b.PriceProAnnual:         types.TierProfessional,
		b.PriceProFounding:       types.TierProfessional,
		b.PriceBusinessMonthly:   types.TierBusiness,
		b.PriceBusinessAnnual:    types.TierBusiness,
		b.PriceEnterpriseMonthly: types.TierEnterprise,
	}
	delete(m, "") // unset env vars must not map the empty price ID
	return m
}

// WebhookConfig holds settings for outbound webhook delivery.
type WebhookConfig struct {
	UserAgent       string        `envconfig:"WEBHOOK_USER_AGENT" default:"CartoGraph-Webhooks/1.0"`
	DeliveryTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	MaxAttempts     int           `envconfig:"WEBHOOK_MAX_ATTEMPTS" default:"5"`
}

// ProviderConfig holds third-party enrichment provider credentials.
type ProviderConfig struct {
	DataForSEOLogin    string       `envconfig:"DATAFORSEO_LOGIN"`
	DataForSEOPassword SecretString `envconfig:"DATAFORSEO_PASSWORD"`
	MozAPIToken        SecretString `envconfig:"MOZ_API_TOKEN"`
	WappalyzerAPIKey   SecretString `envconfig:"WAPPALYZER_API_KEY"`

	RequestTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
}

// ScoringConfig carries the business-heuristic thresholds used by the
// enrichment agents. The values are given policy from the product brief;
// they are configuration, not something to re-derive.
type ScoringConfig struct {
	DivergenceThreshold float64 `envconfig:"SCORING_DIVERGENCE_THRESHOLD" default:"0.4"`
	LowTrafficCeiling   int     `envconfig:"SCORING_LOW_TRAFFIC_CEILING" default:"100"`
	HighSpamScoreFloor  int     `envconfig:"SCORING_HIGH_SPAM_FLOOR" default:"60"`
	IntentRescoreDays   int     `envconfig:"SCORING_INTENT_RESCORE_DAYS" default:"7"`
}
