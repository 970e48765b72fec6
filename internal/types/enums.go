package types

// Tier identifies the subscription tier for a workspace.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierBusiness     Tier = "business"
	TierEnterprise   Tier = "enterprise"
)

// SubscriptionStatus represents the state of a workspace's billing subscription.
type SubscriptionStatus string

const (
	SubStatusNone      SubscriptionStatus = ""
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusPastDue   SubscriptionStatus = "past_due"
	SubStatusCancelled SubscriptionStatus = "cancelled"
)

// DomainStatus represents the lifecycle state of a tracked domain.
type DomainStatus string

const (
	DomainStatusActive  DomainStatus = "active"
	DomainStatusParked  DomainStatus = "parked"
	DomainStatusDead    DomainStatus = "dead"
	DomainStatusPending DomainStatus = "pending_enrichment"
)

// AlertType identifies the kind of saved alert rule.
type AlertType string

const (
	AlertNewDomain   AlertType = "new_domain"
	AlertTechChange  AlertType = "tech_change"
	AlertDRChange    AlertType = "dr_change"
	AlertSERPFeature AlertType = "serp_feature"
)

// AllAlertTypes is the fixed set of valid alert types, used by validators.
var AllAlertTypes = []AlertType{AlertNewDomain, AlertTechChange, AlertDRChange, AlertSERPFeature}

// EventType identifies an outbound webhook event.
type EventType string

const (
	EventDomainCreated EventType = "domain.created"
	EventDomainUpdated EventType = "domain.updated"
	EventAlertFired    EventType = "alert.triggered"
	EventWebhookTest   EventType = "webhook.test"
)

// DeliveryStatus enumerates terminal and intermediate states of a webhook
// delivery attempt.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDead      DeliveryStatus = "dead_lettered"
)

// QuotaKind identifies which metered resource a quota failure refers to.
type QuotaKind string

const (
	QuotaLookups       QuotaKind = "lookups"
	QuotaExportCredits QuotaKind = "export_credits"
	QuotaAPICalls      QuotaKind = "api_calls"
	QuotaAlerts        QuotaKind = "alerts"
)

// FeatureFlag names a boolean capability on a tier.
type FeatureFlag string

const (
	FeatureExportCSV      FeatureFlag = "can_export_csv"
	FeatureAPI            FeatureFlag = "can_use_api"
	FeatureWebhooks       FeatureFlag = "can_use_webhooks"
	FeatureWhiteLabel     FeatureFlag = "can_white_label"
	FeatureShareWorkspace FeatureFlag = "can_share_workspace"
	FeatureDailyTrending  FeatureFlag = "daily_trending"
)

// AgentKind identifies an enrichment agent and its dedicated work queue.
type AgentKind string

const (
	AgentKeywordMiner     AgentKind = "keyword_miner"
	AgentSERPDiscovery    AgentKind = "serp_discovery"
	AgentDomainClassifier AgentKind = "domain_classifier"
	AgentSEOMetrics       AgentKind = "seo_metrics"
	AgentTechStack        AgentKind = "tech_stack"
	AgentIntentScoring    AgentKind = "intent_scoring"
	AgentChangeDetection  AgentKind = "change_detection"
)

// AllAgentKinds lists every agent queue in pipeline order.
var AllAgentKinds = []AgentKind{
	AgentKeywordMiner,
	AgentSERPDiscovery,
	AgentDomainClassifier,
	AgentSEOMetrics,
	AgentTechStack,
	AgentIntentScoring,
	AgentChangeDetection,
}
