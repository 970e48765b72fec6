package scheduler

import (
	"context"
	"log/slog"
	"time"

	"cartograph/internal/types"
)

const (
	// scanWindow is how far back one alert scan looks. EventBridge runs the
	// scan more often than this, so consecutive windows overlap rather than
	// leave gaps; the per-alert trigger is idempotent within a window.
	scanWindow = 24 * time.Hour

	// defaultScanLimit bounds the change feed for one run.
	defaultScanLimit = 1000

	// maxMatchesPerAlert caps the match list embedded in one alert payload.
	maxMatchesPerAlert = 25
)

// AlertSource reads and updates alert rules. Satisfied by db.AlertRepository.
type AlertSource interface {
	ListActiveByType(ctx context.Context, alertType types.AlertType) ([]*types.Alert, error)
	MarkTriggered(ctx context.Context, alertID string) error
}

// ChangeSource feeds recently changed domains. Satisfied by
// db.DomainRepository.
type ChangeSource interface {
	ListChangedSince(ctx context.Context, since time.Time, limit int) ([]*types.Domain, error)
}

// EndpointSource lists a workspace's webhook endpoints. Satisfied by
// db.WebhookRepository.
type EndpointSource interface {
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*types.WebhookEndpoint, error)
}

// DeliveryQueue enqueues webhook delivery jobs. Satisfied by
// queue.WebhookPublisher.
type DeliveryQueue interface {
	Publish(ctx context.Context, job types.WebhookJob, delay time.Duration) error
}

// ScanStats summarizes one alert scan for logging and the Lambda response.
type ScanStats struct {
	ChangedDomains  int `json:"changed_domains"`
	AlertsEvaluated int `json:"alerts_evaluated"`
	AlertsTriggered int `json:"alerts_triggered"`
	JobsEnqueued    int `json:"jobs_enqueued"`
}

// AlertScanner matches recent domain changes against active alert rules and
// fans out alert.triggered deliveries to the owning workspaces.
type AlertScanner struct {
	alerts    AlertSource
	changes   ChangeSource
	endpoints EndpointSource
	jobs      DeliveryQueue
	logger    *slog.Logger
	now       func() time.Time
}

// NewAlertScanner wires an AlertScanner.
func NewAlertScanner(
	alerts AlertSource,
	changes ChangeSource,
	endpoints EndpointSource,
	jobs DeliveryQueue,
	logger *slog.Logger,
) *AlertScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertScanner{
		alerts:    alerts,
		changes:   changes,
		endpoints: endpoints,
		jobs:      jobs,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNow overrides the clock for testing.
func (s *AlertScanner) SetNow(fn func() time.Time) { s.now = fn }

// Scan runs one pass: classify every domain changed inside the window into
// the alert types its change satisfies, then evaluate each active alert of
// those types against the matching domains.
func (s *AlertScanner) Scan(ctx context.Context, ref time.Time, limit int) (ScanStats, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	since := ref.Add(-scanWindow)

	changed, err := s.changes.ListChangedSince(ctx, since, limit)
	if err != nil {
		return ScanStats{}, err
	}
	stats := ScanStats{ChangedDomains: len(changed)}
	if len(changed) == 0 {
		return stats, nil
	}

	// Bucket the changed domains by the alert types they satisfy.
	byType := make(map[types.AlertType][]*types.Domain)
	for _, d := range changed {
		for _, t := range classifyChange(d, since) {
			byType[t] = append(byType[t], d)
		}
	}

	for alertType, domains := range byType {
		alerts, err := s.alerts.ListActiveByType(ctx, alertType)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to list alerts",
				"alert_type", string(alertType), "error", err)
			continue
		}

		for _, alert := range alerts {
			stats.AlertsEvaluated++

			matches := matchDomains(alert, domains)
			if len(matches) == 0 {
				continue
			}

			if err := s.trigger(ctx, alert, matches, &stats); err != nil {
				s.logger.ErrorContext(ctx, "failed to trigger alert",
					"alert_id", alert.AlertID, "error", err)
			}
		}
	}

	s.logger.InfoContext(ctx, "alert scan complete",
		"changed_domains", stats.ChangedDomains,
		"alerts_evaluated", stats.AlertsEvaluated,
		"alerts_triggered", stats.AlertsTriggered,
		"jobs_enqueued", stats.JobsEnqueued)
	return stats, nil
}

// trigger marks the alert and enqueues one delivery per subscribed endpoint
// in the alert's workspace.
func (s *AlertScanner) trigger(ctx context.Context, alert *types.Alert, matches []*types.Domain, stats *ScanStats) error {
	if err := s.alerts.MarkTriggered(ctx, alert.AlertID); err != nil {
		return err
	}
	stats.AlertsTriggered++

	if len(matches) > maxMatchesPerAlert {
		matches = matches[:maxMatchesPerAlert]
	}
	summaries := make([]types.JSONMap, 0, len(matches))
	for _, d := range matches {
		summaries = append(summaries, types.JSONMap{
			"domain_id": d.DomainID,
			"domain":    d.Domain,
			"status":    string(d.Status),
		})
	}
	payload := types.JSONMap{
		"alert_id":   alert.AlertID,
		"alert_name": alert.Name,
		"alert_type": string(alert.Type),
		"matches":    summaries,
	}

	endpoints, err := s.endpoints.ListByWorkspace(ctx, alert.WorkspaceID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	for _, ep := range endpoints {
		if !ep.IsActive || !ep.SubscribesTo(types.EventAlertFired) {
			continue
		}
		job := types.WebhookJob{
			WebhookID:  ep.WebhookID,
			Event:      types.EventAlertFired,
			Payload:    payload,
			EnqueuedAt: now,
		}
		if err := s.jobs.Publish(ctx, job, 0); err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue alert delivery",
				"alert_id", alert.AlertID, "webhook_id", ep.WebhookID, "error", err)
			continue
		}
		stats.JobsEnqueued++
	}
	return nil
}

// classifyChange maps one changed domain onto the alert types its change
// satisfies, reading the timestamps the agents stamp into their groups.
func classifyChange(d *types.Domain, since time.Time) []types.AlertType {
	var out []types.AlertType

	if !d.FirstSeenAt.Before(since) {
		out = append(out, types.AlertNewDomain)
	}
	if groupStampedSince(d.Groups["technical_layer"], "as_of", since) {
		out = append(out, types.AlertTechChange)
	}

	tracking := d.Groups["change_tracking"]
	if groupStampedSince(tracking, "computed_at", since) {
		if flag, _ := tracking["alert_triggered"].(bool); flag {
			out = append(out, types.AlertDRChange)
		}
		if serpFeaturesMoved(tracking) {
			out = append(out, types.AlertSERPFeature)
		}
	}
	return out
}

// groupStampedSince reports whether the group carries an RFC3339 timestamp
// under key that falls inside the window.
func groupStampedSince(group types.JSONMap, key string, since time.Time) bool {
	if group == nil {
		return false
	}
	raw, _ := group[key].(string)
	if raw == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return !ts.Before(since)
}

// serpFeaturesMoved reports whether the last change-detection run saw any
// SERP feature gains or losses. Lists round-trip through JSONB as []any.
func serpFeaturesMoved(tracking types.JSONMap) bool {
	for _, key := range []string{"feature_gains_last_30d", "feature_losses_last_30d"} {
		switch v := tracking[key].(type) {
		case []any:
			if len(v) > 0 {
				return true
			}
		case []string:
			if len(v) > 0 {
				return true
			}
		}
	}
	return false
}

// matchDomains filters candidate domains through the alert's filter
// criteria. Supported criteria mirror the list filters: platform, country
// and minimum domain rating. Unknown keys are ignored.
func matchDomains(alert *types.Alert, domains []*types.Domain) []*types.Domain {
	var out []*types.Domain
	for _, d := range domains {
		if matchesCriteria(alert.FilterCriteria, d) {
			out = append(out, d)
		}
	}
	return out
}

func matchesCriteria(criteria types.JSONMap, d *types.Domain) bool {
	if len(criteria) == 0 {
		return true
	}

	if want, _ := criteria["country"].(string); want != "" && want != d.Country {
		return false
	}
	if want, _ := criteria["platform"].(string); want != "" {
		got, _ := d.Groups["ecommerce"]["platform"].(string)
		if got != want {
			got, _ = d.Groups["technical_layer"]["platform"].(string)
		}
		if got != want {
			return false
		}
	}
	if minRating, ok := criteria["min_domain_rating"].(float64); ok {
		rating, has := d.Groups["seo_metrics"]["domain_rating"].(float64)
		if !has || rating < minRating {
			return false
		}
	}
	return true
}
