package agents

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"cartograph/internal/types"
)

// Trending score tuning. The score sits on a 0-10 scale around a neutral
// baseline of 5; crossing the upper threshold (or its mirror on the way
// down) fires an alert event.
const (
	trendingBaseline       = 5.0
	trendingMax            = 10.0
	trendingAlertThreshold = 6.0
	trafficGrowthAlertPct  = 0.1
)

// ChangeDelta is the month-over-month comparison for one domain.
type ChangeDelta struct {
	TrafficDeltaAbsolute *int64   `json:"traffic_delta_absolute,omitempty"`
	TrafficDeltaPercent  *float64 `json:"traffic_delta_percent,omitempty"`
	KeywordWins          int      `json:"keyword_wins_last_30d"`
	KeywordLosses        int      `json:"keyword_losses_last_30d"`
	FeatureGains         []string `json:"feature_gains_last_30d"`
	FeatureLosses        []string `json:"feature_losses_last_30d"`
	TrendingScore        float64  `json:"trending_score"`
	AlertTriggered       bool     `json:"alert_triggered"`
	AlertReason          string   `json:"alert_reason,omitempty"`
}

// ChangeDetection compares the current and prior enrichment snapshots on
// the task's evidence and writes the change_tracking group. Significant
// moves emit domain.updated and alert events for the notification fan-out.
type ChangeDetection struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewChangeDetection(logger *slog.Logger) *ChangeDetection {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeDetection{logger: logger, now: time.Now}
}

func (a *ChangeDetection) Kind() types.AgentKind { return types.AgentChangeDetection }

// SetNow overrides the clock for testing.
func (a *ChangeDetection) SetNow(fn func() time.Time) { a.now = fn }

func (a *ChangeDetection) Run(ctx context.Context, task types.EnrichmentTask) Result {
	if task.Domain == "" {
		return Fatal("no_domain_on_task")
	}

	current := evidenceMap(task.Evidence, "current_snapshot")
	prior := evidenceMap(task.Evidence, "prior_snapshot")
	if current == nil || prior == nil {
		return Fatal("missing_snapshots_in_evidence")
	}

	delta := CompareSnapshots(current, prior)

	blob := types.JSONMap{
		"keyword_wins_last_30d":   delta.KeywordWins,
		"keyword_losses_last_30d": delta.KeywordLosses,
		"feature_gains_last_30d":  delta.FeatureGains,
		"feature_losses_last_30d": delta.FeatureLosses,
		"trending_score":          delta.TrendingScore,
		"alert_triggered":         delta.AlertTriggered,
		"computed_at":             a.now().UTC().Format(time.RFC3339),
	}
	if delta.TrafficDeltaAbsolute != nil {
		blob["traffic_delta_absolute"] = *delta.TrafficDeltaAbsolute
		blob["traffic_delta_percent"] = *delta.TrafficDeltaPercent
	}
	if delta.AlertReason != "" {
		blob["alert_reason"] = delta.AlertReason
	}

	res := Ok(map[string]types.JSONMap{"change_tracking": blob})
	if delta.AlertTriggered {
		res.Events = append(res.Events, OutboundEvent{
			Event: types.EventAlertFired,
			Payload: types.JSONMap{
				"domain_id":      task.DomainID,
				"domain":         task.Domain,
				"trending_score": delta.TrendingScore,
				"reason":         delta.AlertReason,
			},
		})
	}

	a.logger.InfoContext(ctx, "change delta computed",
		"task_id", task.TaskID, "domain", task.Domain,
		"trending_score", delta.TrendingScore,
		"wins", delta.KeywordWins, "losses", delta.KeywordLosses)

	return res
}

// CompareSnapshots computes traffic, keyword-position and SERP-feature
// deltas between two monthly snapshots.
func CompareSnapshots(current, prior types.JSONMap) ChangeDelta {
	delta := ChangeDelta{
		FeatureGains:  []string{},
		FeatureLosses: []string{},
	}

	currTraffic, currOK := evidenceFloat(current, "organic_traffic_estimate")
	priorTraffic, priorOK := evidenceFloat(prior, "organic_traffic_estimate")
	if currOK && priorOK && priorTraffic > 0 {
		absolute := int64(currTraffic - priorTraffic)
		percent := math.Round((currTraffic-priorTraffic)/priorTraffic*10000) / 10000
		delta.TrafficDeltaAbsolute = &absolute
		delta.TrafficDeltaPercent = &percent
	}

	priorPositions := keywordPositions(prior)
	for query, currPos := range keywordPositions(current) {
		priorPos, ok := priorPositions[query]
		if !ok {
			priorPos = 100
		}
		switch {
		case currPos < priorPos:
			delta.KeywordWins++
		case currPos > priorPos:
			delta.KeywordLosses++
		}
	}

	currFeatures := evidenceMap(current, "serp_features")
	priorFeatures := evidenceMap(prior, "serp_features")
	for _, feat := range unionKeys(currFeatures, priorFeatures) {
		currVal := evidenceBool(currFeatures, feat)
		priorVal := evidenceBool(priorFeatures, feat)
		switch {
		case currVal && !priorVal:
			delta.FeatureGains = append(delta.FeatureGains, feat)
		case !currVal && priorVal:
			delta.FeatureLosses = append(delta.FeatureLosses, feat)
		}
	}

	var trafficPct *float64
	if delta.TrafficDeltaPercent != nil {
		pct := *delta.TrafficDeltaPercent * 100
		trafficPct = &pct
	}
	delta.TrendingScore = trendingScore(trafficPct, delta.KeywordWins, len(delta.FeatureGains))

	switch {
	case delta.TrendingScore >= trendingAlertThreshold:
		delta.AlertTriggered = true
		delta.AlertReason = risingAlertReason(delta)
	case delta.TrendingScore <= trendingMax-trendingAlertThreshold:
		delta.AlertTriggered = true
		delta.AlertReason = fmt.Sprintf("declining_score_%.2f", delta.TrendingScore)
	}

	return delta
}

// trendingScore applies the weighted formula around the neutral baseline:
// each traffic percentage point contributes 0.03, each keyword win 0.1 and
// each gained SERP feature 0.5, clamped to [0, 10].
func trendingScore(trafficDeltaPct *float64, keywordWins, featureGains int) float64 {
	score := trendingBaseline
	if trafficDeltaPct != nil {
		score += *trafficDeltaPct * 0.03
	}
	score += float64(keywordWins) * 0.1
	score += float64(featureGains) * 0.5

	score = math.Max(0, math.Min(trendingMax, score))
	return math.Round(score*100) / 100
}

func risingAlertReason(delta ChangeDelta) string {
	var reasons []string
	if delta.TrafficDeltaPercent != nil && *delta.TrafficDeltaPercent > trafficGrowthAlertPct {
		reasons = append(reasons, fmt.Sprintf("traffic_up_%.0f%%", *delta.TrafficDeltaPercent*100))
	}
	if len(delta.FeatureGains) > 0 {
		reasons = append(reasons, "new_serp_features_"+strings.Join(delta.FeatureGains, ","))
	}
	if len(reasons) == 0 {
		return "trending_score_threshold"
	}
	return strings.Join(reasons, "; ")
}

// keywordPositions flattens a snapshot's top_keywords list into a
// query -> position map, defaulting missing positions to 100.
func keywordPositions(snapshot types.JSONMap) map[string]int {
	out := map[string]int{}
	if snapshot == nil {
		return out
	}
	list, _ := snapshot["top_keywords"].([]any)
	for _, entry := range list {
		row, ok := entry.(map[string]any)
		if !ok {
			if typed, okTyped := entry.(types.JSONMap); okTyped {
				row = map[string]any(typed)
				ok = true
			}
		}
		if !ok {
			continue
		}
		query, _ := row["query"].(string)
		if query == "" {
			continue
		}
		pos := 100
		if p, okPos := evidenceFloat(types.JSONMap(row), "position"); okPos {
			pos = int(p)
		}
		out[query] = pos
	}
	return out
}

func unionKeys(a, b types.JSONMap) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
