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

// SERP feature weights for the intent score. The weighted sum is capped at
// the highest single weight so SERP presence cannot dominate the score.
var serpFeatureWeights = map[string]float64{
	"shopping_carousel": 3.0,
	"ai_overview":       2.0,
	"featured_snippet":  2.0,
	"sitelinks":         1.5,
	"people_also_ask":   1.0,
	"local_pack":        1.0,
	"image_pack":        0.5,
}

const maxSERPFeatureWeight = 3.0

// maxRawIntentScore is the ceiling of the unnormalised score: modifier
// density (3) + SERP features (3) + product schema (1.5) + paid ads (1) +
// checkout path (1.5) + merchant listing (1).
const maxRawIntentScore = 11.0

// IntentScore is the scored output for one domain.
type IntentScore struct {
	Score           int      `json:"commercial_intent_score"`
	RawScore        float64  `json:"raw_score"`
	ModifierDensity float64  `json:"shopping_modifier_density"`
	Evidence        []string `json:"evidence"`
}

// IntentScoring computes the 1-10 commercial intent score from evidence
// produced by the keyword, SERP, classifier and tech agents. Pure internal
// calculation, no provider calls.
type IntentScoring struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewIntentScoring(logger *slog.Logger) *IntentScoring {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentScoring{logger: logger, now: time.Now}
}

func (a *IntentScoring) Kind() types.AgentKind { return types.AgentIntentScoring }

// SetNow overrides the clock for testing.
func (a *IntentScoring) SetNow(fn func() time.Time) { a.now = fn }

func (a *IntentScoring) Run(ctx context.Context, task types.EnrichmentTask) Result {
	if task.Domain == "" {
		return Fatal("no_domain_on_task")
	}

	scored := ScoreIntent(
		evidenceMap(task.Evidence, "keyword_profile"),
		evidenceMap(task.Evidence, "serp_features"),
		evidenceMap(task.Evidence, "technical_signals"),
	)

	blob := types.JSONMap{
		"commercial_intent_score":   scored.Score,
		"raw_score":                 scored.RawScore,
		"shopping_modifier_density": scored.ModifierDensity,
		"evidence":                  scored.Evidence,
		"scored_at":                 a.now().UTC().Format(time.RFC3339),
	}
	if split := evidenceMap(task.Evidence, "traffic_split"); split != nil {
		blob["percent_traffic_from_intent"] = types.JSONMap{
			"commercial":    floatOrZero(split, "commercial"),
			"transactional": floatOrZero(split, "transactional"),
			"shopping":      floatOrZero(split, "shopping"),
		}
	}

	a.logger.InfoContext(ctx, "intent scored",
		"task_id", task.TaskID, "domain", task.Domain,
		"score", scored.Score, "raw", scored.RawScore)

	return Ok(map[string]types.JSONMap{"intent_layer": blob})
}

// ScoreIntent applies the weighted component formula and normalises the raw
// score onto the 1-10 scale.
func ScoreIntent(keywordProfile, serpFeatures, technicalSignals types.JSONMap) IntentScore {
	var evidence []string
	raw := 0.0

	// Keyword modifier density, weight 3.
	density := modifierDensity(keywordProfile)
	raw += density * 3.0
	if density > 0 {
		evidence = append(evidence, fmt.Sprintf("modifier_density_%.2f", density))
	}

	// SERP feature presence, weighted sum rescaled to a max of 2.
	raw += serpFeatureScore(serpFeatures) * 2.0 / maxSERPFeatureWeight
	if active := activeFeatures(serpFeatures); len(active) > 0 {
		evidence = append(evidence, "serp_features_"+strings.Join(active, "+"))
	}

	for _, sig := range []struct {
		key      string
		weight   float64
		evidence string
	}{
		{"product_schema_detected", 1.5, "product_schema_detected"},
		{"paid_ads_seen", 1.0, "paid_ads_presence"},
		{"checkout_path_detected", 1.5, "checkout_path_detected"},
		{"merchant_listing_eligible", 1.0, "merchant_listing_eligible"},
	} {
		if evidenceBool(technicalSignals, sig.key) {
			raw += sig.weight
			evidence = append(evidence, sig.evidence)
		}
	}

	// Map [0, max] onto [1, 10].
	normalised := raw/maxRawIntentScore*9 + 1
	score := int(math.Round(normalised))
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}

	return IntentScore{
		Score:           score,
		RawScore:        math.Round(raw*10000) / 10000,
		ModifierDensity: math.Round(density*10000) / 10000,
		Evidence:        evidence,
	}
}

// modifierDensity is the fraction of tracked keywords carrying commercial
// modifiers, clamped to 1.
func modifierDensity(keywordProfile types.JSONMap) float64 {
	total, ok := evidenceFloat(keywordProfile, "total_keywords")
	if !ok || total <= 0 {
		return 0
	}
	count, _ := evidenceFloat(keywordProfile, "modifier_keyword_count")
	if count > total {
		return 1
	}
	return count / total
}

// serpFeatureScore sums the weights of present features, capped at the
// highest single weight.
func serpFeatureScore(features types.JSONMap) float64 {
	total := 0.0
	for feature, weight := range serpFeatureWeights {
		if evidenceBool(features, feature) {
			total += weight
		}
	}
	return math.Min(total, maxSERPFeatureWeight)
}

func activeFeatures(features types.JSONMap) []string {
	var active []string
	for feature := range serpFeatureWeights {
		if evidenceBool(features, feature) {
			active = append(active, feature)
		}
	}
	sort.Strings(active)
	return active
}

func floatOrZero(m types.JSONMap, key string) float64 {
	f, _ := evidenceFloat(m, key)
	return f
}
