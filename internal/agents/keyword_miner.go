package agents

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"cartograph/internal/types"
)

// UK commercial intent modifiers, grouped by intent type. Combined with the
// category seed list as modifier + category + geo to form search queries.
var ukIntentModifiers = map[string][]string{
	"transactional": {
		"buy {product} online",
		"buy",
		"order",
		"cheap",
		"discount code",
		"free delivery",
		"next day delivery",
	},
	"commercial": {
		"best",
		"top rated",
		"review",
		"compare",
	},
	"shopping": {
		"sale",
		"deals",
		"offers",
		"price",
	},
}

type seedCategory struct {
	Name      string
	ClusterID string
	Priority  int
}

// Phase-1 seed category list. In production categories come from the UK
// product taxonomy table; the formula is the same either way.
var seedCategories = []seedCategory{
	{"running shoes", "footwear_running", 9},
	{"gym wear", "apparel_activewear", 8},
	{"supplements", "health_supplements", 8},
	{"dog food", "pets_food", 7},
	{"laptop bags", "bags_laptop", 7},
	{"coffee machines", "appliances_coffee", 8},
	{"skincare", "beauty_skincare", 8},
	{"garden furniture", "garden_outdoor", 7},
	{"baby clothes", "baby_clothing", 7},
	{"yoga mats", "fitness_yoga", 6},
}

const defaultMaxKeywords = 1000

// KeywordItem is one generated query with its scoring context.
type KeywordItem struct {
	Keyword       string   `json:"keyword"`
	ClusterID     string   `json:"cluster_id"`
	IntentType    string   `json:"intent_type"`
	PriorityScore int      `json:"priority_score"`
	Modifiers     []string `json:"modifiers_present"`
}

// KeywordMiner generates the UK commercial keyword set and fans the batch
// out to the SERP discovery queue. It makes no provider calls.
type KeywordMiner struct {
	logger *slog.Logger
}

func NewKeywordMiner(logger *slog.Logger) *KeywordMiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordMiner{logger: logger}
}

func (a *KeywordMiner) Kind() types.AgentKind { return types.AgentKeywordMiner }

func (a *KeywordMiner) Run(ctx context.Context, task types.EnrichmentTask) Result {
	maxKeywords := defaultMaxKeywords
	if n, ok := evidenceInt(task.Evidence, "max_keywords"); ok && n > 0 {
		maxKeywords = n
	}

	items := GenerateKeywordBatch(maxKeywords)

	queries := make([]string, len(items))
	for i, item := range items {
		queries[i] = item.Keyword
	}

	a.logger.InfoContext(ctx, "keyword batch generated",
		"task_id", task.TaskID, "keywords", len(items))

	res := Ok(nil)
	res.Next = []types.EnrichmentTask{{
		TraceID: task.TraceID,
		Agent:   types.AgentSERPDiscovery,
		Evidence: types.JSONMap{
			"keywords": queries,
		},
	}}
	return res
}

// GenerateKeywordBatch produces up to maxKeywords queries from the seed
// categories crossed with the intent modifiers. Transactional modifiers get
// a one-point priority boost, capped at 10.
func GenerateKeywordBatch(maxKeywords int) []KeywordItem {
	items := make([]KeywordItem, 0, maxKeywords)

	intentTypes := make([]string, 0, len(ukIntentModifiers))
	for it := range ukIntentModifiers {
		intentTypes = append(intentTypes, it)
	}
	sort.Strings(intentTypes)

	for _, cat := range seedCategories {
		for _, intentType := range intentTypes {
			for _, mod := range ukIntentModifiers[intentType] {
				kw := buildKeyword(mod, cat.Name, "UK")
				priority := cat.Priority
				if intentType == "transactional" {
					priority = min(10, priority+1)
				}
				items = append(items, KeywordItem{
					Keyword:       kw,
					ClusterID:     cat.ClusterID,
					IntentType:    intentType,
					PriorityScore: priority,
					Modifiers:     detectModifiers(kw),
				})
				if len(items) >= maxKeywords {
					return items
				}
			}
		}
	}
	return items
}

// buildKeyword combines modifier + category + geo. A "{product}" placeholder
// in the modifier takes the category inline and drops the geo suffix.
func buildKeyword(modifier, category, geo string) string {
	if strings.Contains(modifier, "{product}") {
		return strings.ReplaceAll(modifier, "{product}", category)
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{modifier, category, geo} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// detectModifiers lists which intent modifiers appear in a keyword string.
func detectModifiers(keyword string) []string {
	kw := strings.ToLower(keyword)
	seen := map[string]bool{}
	var found []string
	for _, mods := range ukIntentModifiers {
		for _, mod := range mods {
			if strings.Contains(mod, "{product}") {
				continue
			}
			if strings.Contains(kw, strings.ToLower(mod)) && !seen[mod] {
				seen[mod] = true
				found = append(found, mod)
			}
		}
	}
	if strings.Contains(kw, "uk") && !seen["uk"] {
		found = append(found, "uk")
	}
	sort.Strings(found)
	return found
}
