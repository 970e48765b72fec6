package agents

import (
	"context"
	"strings"
	"testing"

	"cartograph/internal/types"
)

func TestGenerateKeywordBatchRespectsCap(t *testing.T) {
	items := GenerateKeywordBatch(25)
	if len(items) != 25 {
		t.Fatalf("expected 25 keywords, got %d", len(items))
	}
}

func TestGenerateKeywordBatchTransactionalBoost(t *testing.T) {
	items := GenerateKeywordBatch(1000)

	for _, item := range items {
		if item.ClusterID != "footwear_running" {
			continue
		}
		// Base priority 9; transactional boosts to 10, others stay at 9.
		want := 9
		if item.IntentType == "transactional" {
			want = 10
		}
		if item.PriorityScore != want {
			t.Errorf("%s (%s): priority = %d, want %d",
				item.Keyword, item.IntentType, item.PriorityScore, want)
		}
	}
}

func TestBuildKeywordPlaceholder(t *testing.T) {
	got := buildKeyword("buy {product} online", "yoga mats", "UK")
	if got != "buy yoga mats online" {
		t.Fatalf("placeholder modifier: got %q", got)
	}

	got = buildKeyword("cheap", "dog food", "UK")
	if got != "cheap dog food UK" {
		t.Fatalf("plain modifier: got %q", got)
	}
}

func TestDetectModifiers(t *testing.T) {
	found := detectModifiers("cheap dog food UK")
	joined := strings.Join(found, ",")
	if !strings.Contains(joined, "cheap") || !strings.Contains(joined, "uk") {
		t.Fatalf("expected cheap and uk in %v", found)
	}
}

func TestKeywordMinerFansOutToSERPDiscovery(t *testing.T) {
	miner := NewKeywordMiner(nil)

	res := miner.Run(context.Background(), types.EnrichmentTask{
		TaskID:   "task_1",
		TraceID:  "trace_1",
		Evidence: types.JSONMap{"max_keywords": float64(50)},
	})

	if res.Outcome != OutcomeOk {
		t.Fatalf("outcome = %s, want ok", res.Outcome)
	}
	if len(res.Next) != 1 {
		t.Fatalf("expected one follow-on task, got %d", len(res.Next))
	}
	next := res.Next[0]
	if next.Agent != types.AgentSERPDiscovery {
		t.Fatalf("next agent = %s", next.Agent)
	}
	if next.TraceID != "trace_1" {
		t.Errorf("trace not propagated: %q", next.TraceID)
	}
	keywords := evidenceStrings(next.Evidence, "keywords")
	if len(keywords) != 50 {
		t.Fatalf("expected 50 keywords on follow-on task, got %d", len(keywords))
	}
}
