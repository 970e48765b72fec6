package agents

import (
	"errors"
	"testing"
	"time"

	"cartograph/internal/types"
)

func TestBackoffDoubles(t *testing.T) {
	cases := []struct {
		kind    types.AgentKind
		attempt int
		want    time.Duration
	}{
		{types.AgentKeywordMiner, 0, time.Minute},
		{types.AgentKeywordMiner, 1, 2 * time.Minute},
		{types.AgentSEOMetrics, 2, 4 * time.Minute},
		{types.AgentTechStack, 0, 30 * time.Second},
		{types.AgentChangeDetection, 1, time.Minute},
		{types.AgentTechStack, -3, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.kind, tc.attempt); got != tc.want {
			t.Errorf("Backoff(%s, %d) = %s, want %s", tc.kind, tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	if got := Backoff(types.AgentKeywordMiner, 50); got != Backoff(types.AgentKeywordMiner, 8) {
		t.Fatalf("backoff not capped: %s", got)
	}
}

func TestClassifyProviderError(t *testing.T) {
	rateLimited := classifyProviderError(types.AgentSEOMetrics, 0, types.NewAppError(types.ErrCodeUpstreamRateLimit, "429", nil))
	if rateLimited.Outcome != OutcomeRetry || rateLimited.Reason != "provider_rate_limited" {
		t.Fatalf("rate limited = %+v", rateLimited)
	}
	// Rate limits back off one step further than plain provider errors.
	providerDown := classifyProviderError(types.AgentSEOMetrics, 0, types.NewAppError(types.ErrCodeUpstreamProvider, "502", nil))
	if rateLimited.Delay <= providerDown.Delay {
		t.Errorf("rate limit delay %s should exceed provider error delay %s", rateLimited.Delay, providerDown.Delay)
	}

	network := classifyProviderError(types.AgentTechStack, 1, errors.New("dial tcp: i/o timeout"))
	if network.Outcome != OutcomeRetry || network.Reason != "provider_unreachable" {
		t.Fatalf("network = %+v", network)
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(NewKeywordMiner(nil), NewIntentScoring(nil), NewChangeDetection(nil))
	if len(reg) != 3 {
		t.Fatalf("registry size = %d", len(reg))
	}
	if _, ok := reg[types.AgentIntentScoring]; !ok {
		t.Fatal("intent scoring agent not registered")
	}
}
