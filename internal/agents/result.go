// Package agents implements the seven enrichment agents that populate a
// domain's field-groups. Each agent is a deterministic transform over the
// evidence carried on its task plus at most one provider call; persistence
// and scheduling live in the worker, which interprets the returned Result.
package agents

import (
	"errors"
	"time"

	"cartograph/internal/types"
)

// Outcome is the explicit disposition of one agent run. Agents never
// panic or return bare errors for business failures; the worker requeues
// on Retry, dead-letters on Fatal, and persists on Ok.
type Outcome string

const (
	OutcomeOk    Outcome = "ok"
	OutcomeRetry Outcome = "retry"
	OutcomeFatal Outcome = "fatal"
)

// OutboundEvent is a webhook event an agent run wants emitted after its
// groups are persisted.
type OutboundEvent struct {
	Event   types.EventType
	Payload types.JSONMap
}

// Result is the full output of one agent run. Groups, Next and Events are
// honored by the worker whenever present, regardless of outcome; a Retry
// additionally requeues (SERP discovery uses this to bank partial results
// while it waits for the provider to finish the rest).
type Result struct {
	Outcome Outcome

	// Groups maps field-group name to the blob to persist on the task's
	// domain. Empty for agents that only fan out (keyword miner).
	Groups map[string]types.JSONMap

	// Next holds follow-on tasks to enqueue once Groups are persisted.
	Next []types.EnrichmentTask

	// Events holds webhook events to emit after persistence.
	Events []OutboundEvent

	// Reason is set for Retry and Fatal outcomes.
	Reason string

	// Delay is the requeue backoff for Retry outcomes.
	Delay time.Duration

	// Task, when non-nil on a Retry, replaces the original task on requeue
	// so evidence accumulated during the run (e.g. submitted provider task
	// IDs) survives to the next attempt.
	Task *types.EnrichmentTask
}

// Ok builds a success result carrying the given field-group blobs.
func Ok(groups map[string]types.JSONMap) Result {
	return Result{Outcome: OutcomeOk, Groups: groups}
}

// Retry builds a retry result with an explicit backoff.
func Retry(reason string, delay time.Duration) Result {
	return Result{Outcome: OutcomeRetry, Reason: reason, Delay: delay}
}

// RetryTask is Retry with a replacement task carrying updated evidence.
func RetryTask(task types.EnrichmentTask, reason string, delay time.Duration) Result {
	return Result{Outcome: OutcomeRetry, Reason: reason, Delay: delay, Task: &task}
}

// Fatal builds a dead-letter result.
func Fatal(reason string) Result {
	return Result{Outcome: OutcomeFatal, Reason: reason}
}

// Retry budgets per agent kind. The SEO metrics agent talks to two
// providers and gets a larger budget; everything else gets three attempts.
const (
	defaultRetryBudget    = 3
	seoMetricsRetryBudget = 5
)

// RetryBudget returns the maximum attempts for an agent kind before the
// worker dead-letters the task.
func RetryBudget(kind types.AgentKind) int {
	if kind == types.AgentSEOMetrics {
		return seoMetricsRetryBudget
	}
	return defaultRetryBudget
}

// Backoff returns the requeue delay for the given attempt (0-based),
// doubling from a per-kind base.
func Backoff(kind types.AgentKind, attempt int) time.Duration {
	base := 30 * time.Second
	switch kind {
	case types.AgentKeywordMiner, types.AgentSERPDiscovery, types.AgentSEOMetrics:
		base = time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 8 {
		attempt = 8
	}
	return base * (1 << attempt)
}

// classifyProviderError maps a provider call failure onto a Result. Rate
// limits and transient provider faults requeue with backoff; anything the
// provider will never accept dead-letters.
func classifyProviderError(kind types.AgentKind, attempt int, err error) Result {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeUpstreamRateLimit:
			return Retry("provider_rate_limited", Backoff(kind, attempt+1))
		case types.ErrCodeUpstreamProvider:
			return Retry("provider_error", Backoff(kind, attempt))
		}
	}
	return Retry("provider_unreachable", Backoff(kind, attempt))
}
