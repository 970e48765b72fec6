package types

import "time"

// EnrichmentTask is the SQS payload dispatched to an agent queue.
// Each agent type has its own queue so throughput can be scaled per agent.
type EnrichmentTask struct {
	TaskID   string    `json:"task_id"`
	TraceID  string    `json:"trace_id"`
	Agent    AgentKind `json:"agent"`
	DomainID string    `json:"domain_id"`
	Domain   string    `json:"domain"`

	// Attempt is incremented each time the task is re-published after a
	// retryable failure. The worker dead-letters once the agent's retry
	// budget is exhausted.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Evidence carries upstream agent output forward through the pipeline
	// (e.g. keyword lists into SERP discovery, SERP rows into intent scoring).
	Evidence JSONMap `json:"evidence,omitempty"`
}

// WebhookJob is the SQS payload for one outbound webhook delivery.
type WebhookJob struct {
	WebhookID  string    `json:"webhook_id"`
	Event      EventType `json:"event"`
	Payload    JSONMap   `json:"payload"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
