// Package scheduler implements the scheduled operations of the CartoGraph
// pipeline: seeding the discovery agents, rescoring stale intent data, and
// scanning recent domain changes against the workspaces' alert rules.
//
// One Lambda (cmd/scheduler) multiplexes all of them; EventBridge rules
// invoke it with a SchedulerPayload naming the task to run.
package scheduler

import "time"

// TaskType identifies which scheduled operation an EventBridge rule wants.
type TaskType string

const (
	// TaskSeedDiscovery kicks off a keyword-mining run, the entry point of
	// the discovery pipeline.
	TaskSeedDiscovery TaskType = "seed_discovery"

	// TaskRescoreIntent re-enqueues intent scoring for domains whose intent
	// layer has gone stale.
	TaskRescoreIntent TaskType = "rescore_intent"

	// TaskScanAlerts evaluates recent domain changes against active alert
	// rules and fans out alert.triggered webhook events.
	TaskScanAlerts TaskType = "scan_alerts"
)

// SchedulerPayload is the JSON body EventBridge rules send to the scheduler
// Lambda.
type SchedulerPayload struct {
	Task TaskType `json:"task"`

	// ReferenceTime overrides "now" for manual invocation and backfills.
	// Nil means time.Now().UTC().
	ReferenceTime *time.Time `json:"reference_time,omitempty"`

	// Limit bounds how many domains a single run touches, so a backlog
	// cannot push the Lambda past its timeout. Zero means the task default.
	Limit int `json:"limit,omitempty"`
}
