package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cartograph/internal/types"
)

// TaskQueue enqueues enrichment tasks. Satisfied by queue.TaskPublisher.
type TaskQueue interface {
	Enqueue(ctx context.Context, task types.EnrichmentTask) error
}

// DiscoveryService seeds the enrichment pipeline. A seeding run enqueues one
// keyword-miner task; the miner generates the UK commercial keyword set and
// fans batches out to SERP discovery, which creates the stub domain records.
type DiscoveryService struct {
	tasks  TaskQueue
	logger *slog.Logger
}

// NewDiscoveryService wires a DiscoveryService.
func NewDiscoveryService(tasks TaskQueue, logger *slog.Logger) *DiscoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryService{tasks: tasks, logger: logger}
}

// SeedKeywordMining enqueues the keyword-miner task that starts a discovery
// cycle. The trace ID minted here follows the whole cycle through SERP
// discovery, classification and enrichment.
func (s *DiscoveryService) SeedKeywordMining(ctx context.Context, ref time.Time) error {
	task := types.EnrichmentTask{
		TraceID: "trace_" + uuid.New().String(),
		Agent:   types.AgentKeywordMiner,
		Evidence: types.JSONMap{
			"triggered_by":   "scheduler",
			"reference_time": ref.UTC().Format(time.RFC3339),
		},
	}

	if err := s.tasks.Enqueue(ctx, task); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "discovery cycle seeded", "trace_id", task.TraceID)
	return nil
}
