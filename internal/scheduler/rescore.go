package scheduler

import (
	"context"
	"log/slog"
	"time"

	"cartograph/internal/config"
	"cartograph/internal/types"
)

// defaultRescoreLimit bounds one rescoring run.
const defaultRescoreLimit = 500

// StaleDomainSource finds domains due for rescoring. Satisfied by
// db.DomainRepository.
type StaleDomainSource interface {
	ListStaleIntent(ctx context.Context, cutoff time.Time, limit int) ([]*types.Domain, error)
}

// RescoreService re-enqueues intent scoring for domains whose intent layer
// is older than the configured rescore window. Scoring evidence lives on the
// domain's enrichment groups, so the task itself carries none.
type RescoreService struct {
	domains StaleDomainSource
	tasks   TaskQueue
	scoring config.ScoringConfig
	logger  *slog.Logger
}

// NewRescoreService wires a RescoreService.
func NewRescoreService(domains StaleDomainSource, tasks TaskQueue, scoring config.ScoringConfig, logger *slog.Logger) *RescoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RescoreService{domains: domains, tasks: tasks, scoring: scoring, logger: logger}
}

// RescoreStaleIntent enqueues one intent-scoring task per stale domain and
// returns how many were enqueued. An enqueue failure skips that domain; it
// stays stale and the next run picks it up again.
func (s *RescoreService) RescoreStaleIntent(ctx context.Context, ref time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRescoreLimit
	}
	cutoff := ref.AddDate(0, 0, -s.scoring.IntentRescoreDays)

	stale, err := s.domains.ListStaleIntent(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, d := range stale {
		task := types.EnrichmentTask{
			TraceID:  "rescore_" + d.DomainID,
			Agent:    types.AgentIntentScoring,
			DomainID: d.DomainID,
			Domain:   d.Domain,
		}
		if err := s.tasks.Enqueue(ctx, task); err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue rescore task",
				"domain_id", d.DomainID, "error", err)
			continue
		}
		enqueued++
	}

	s.logger.InfoContext(ctx, "intent rescoring scheduled",
		"stale", len(stale), "enqueued", enqueued,
		"cutoff", cutoff.Format(time.RFC3339))
	return enqueued, nil
}
