// Package main is the entry point for the scheduler Lambda.
//
// EventBridge rules invoke it with a scheduler.SchedulerPayload naming one
// of the scheduled operations: seeding a discovery cycle, rescoring stale
// intent data, or scanning recent changes against alert rules. One Lambda
// multiplexes all three so the cron surface stays in infra, not code.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"cartograph/internal/config"
	"cartograph/internal/db"
	"cartograph/internal/queue"
	"cartograph/internal/scheduler"
)

// Seeder starts a discovery cycle. Satisfied by scheduler.DiscoveryService.
type Seeder interface {
	SeedKeywordMining(ctx context.Context, ref time.Time) error
}

// Rescorer re-enqueues stale intent scoring. Satisfied by
// scheduler.RescoreService.
type Rescorer interface {
	RescoreStaleIntent(ctx context.Context, ref time.Time, limit int) (int, error)
}

// Scanner evaluates alert rules. Satisfied by scheduler.AlertScanner.
type Scanner interface {
	Scan(ctx context.Context, ref time.Time, limit int) (scheduler.ScanStats, error)
}

// RunResult is the Lambda response, visible in EventBridge invocation logs.
type RunResult struct {
	Task          scheduler.TaskType   `json:"task"`
	ReferenceTime time.Time            `json:"reference_time"`
	Enqueued      int                  `json:"enqueued,omitempty"`
	Scan          *scheduler.ScanStats `json:"scan,omitempty"`
}

// Handler routes scheduler payloads to the matching service.
type Handler struct {
	discovery Seeder
	rescore   Rescorer
	scanner   Scanner
	logger    *slog.Logger
	now       func() time.Time
}

// Handle executes one scheduled task.
func (h *Handler) Handle(ctx context.Context, payload scheduler.SchedulerPayload) (RunResult, error) {
	ref := h.now().UTC()
	if payload.ReferenceTime != nil {
		ref = payload.ReferenceTime.UTC()
	}

	h.logger.InfoContext(ctx, "scheduled task starting",
		"task", string(payload.Task), "reference_time", ref, "limit", payload.Limit)

	result := RunResult{Task: payload.Task, ReferenceTime: ref}

	switch payload.Task {
	case scheduler.TaskSeedDiscovery:
		if err := h.discovery.SeedKeywordMining(ctx, ref); err != nil {
			return result, err
		}
		result.Enqueued = 1

	case scheduler.TaskRescoreIntent:
		n, err := h.rescore.RescoreStaleIntent(ctx, ref, payload.Limit)
		if err != nil {
			return result, err
		}
		result.Enqueued = n

	case scheduler.TaskScanAlerts:
		stats, err := h.scanner.Scan(ctx, ref, payload.Limit)
		if err != nil {
			return result, err
		}
		result.Scan = &stats

	default:
		return result, fmt.Errorf("unknown scheduler task %q", payload.Task)
	}

	h.logger.InfoContext(ctx, "scheduled task complete", "task", string(payload.Task))
	return result, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "scheduler")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})

	domains := db.NewDomainRepository(pool)
	alerts := db.NewAlertRepository(pool)
	endpoints := db.NewWebhookRepository(pool)
	tasks := queue.NewTaskPublisher(sqsClient, cfg.AWS, logger)
	jobs := queue.NewWebhookPublisher(sqsClient, cfg.AWS, logger)

	handler := &Handler{
		discovery: scheduler.NewDiscoveryService(tasks, logger),
		rescore:   scheduler.NewRescoreService(domains, tasks, cfg.Scoring, logger),
		scanner:   scheduler.NewAlertScanner(alerts, domains, endpoints, jobs, logger),
		logger:    logger,
		now:       time.Now,
	}

	logger.Info("scheduler starting", "environment", cfg.Environment)
	lambda.Start(handler.Handle)
	return nil
}
