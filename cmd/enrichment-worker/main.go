// Package main is the entry point for the enrichment worker Lambda.
//
// The worker consumes enrichment tasks from the per-agent SQS queues, runs
// the matching agent, persists the field-group blobs it produces, enqueues
// follow-on tasks, and broadcasts any webhook events the run emitted. Retry
// and dead-letter decisions come from the agent's Result; the worker only
// enforces the per-agent retry budget.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"cartograph/internal/agents"
	"cartograph/internal/config"
	"cartograph/internal/db"
	"cartograph/internal/external"
	"cartograph/internal/queue"
	"cartograph/internal/telemetry"
	"cartograph/internal/types"
)

// maxConcurrentTasks bounds parallel agent runs within one SQS batch.
const maxConcurrentTasks = 4

// DomainWriter persists agent output. Satisfied by db.DomainRepository.
type DomainWriter interface {
	UpdateGroup(ctx context.Context, domainID, group string, blob types.JSONMap) error
	UpdateStatus(ctx context.Context, domainID string, status types.DomainStatus) error
}

// TaskQueue routes enrichment tasks. Satisfied by queue.TaskPublisher.
type TaskQueue interface {
	Enqueue(ctx context.Context, task types.EnrichmentTask) error
	Requeue(ctx context.Context, task types.EnrichmentTask, delay time.Duration) error
	DeadLetter(ctx context.Context, task types.EnrichmentTask, reason string) error
}

// EndpointLister enumerates webhook endpoints for event broadcast.
// Satisfied by db.WebhookRepository.
type EndpointLister interface {
	ListActive(ctx context.Context) ([]*types.WebhookEndpoint, error)
}

// JobPublisher enqueues webhook delivery jobs. Satisfied by
// queue.WebhookPublisher.
type JobPublisher interface {
	Publish(ctx context.Context, job types.WebhookJob, delay time.Duration) error
}

// Broadcaster fans agent-emitted events out to every active endpoint that
// subscribes to them. Enrichment runs on the shared catalogue, so there is
// no single owning workspace; the delivery dispatcher re-checks tier and
// subscription per endpoint before any HTTP call is made.
type Broadcaster struct {
	endpoints EndpointLister
	jobs      JobPublisher
	logger    *slog.Logger
}

// NewBroadcaster wires a Broadcaster.
func NewBroadcaster(endpoints EndpointLister, jobs JobPublisher, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{endpoints: endpoints, jobs: jobs, logger: logger}
}

// Broadcast enqueues one delivery job per subscribed endpoint. Best-effort:
// the enrichment result is already persisted, so failures are only logged.
func (b *Broadcaster) Broadcast(ctx context.Context, event types.EventType, payload types.JSONMap) {
	endpoints, err := b.endpoints.ListActive(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to list endpoints for broadcast",
			"event", string(event), "error", err)
		return
	}

	now := time.Now().UTC()
	for _, ep := range endpoints {
		if !ep.SubscribesTo(event) {
			continue
		}
		job := types.WebhookJob{
			WebhookID:  ep.WebhookID,
			Event:      event,
			Payload:    payload,
			EnqueuedAt: now,
		}
		if err := b.jobs.Publish(ctx, job, 0); err != nil {
			b.logger.ErrorContext(ctx, "failed to enqueue broadcast delivery",
				"webhook_id", ep.WebhookID, "event", string(event), "error", err)
		}
	}
}

// EventEmitter is the broadcast surface the handler needs.
type EventEmitter interface {
	Broadcast(ctx context.Context, event types.EventType, payload types.JSONMap)
}

// Handler holds the worker's dependencies.
type Handler struct {
	registry agents.Registry
	domains  DomainWriter
	tasks    TaskQueue
	events   EventEmitter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// Handle processes one SQS batch, running up to maxConcurrentTasks agents in
// parallel. Records that hit infrastructure faults are returned as batch item
// failures; agent-level retries and dead-letters are handled inline and ack.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		response events.SQSEventResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTasks)

	for _, record := range sqsEvent.Records {
		g.Go(func() error {
			if err := h.processRecord(gctx, record); err != nil {
				h.logger.ErrorContext(gctx, "enrichment record processing failed",
					"message_id", record.MessageId,
					"error", err,
				)
				mu.Lock()
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
				)
				mu.Unlock()
			}
			// Failures are reported per item, never as a batch-wide error.
			return nil
		})
	}

	g.Wait()
	return response, nil
}

// processRecord runs one task through its agent and applies the result.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var task types.EnrichmentTask
	if err := json.Unmarshal([]byte(record.Body), &task); err != nil {
		h.logger.ErrorContext(ctx, "dropping malformed enrichment task",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	if ts, ok := record.Attributes["SentTimestamp"]; ok {
		if sent, err := parseMillis(ts); err == nil {
			h.metrics.RecordQueueLag(ctx, time.Since(sent))
		}
	}

	agent, ok := h.registry[task.Agent]
	if !ok {
		// Misrouted message; park it for inspection instead of retrying.
		return h.tasks.DeadLetter(ctx, task, "unknown_agent")
	}

	logger := h.logger.With(
		"task_id", task.TaskID,
		"trace_id", task.TraceID,
		"agent", string(task.Agent),
		"domain", task.Domain,
		"attempt", task.Attempt,
	)

	start := time.Now()
	result := agent.Run(ctx, task)
	h.metrics.RecordAgentRun(ctx, task.Agent, string(result.Outcome), time.Since(start))

	// Groups, follow-ons and events are honored regardless of outcome so a
	// retrying agent can bank partial results.
	for group, blob := range result.Groups {
		if err := h.domains.UpdateGroup(ctx, task.DomainID, group, blob); err != nil {
			return fmt.Errorf("persist group %s for %s: %w", group, task.DomainID, err)
		}
	}

	for _, next := range result.Next {
		next.TraceID = task.TraceID
		if err := h.tasks.Enqueue(ctx, next); err != nil {
			// The persisted groups are already durable; losing a follow-on
			// is recoverable via rescoring, so do not redrive the message.
			logger.ErrorContext(ctx, "failed to enqueue follow-on task",
				"next_agent", string(next.Agent), "error", err)
		}
	}

	for _, ev := range result.Events {
		h.events.Broadcast(ctx, ev.Event, ev.Payload)
	}

	switch result.Outcome {
	case agents.OutcomeOk:
		if len(result.Groups) > 0 {
			// Any persisted enrichment moves the domain out of
			// pending_enrichment.
			if err := h.domains.UpdateStatus(ctx, task.DomainID, types.DomainStatusActive); err != nil {
				logger.WarnContext(ctx, "failed to update domain status", "error", err)
			}
		}
		logger.InfoContext(ctx, "agent run succeeded", "groups", len(result.Groups))
		return nil

	case agents.OutcomeRetry:
		if task.Attempt+1 >= agents.RetryBudget(task.Agent) {
			logger.ErrorContext(ctx, "retry budget exhausted", "reason", result.Reason)
			return h.tasks.DeadLetter(ctx, task, result.Reason)
		}
		next := task
		if result.Task != nil {
			next = *result.Task
		}
		logger.WarnContext(ctx, "agent run retrying",
			"reason", result.Reason, "delay", result.Delay)
		return h.tasks.Requeue(ctx, next, result.Delay)

	case agents.OutcomeFatal:
		logger.ErrorContext(ctx, "agent run failed terminally", "reason", result.Reason)
		return h.tasks.DeadLetter(ctx, task, result.Reason)

	default:
		return h.tasks.DeadLetter(ctx, task, fmt.Sprintf("unknown_outcome_%s", result.Outcome))
	}
}

// parseMillis converts an SQS SentTimestamp (epoch milliseconds) to a time.
func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "enrichment-worker")

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
	endpoints := db.NewWebhookRepository(pool)
	tasks := queue.NewTaskPublisher(sqsClient, cfg.AWS, logger)
	jobs := queue.NewWebhookPublisher(sqsClient, cfg.AWS, logger)

	providerHTTP := &http.Client{Timeout: cfg.Providers.RequestTimeout}
	dataForSEO := external.NewDataForSEOClient(providerHTTP, external.DataForSEOConfig{
		Login:    cfg.Providers.DataForSEOLogin,
		Password: cfg.Providers.DataForSEOPassword.Unmask(),
		Logger:   logger,
	})
	moz := external.NewMozClient(providerHTTP, external.MozConfig{
		APIToken: cfg.Providers.MozAPIToken.Unmask(),
		Logger:   logger,
	})
	wappalyzer := external.NewWappalyzerClient(providerHTTP, external.WappalyzerConfig{
		APIKey: cfg.Providers.WappalyzerAPIKey.Unmask(),
		Logger: logger,
	})

	registry := agents.NewRegistry(
		agents.NewKeywordMiner(logger),
		agents.NewSERPDiscovery(dataForSEO, domains, logger),
		agents.NewDomainClassifier(&agents.HTTPHomepageFetcher{
			Client:    &http.Client{Timeout: 15 * time.Second},
			UserAgent: cfg.Webhook.UserAgent,
		}, logger),
		agents.NewSEOMetrics(dataForSEO, moz, cfg.Scoring, logger),
		agents.NewTechStack(wappalyzer, logger),
		agents.NewIntentScoring(logger),
		agents.NewChangeDetection(logger),
	)

	handler := &Handler{
		registry: registry,
		domains:  domains,
		tasks:    tasks,
		events:   NewBroadcaster(endpoints, jobs, logger),
		metrics:  telemetry.NewMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger),
		logger:   logger,
	}

	logger.Info("enrichment worker starting", "environment", cfg.Environment, "agents", len(registry))
	lambda.Start(handler.Handle)
	return nil
}
