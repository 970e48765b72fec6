// Package main is the entry point for the webhook delivery worker Lambda.
//
// The worker consumes delivery jobs from the webhook SQS queue, delivers each
// one through the dispatcher (signature, SSRF-safe POST, audit row), and
// re-enqueues retryable failures with the dispatcher-computed backoff. SQS
// partial batch responses are used so only genuinely failed records are
// redriven.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"cartograph/internal/config"
	"cartograph/internal/db"
	"cartograph/internal/notifications/webhook"
	"cartograph/internal/queue"
	"cartograph/internal/security"
	"cartograph/internal/telemetry"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// maxRedirects bounds redirect chains on customer endpoints. Each hop is
// re-checked against the SSRF blocklist.
const maxRedirects = 3

// Deliverer performs one delivery attempt. Satisfied by webhook.Dispatcher.
type Deliverer interface {
	Dispatch(ctx context.Context, job types.WebhookJob) (webhook.Result, error)
}

// RetryQueue re-enqueues a failed job with a delay. Satisfied by
// queue.WebhookPublisher.
type RetryQueue interface {
	Retry(ctx context.Context, job types.WebhookJob, delay time.Duration) error
}

// Handler holds the worker's dependencies.
type Handler struct {
	dispatcher Deliverer
	retries    RetryQueue
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// Handle processes one SQS batch. Records that hit infrastructure faults are
// reported as batch item failures so SQS redrives only those; everything else
// (delivered, skipped, retrying via re-publish, dead-lettered) is acked.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var response events.SQSEventResponse

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "webhook record processing failed",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRecord delivers one job. A returned error means the record should be
// redriven; malformed bodies are acked because redelivery cannot fix them.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var job types.WebhookJob
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		h.logger.ErrorContext(ctx, "dropping malformed webhook job",
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

	start := time.Now()
	result, err := h.dispatcher.Dispatch(ctx, job)
	if err != nil {
		return fmt.Errorf("dispatch webhook %s: %w", job.WebhookID, err)
	}

	h.metrics.RecordWebhookDelivery(ctx, job.Event, result.Status, time.Since(start))

	if result.Status == types.DeliveryRetrying {
		if err := h.retries.Retry(ctx, job, result.RetryIn); err != nil {
			// The audit row already says retrying; redrive the original
			// message rather than lose the attempt.
			return fmt.Errorf("requeue webhook %s: %w", job.WebhookID, err)
		}
	}

	h.logger.InfoContext(ctx, "webhook job processed",
		"webhook_id", job.WebhookID,
		"event", string(job.Event),
		"delivery_id", result.DeliveryID,
		"status", string(result.Status),
		"attempt", job.Attempt+1,
	)
	return nil
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "webhook-worker")

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

	httpClient, err := security.NewSafeHTTPClient(cfg.Webhook.DeliveryTimeout, maxRedirects)
	if err != nil {
		return fmt.Errorf("building HTTP client: %w", err)
	}

	endpoints := db.NewWebhookRepository(pool)
	workspaces := db.NewWorkspaceRepository(pool, logger)

	handler := &Handler{
		dispatcher: webhook.NewDispatcher(endpoints, workspaces, tiering.NewCatalog(), httpClient, cfg.Webhook, logger),
		retries:    queue.NewWebhookPublisher(sqsClient, cfg.AWS, logger),
		metrics:    telemetry.NewMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger),
		logger:     logger,
	}

	logger.Info("webhook worker starting", "environment", cfg.Environment)
	lambda.Start(handler.Handle)
	return nil
}
