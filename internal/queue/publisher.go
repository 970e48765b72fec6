// Package queue provides SQS-based message producers for dispatching
// enrichment tasks and webhook delivery jobs to downstream workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"cartograph/internal/config"
	"cartograph/internal/types"
)

// sqsMaxDelay is the longest delay SQS supports on SendMessage (15 minutes).
// Longer backoffs are clamped; the attempt counter still bounds total retries.
const sqsMaxDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// TaskPublisher routes enrichment tasks to the per-agent SQS queues. Each
// agent kind has its own queue so slow providers (SERP collection) cannot
// starve fast ones (classification).
type TaskPublisher struct {
	client      SQSSender
	agentQueues map[string]string
	dlqURL      string
	logger      *slog.Logger
}

// NewTaskPublisher creates a TaskPublisher from the AWS configuration.
func NewTaskPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *TaskPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskPublisher{
		client:      client,
		agentQueues: awsCfg.AgentQueueURLs,
		dlqURL:      awsCfg.DeadLetterURL,
		logger:      logger,
	}
}

// Enqueue dispatches a task to its agent's queue. A task without an ID gets
// one minted here so retries and logs correlate.
func (p *TaskPublisher) Enqueue(ctx context.Context, task types.EnrichmentTask) error {
	return p.enqueueDelayed(ctx, task, 0)
}

// Requeue re-publishes a task after a retryable failure, with backoff. The
// attempt counter is incremented before serialization so the next consumer
// sees the updated retry state.
func (p *TaskPublisher) Requeue(ctx context.Context, task types.EnrichmentTask, delay time.Duration) error {
	task.Attempt++
	return p.enqueueDelayed(ctx, task, delay)
}

// DeadLetter parks a task that exhausted its retry budget on the shared DLQ
// for operator inspection.
func (p *TaskPublisher) DeadLetter(ctx context.Context, task types.EnrichmentTask, reason string) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal task: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.dlqURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: failed to dead-letter task %s: %w", task.TaskID, err)
	}

	p.logger.ErrorContext(ctx, "enrichment task dead-lettered",
		"task_id", task.TaskID,
		"agent", string(task.Agent),
		"domain", task.Domain,
		"attempts", task.Attempt,
		"reason", reason,
	)
	return nil
}

func (p *TaskPublisher) enqueueDelayed(ctx context.Context, task types.EnrichmentTask, delay time.Duration) error {
	queueURL, ok := p.agentQueues[string(task.Agent)]
	if !ok {
		return fmt.Errorf("queue: no queue configured for agent %q", task.Agent)
	}

	if task.TaskID == "" {
		task.TaskID = "task_" + uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal task: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: clampDelay(delay),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send task to %s: %w", queueURL, err)
	}

	p.logger.InfoContext(ctx, "enrichment task enqueued",
		"task_id", task.TaskID,
		"agent", string(task.Agent),
		"domain", task.Domain,
		"attempt", task.Attempt,
		"delay", delay,
	)
	return nil
}

// WebhookPublisher enqueues webhook delivery jobs. Retries go through the
// same queue with an SQS delay computed by the dispatcher's backoff policy.
type WebhookPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewWebhookPublisher creates a WebhookPublisher targeting the webhook
// delivery queue.
func NewWebhookPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *WebhookPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookPublisher{
		client:   client,
		queueURL: awsCfg.WebhookQueueURL,
		logger:   logger,
	}
}

// Publish enqueues a delivery job with the given delay (zero for first
// attempts). The attempt counter is incremented by the caller only on retry
// paths, so fan-out code can publish the same job to many endpoints.
func (p *WebhookPublisher) Publish(ctx context.Context, job types.WebhookJob, delay time.Duration) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal webhook job: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: clampDelay(delay),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send webhook job to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "webhook job enqueued",
		"webhook_id", job.WebhookID,
		"event", string(job.Event),
		"attempt", job.Attempt,
		"delay", delay,
	)
	return nil
}

// Retry re-publishes a job with its attempt counter incremented and the
// dispatcher-computed backoff delay.
func (p *WebhookPublisher) Retry(ctx context.Context, job types.WebhookJob, delay time.Duration) error {
	job.Attempt++
	return p.Publish(ctx, job, delay)
}

// clampDelay converts a backoff duration to SQS DelaySeconds, bounded to the
// service maximum.
func clampDelay(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > sqsMaxDelay {
		delay = sqsMaxDelay
	}
	return int32(delay.Seconds())
}
