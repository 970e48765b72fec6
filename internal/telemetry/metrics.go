// Package telemetry publishes operational metrics to CloudWatch. The workers
// record outcome counters and latencies; dashboards and alarms live in infra.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"cartograph/internal/types"
)

// Metric names.
const (
	MetricWebhookDelivery = "WebhookDelivery"
	MetricWebhookLatency  = "WebhookDeliveryLatency"
	MetricAgentRun        = "AgentRun"
	MetricAgentLatency    = "AgentRunLatency"
	MetricQueueLag        = "QueueLag"
)

// Dimension names.
const (
	DimAgent   = "Agent"
	DimResult  = "Result"
	DimEvent   = "Event"
	DimOutcome = "Outcome"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics publishes worker metrics to one CloudWatch namespace. Publishing
// is best-effort: a metrics failure never fails the work being measured.
type Metrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewMetrics wires a Metrics publisher.
func NewMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Metrics{client: client, namespace: namespace, logger: logger}
}

// RecordWebhookDelivery emits one delivery outcome with Event and Outcome
// dimensions, plus the attempt latency.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, event types.EventType, status types.DeliveryStatus, duration time.Duration) {
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(MetricWebhookDelivery),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimEvent), Value: aws.String(string(event))},
				{Name: aws.String(DimOutcome), Value: aws.String(string(status))},
			},
		},
		{
			MetricName: aws.String(MetricWebhookLatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimEvent), Value: aws.String(string(event))},
			},
		},
	})
}

// RecordAgentRun emits one enrichment agent outcome ("ok", "retry", "fatal")
// with the run latency.
func (m *Metrics) RecordAgentRun(ctx context.Context, agent types.AgentKind, result string, duration time.Duration) {
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(MetricAgentRun),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimAgent), Value: aws.String(string(agent))},
				{Name: aws.String(DimResult), Value: aws.String(result)},
			},
		},
		{
			MetricName: aws.String(MetricAgentLatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimAgent), Value: aws.String(string(agent))},
			},
		},
	})
}

// RecordQueueLag emits the time between message enqueue and processing
// start, covering SQS backlog plus visibility delays.
func (m *Metrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(MetricQueueLag),
			Value:      aws.Float64(float64(lag.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	})
}

func (m *Metrics) put(ctx context.Context, data []cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to publish metrics",
			slog.String("error", err.Error()),
		)
	}
}
