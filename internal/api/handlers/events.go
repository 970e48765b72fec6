package handlers

import (
	"context"
	"log/slog"
	"time"

	"cartograph/internal/types"
)

// EndpointLister loads the webhook endpoints of one workspace.
type EndpointLister interface {
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*types.WebhookEndpoint, error)
}

// JobPublisher puts one delivery job on the webhook queue.
type JobPublisher interface {
	Publish(ctx context.Context, job types.WebhookJob, delay time.Duration) error
}

// WebhookFanout turns a platform event into one delivery job per active,
// subscribed endpoint of the acting workspace. Fan-out is best-effort: the
// triggering API call has already succeeded, so failures here are logged and
// never surfaced to the client.
type WebhookFanout struct {
	endpoints EndpointLister
	jobs      JobPublisher
	logger    *slog.Logger
}

// NewWebhookFanout wires a fan-out helper.
func NewWebhookFanout(endpoints EndpointLister, jobs JobPublisher, logger *slog.Logger) *WebhookFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookFanout{endpoints: endpoints, jobs: jobs, logger: logger}
}

// PublishEvent enqueues the event for every matching endpoint of the
// workspace on the context. Outside an authenticated request there is no
// workspace to deliver to, so the call is a no-op.
func (f *WebhookFanout) PublishEvent(ctx context.Context, event types.EventType, payload types.JSONMap) {
	actor, ok := types.GetActor(ctx)
	if !ok {
		return
	}

	endpoints, err := f.endpoints.ListByWorkspace(ctx, actor.WorkspaceID)
	if err != nil {
		f.logger.ErrorContext(ctx, "webhook fan-out: failed to list endpoints",
			slog.String("workspace_id", actor.WorkspaceID),
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, ep := range endpoints {
		if !ep.IsActive || !ep.SubscribesTo(event) {
			continue
		}
		job := types.WebhookJob{
			WebhookID:  ep.WebhookID,
			Event:      event,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := f.jobs.Publish(ctx, job, 0); err != nil {
			f.logger.ErrorContext(ctx, "webhook fan-out: failed to enqueue delivery",
				slog.String("webhook_id", ep.WebhookID),
				slog.String("event", string(event)),
				slog.String("error", err.Error()),
			)
		}
	}
}
