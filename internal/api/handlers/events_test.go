package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/types"
)

func TestFanoutDeliversToSubscribedActiveEndpoints(t *testing.T) {
	store := newFakeEndpointStore()
	seedEndpoint(store, "wh_subscribed", types.EventDomainCreated)
	seedEndpoint(store, "wh_all") // empty subscription set means all events
	seedEndpoint(store, "wh_other_event", types.EventAlertFired)
	paused := seedEndpoint(store, "wh_paused", types.EventDomainCreated)
	paused.IsActive = false

	jobs := &fakeJobQueue{}
	fanout := NewWebhookFanout(store, jobs, discardLogger())

	ctx := types.WithActor(context.Background(), *proActor())
	fanout.PublishEvent(ctx, types.EventDomainCreated, types.JSONMap{"domain_id": "dom_1"})

	require.Len(t, jobs.jobs, 2)
	delivered := map[string]bool{}
	for _, job := range jobs.jobs {
		delivered[job.WebhookID] = true
		assert.Equal(t, types.EventDomainCreated, job.Event)
		assert.Equal(t, "dom_1", job.Payload["domain_id"])
	}
	assert.True(t, delivered["wh_subscribed"])
	assert.True(t, delivered["wh_all"])
}

func TestFanoutWithoutActorIsNoOp(t *testing.T) {
	store := newFakeEndpointStore()
	seedEndpoint(store, "wh_1")
	jobs := &fakeJobQueue{}
	fanout := NewWebhookFanout(store, jobs, discardLogger())

	fanout.PublishEvent(context.Background(), types.EventDomainCreated, nil)

	assert.Empty(t, jobs.jobs)
}

func TestFanoutSwallowsPublishErrors(t *testing.T) {
	store := newFakeEndpointStore()
	seedEndpoint(store, "wh_1")
	jobs := &fakeJobQueue{err: assert.AnError}
	fanout := NewWebhookFanout(store, jobs, discardLogger())

	ctx := types.WithActor(context.Background(), *proActor())
	// Must not panic or propagate; the triggering request already succeeded.
	fanout.PublishEvent(ctx, types.EventDomainCreated, types.JSONMap{})
}
