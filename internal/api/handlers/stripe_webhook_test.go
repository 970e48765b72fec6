package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/types"
)

func newStripeFixture() (*StripeWebhookHandler, *fakeLifecycle, *fakeVerifier) {
	lifecycle := &fakeLifecycle{action: "tier_updated"}
	verifier := &fakeVerifier{}
	h := NewStripeWebhookHandler(lifecycle, verifier, types.SecretString("whsec_test"), discardLogger())
	return h, lifecycle, verifier
}

func postStripeEvent(srv http.Handler, payload, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewBufferString(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

const checkoutEventJSON = `{
	"id": "evt_1",
	"type": "checkout.session.completed",
	"created": 1726000000,
	"data": {"object": {"id": "cs_1", "client_reference_id": "ws_test"}}
}`

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	h, lifecycle, verifier := newStripeFixture()
	verifier.err = errors.New("signature mismatch")
	srv := serveAs(h, nil)

	rec := postStripeEvent(srv, checkoutEventJSON, "t=1,v1=bad")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, lifecycle.events)
}

func TestStripeWebhookProcessesVerifiedEvent(t *testing.T) {
	h, lifecycle, verifier := newStripeFixture()
	srv := serveAs(h, nil)

	rec := postStripeEvent(srv, checkoutEventJSON, "t=1,v1=good")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"received":true`)
	assert.Equal(t, "whsec_test", verifier.gotSecret)
	assert.Equal(t, "t=1,v1=good", verifier.gotHeader)

	require.Len(t, lifecycle.events, 1)
	event := lifecycle.events[0]
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "checkout.session.completed", event.Type)
	assert.Equal(t, int64(1726000000), event.Created.Unix())
	assert.Contains(t, string(event.Object), "ws_test")
}

func TestStripeWebhookAcksProcessingFailure(t *testing.T) {
	h, lifecycle, _ := newStripeFixture()
	lifecycle.err = errors.New("db unavailable")
	srv := serveAs(h, nil)

	rec := postStripeEvent(srv, checkoutEventJSON, "t=1,v1=good")

	// A 200 even on failure: the lifecycle absorbs replays, and Stripe
	// retrying an unprocessable event forever helps no one.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, lifecycle.events, 1)
}

func TestStripeWebhookRejectsMalformedEnvelope(t *testing.T) {
	h, lifecycle, _ := newStripeFixture()
	srv := serveAs(h, nil)

	rec := postStripeEvent(srv, "{not json", "t=1,v1=good")

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, lifecycle.events)
}

func TestStripeWebhookRejectsOversizedPayload(t *testing.T) {
	h, _, _ := newStripeFixture()
	srv := serveAs(h, nil)

	big := bytes.Repeat([]byte("a"), maxStripePayloadBytes+1)
	rec := postStripeEvent(srv, string(big), "t=1,v1=good")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
