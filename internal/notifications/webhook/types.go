package webhook

import (
	"time"

	"cartograph/internal/types"
)

// RetryPolicy defines the exponential backoff parameters for delivery retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is the standard policy for webhook deliveries. Five
// attempts spread over roughly fifteen minutes before dead-lettering.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   5,
	BaseDelay:     2 * time.Second,
	MaxDelay:      15 * time.Minute,
	BackoffFactor: 5.0,
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}

	return d
}

// Result is the outcome of one delivery attempt, interpreted by the worker:
// Retry means re-enqueue with RetryIn delay, everything else acks the message.
type Result struct {
	Status     types.DeliveryStatus
	DeliveryID string
	HTTPStatus int
	RetryIn    time.Duration
	Reason     string
}

// deliveryBody is the wire format POSTed to endpoints.
type deliveryBody struct {
	Event      types.EventType `json:"event"`
	DeliveryID string          `json:"delivery_id"`
	Data       types.JSONMap   `json:"data"`
}
