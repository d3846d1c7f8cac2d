package webhook

import (
	"context"
	"time"

	"github.com/edenartlab/eden2-sub000/pkg/task"
)

// Deliverer applies a backend status update to the task the backend knows as handlerID
type Deliverer interface {
	Deliver(ctx context.Context, handlerID string, payload []byte) (*task.Task, error)
}

// ServerOptions configures the webhook receiver
type ServerOptions struct {
	// Addr is the listen address (default: 127.0.0.1:9465)
	Addr string
	// Path receives prediction deliveries (default: /webhooks/replicate)
	Path string
	// Secret is the signing secret ("whsec_..."). Empty disables verification.
	Secret string
	// Tolerance bounds the age of a signed delivery (default: 5m)
	Tolerance time.Duration
	// RateLimitPerMinute caps deliveries per client IP (default: 600)
	RateLimitPerMinute int
	// MaxBodyBytes caps the request body (default: 1MiB)
	MaxBodyBytes int64
	// Timeout bounds one delivery (default: 30s)
	Timeout time.Duration
}

// deliveryResponse is written back to the backend on success
type deliveryResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}
