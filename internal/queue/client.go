package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

// Client wraps an asynq client behind the Enqueuer shape the API depends on,
// so tests can swap in a recorder.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a Client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// EnqueueGenerate schedules a thumbnail job.
func (c *Client) EnqueueGenerate(ctx context.Context, payload GeneratePayload) error {
	return EnqueueGenerate(ctx, c.inner, payload)
}
