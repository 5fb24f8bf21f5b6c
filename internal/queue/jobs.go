package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// GenerateThumbnailTask is scheduled each time an original is uploaded.
	GenerateThumbnailTask = "thumbnail:generate"
)

// GeneratePayload is serialized into the task payload so the worker knows
// which record and object to process.
type GeneratePayload struct {
	ImageID   uuid.UUID `json:"image_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	ObjectKey string    `json:"object_key"`
}

// EnqueueGenerate enqueues a thumbnail generation job. asynq redelivers on
// failure, which is the retry path for transient download and store faults.
func EnqueueGenerate(ctx context.Context, client *asynq.Client, payload GeneratePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(GenerateThumbnailTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue thumbnail task: %w", err)
	}
	return nil
}
