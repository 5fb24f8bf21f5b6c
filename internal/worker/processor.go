package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"thumbsvc/internal/model"
	"thumbsvc/internal/pipeline"
	"thumbsvc/internal/queue"
)

// RecordReader is the slice of the repository the worker needs on top of what
// the pipeline already uses.
type RecordReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.ImageUpload, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	records  RecordReader
	pipeline *pipeline.Pipeline
}

// NewProcessor constructs a worker processor.
func NewProcessor(records RecordReader, pl *pipeline.Pipeline) *Processor {
	return &Processor{records: records, pipeline: pl}
}

// Handler registers the thumbnail job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.GenerateThumbnailTask, p.handleGenerate)
	return mux
}

func (p *Processor) handleGenerate(ctx context.Context, task *asynq.Task) error {
	var payload queue.GeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	record, err := p.records.Get(ctx, payload.ImageID)
	if err != nil {
		return fmt.Errorf("load record %s: %w", payload.ImageID, err)
	}
	if record.Status == model.StatusCompleted {
		// Duplicate delivery for an already processed record.
		log.Printf("record %s already completed, skipping", record.ID)
		return nil
	}

	result, err := p.pipeline.ProcessRecord(ctx, record)
	if err != nil {
		switch pipeline.StageOf(err) {
		case pipeline.StageCodec:
			// Undecodable input will not succeed on redelivery.
			log.Printf("record %s: %v", record.ID, err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		case pipeline.StageInconsistent:
			// Thumbnail blob is durable but the record is stale; flagged for
			// operators, retried so the record catches up.
			log.Printf("STORE INCONSISTENCY for record %s: %v", record.ID, err)
			return err
		default:
			log.Printf("record %s: %v", record.ID, err)
			return err
		}
	}

	log.Printf("thumbnail %s generated for record %s (%d bytes original)",
		result.ThumbnailKey, record.ID, record.FileSizeBytes)
	return nil
}
