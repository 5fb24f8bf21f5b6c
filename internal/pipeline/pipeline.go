// Package pipeline produces thumbnails for stored originals and records the
// result. It orchestrates the object store, the codec and the record store;
// each of those is injected so the pipeline never touches ambient state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"thumbsvc/internal/config"
	"thumbsvc/internal/model"
	"thumbsvc/internal/repository"
	"thumbsvc/internal/s3storage"
	"thumbsvc/internal/thumbnail"
)

// RecordStore is the slice of the repository the pipeline needs.
type RecordStore interface {
	FindByOriginalKey(ctx context.Context, key string) (*model.ImageUpload, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, thumbnailKey string) error
}

// RetryPolicy bounds the thumbnail upload retry loop. Delay before attempt
// n+1 is n times the backoff unit.
type RetryPolicy struct {
	MaxAttempts int
	BackoffUnit time.Duration
}

// Outcome classifies a Process invocation that did not fail.
type Outcome int

const (
	// OutcomeCompleted means a thumbnail was produced and the record updated.
	OutcomeCompleted Outcome = iota
	// OutcomeNotFound means no record owns the original key. Normal for
	// notifications about objects this service never recorded.
	OutcomeNotFound
)

// Result reports what Process did.
type Result struct {
	Outcome      Outcome
	Record       *model.ImageUpload
	ThumbnailKey string
}

// Pipeline generates thumbnails. Safe for concurrent use; concurrent runs for
// the same record each write a distinct timestamped key, and the final record
// write is last-write-wins.
type Pipeline struct {
	records RecordStore
	objects s3storage.ObjectStore
	codec   *thumbnail.Codec

	originalsBucket  string
	thumbnailsBucket string
	retryPolicy      RetryPolicy
}

// New constructs a Pipeline from its collaborators and the immutable config.
func New(records RecordStore, objects s3storage.ObjectStore, codec *thumbnail.Codec, cfg *config.Config) *Pipeline {
	return &Pipeline{
		records:          records,
		objects:          objects,
		codec:            codec,
		originalsBucket:  cfg.OriginalsBucket,
		thumbnailsBucket: cfg.ThumbnailsBucket,
		retryPolicy: RetryPolicy{
			MaxAttempts: cfg.UploadMaxAttempts,
			BackoffUnit: cfg.UploadBackoffUnit,
		},
	}
}

// Process resolves the record owning bucket/key and generates its thumbnail.
// A missing record is a NotFound result, not an error; nothing durable has
// been touched on that path or on any failure before the thumbnail upload.
func (p *Pipeline) Process(ctx context.Context, bucket, key string) (*Result, error) {
	record, err := p.records.FindByOriginalKey(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &Result{Outcome: OutcomeNotFound}, nil
		}
		return nil, fmt.Errorf("resolve record for %s: %w", key, err)
	}
	return p.run(ctx, bucket, record)
}

// ProcessRecord generates a thumbnail for a record already in hand, reading
// the original from the configured originals bucket.
func (p *Pipeline) ProcessRecord(ctx context.Context, record *model.ImageUpload) (*Result, error) {
	return p.run(ctx, p.originalsBucket, record)
}

func (p *Pipeline) run(ctx context.Context, bucket string, record *model.ImageUpload) (*Result, error) {
	// Download is attempted once: a missing original usually means storage
	// propagation lag, and the notification source redelivers.
	data, err := p.objects.Download(ctx, bucket, record.OriginalKey)
	if err != nil {
		return nil, &Error{Stage: StageDownload, Key: record.OriginalKey, Err: err}
	}

	thumb, err := p.codec.Render(data)
	if err != nil {
		return nil, &Error{Stage: StageCodec, Key: record.OriginalKey, Err: err}
	}

	// The timestamp keeps repeat runs for the same record from overwriting a
	// previous thumbnail, so some valid thumbnail stays available throughout.
	thumbKey := fmt.Sprintf("thumbnails/%s/%s_%s.%s",
		record.OwnerID, record.ID, time.Now().UTC().Format("20060102150405"), thumb.Ext)

	if err := p.uploadWithRetry(ctx, thumbKey, thumb); err != nil {
		return nil, &Error{Stage: StageUpload, Key: thumbKey, Err: err}
	}

	if err := p.records.MarkCompleted(ctx, record.ID, thumbKey); err != nil {
		// The thumbnail is durable but the record is stale. Not rolled back:
		// an orphaned blob beats deleting a good thumbnail.
		return nil, &Error{Stage: StageInconsistent, Key: thumbKey, Err: err}
	}

	record.Status = model.StatusCompleted
	record.ThumbnailKey = &thumbKey
	return &Result{Outcome: OutcomeCompleted, Record: record, ThumbnailKey: thumbKey}, nil
}

func (p *Pipeline) uploadWithRetry(ctx context.Context, key string, thumb *thumbnail.Result) error {
	attempt := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if attempt >= p.retryPolicy.MaxAttempts {
			return 0, true
		}
		return time.Duration(attempt) * p.retryPolicy.BackoffUnit, false
	})
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.objects.Upload(ctx, p.thumbnailsBucket, key, thumb.Data, thumb.ContentType); err != nil {
			log.Printf("thumbnail upload attempt %d failed for %s: %v", attempt+1, key, err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
