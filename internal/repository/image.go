package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"thumbsvc/internal/model"
)

// ErrNotFound is returned when no record matches the query.
var ErrNotFound = errors.New("image record not found")

// ImageRepository wraps all SQL used throughout the API and worker.
type ImageRepository struct {
	pool *pgxpool.Pool
}

// NewImageRepository constructs a repository.
func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// Create inserts a pending record right after the original is stored.
func (r *ImageRepository) Create(ctx context.Context, img *model.ImageUpload) error {
	img.Status = model.StatusPending
	if img.UploadedAt.IsZero() {
		img.UploadedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO image_uploads (id, owner_id, original_file_name, content_type, file_size_bytes, original_key, thumbnail_key, status, uploaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, img.ID, img.OwnerID, img.OriginalFileName, img.ContentType, img.FileSizeBytes, img.OriginalKey, nil, img.Status, img.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert image record: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (r *ImageRepository) Get(ctx context.Context, id uuid.UUID) (*model.ImageUpload, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE id=$1`, id)
	return scanImage(row)
}

// FindByOriginalKey resolves the record owning an original object. This is the
// join used by storage notifications, so ErrNotFound here is a normal outcome.
func (r *ImageRepository) FindByOriginalKey(ctx context.Context, key string) (*model.ImageUpload, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE original_key=$1`, key)
	return scanImage(row)
}

// ListByOwner returns an owner's uploads, newest first.
func (r *ImageRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.ImageUpload, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE owner_id=$1 ORDER BY uploaded_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list image records: %w", err)
	}
	defer rows.Close()
	var out []model.ImageUpload
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// MarkCompleted sets the thumbnail key and flips the status. It is the only
// mutation of a record after creation; the write is unconditional, so for
// duplicate processing the last thumbnail key wins.
func (r *ImageRepository) MarkCompleted(ctx context.Context, id uuid.UUID, thumbnailKey string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE image_uploads SET thumbnail_key=$1, status=$2 WHERE id=$3
	`, thumbnailKey, model.StatusCompleted, id)
	if err != nil {
		return fmt.Errorf("update image record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `
	SELECT id, owner_id, original_file_name, content_type, file_size_bytes, original_key, thumbnail_key, status, uploaded_at
	FROM image_uploads`

func scanImage(row pgx.Row) (*model.ImageUpload, error) {
	var (
		img          model.ImageUpload
		thumbnailKey sql.NullString
	)
	err := row.Scan(&img.ID, &img.OwnerID, &img.OriginalFileName, &img.ContentType, &img.FileSizeBytes,
		&img.OriginalKey, &thumbnailKey, &img.Status, &img.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select image record: %w", err)
	}
	if thumbnailKey.Valid {
		key := thumbnailKey.String
		img.ThumbnailKey = &key
	}
	return &img, nil
}
