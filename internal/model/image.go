// Package model contains the shared data types for upload records.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ThumbnailStatus describes whether a thumbnail has been produced for an
// upload. There is no failed terminal state: a record that never completed
// stays pending and is re-driven by queue redelivery.
type ThumbnailStatus string

const (
	StatusPending   ThumbnailStatus = "pending"
	StatusCompleted ThumbnailStatus = "completed"
)

// ImageUpload is one uploaded original and its thumbnail lifecycle. All
// fields except ThumbnailKey and Status are set at creation and never change.
// OriginalKey is unique across records; notifications join back to the record
// through it.
type ImageUpload struct {
	ID               uuid.UUID       `json:"id"`
	OwnerID          uuid.UUID       `json:"ownerId"`
	OriginalFileName string          `json:"originalFileName"`
	ContentType      string          `json:"contentType"`
	FileSizeBytes    int64           `json:"fileSizeBytes"`
	OriginalKey      string          `json:"originalKey"`
	ThumbnailKey     *string         `json:"thumbnailKey,omitempty"`
	Status           ThumbnailStatus `json:"status"`
	UploadedAt       time.Time       `json:"uploadedAt"`
}
