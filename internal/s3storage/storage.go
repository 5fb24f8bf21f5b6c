// Package s3storage wraps MinIO/S3 interactions for original images and
// generated thumbnails.
package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"thumbsvc/internal/config"
)

// ObjectStore is the blob capability the pipeline depends on. The MinIO
// implementation is used in production; an in-memory one backs tests.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	PublicURL(bucket, key string) string
}

// Storage implements ObjectStore on top of a MinIO client.
type Storage struct {
	client        *minio.Client
	region        string
	publicBaseURL string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.S3UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, cfg.S3Endpoint)
	}
	return &Storage{
		client:        client,
		region:        cfg.S3Region,
		publicBaseURL: strings.TrimRight(base, "/"),
	}, nil
}

// EnsureBuckets makes sure the given buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// Upload stores an object with the given content type.
func (s *Storage) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, bucket, key, reader, int64(len(data)), opts); err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Download fetches the full object bytes.
func (s *Storage) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return buf, nil
}

// PublicURL returns the unauthenticated URL for an object. Key segments are
// escaped individually so slashes stay intact.
func (s *Storage) PublicURL(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, bucket, strings.Join(segments, "/"))
}
