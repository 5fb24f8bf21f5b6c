// Package api exposes the HTTP surface: image uploads, storage-event webhook,
// and record queries.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"thumbsvc/internal/config"
	"thumbsvc/internal/model"
	"thumbsvc/internal/notification"
	"thumbsvc/internal/pipeline"
	"thumbsvc/internal/queue"
	"thumbsvc/internal/repository"
	"thumbsvc/internal/s3storage"
	"thumbsvc/internal/signing"
)

// demoOwner is used when no owner header is supplied; authentication is
// handled upstream of this service.
var demoOwner = uuid.MustParse("11111111-1111-1111-1111-111111111111")

// RecordStore is the slice of the repository the API needs.
type RecordStore interface {
	Create(ctx context.Context, img *model.ImageUpload) error
	Get(ctx context.Context, id uuid.UUID) (*model.ImageUpload, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.ImageUpload, error)
}

// Enqueuer schedules thumbnail jobs for freshly uploaded originals.
type Enqueuer interface {
	EnqueueGenerate(ctx context.Context, payload queue.GeneratePayload) error
}

// Server hosts the HTTP handlers.
type Server struct {
	cfg      *config.Config
	records  RecordStore
	objects  s3storage.ObjectStore
	enqueue  Enqueuer
	pipeline *pipeline.Pipeline
	adapter  *notification.Adapter
	signer   *signing.Signer

	engine *gin.Engine
	server *http.Server
}

// New constructs a Server. signer may be nil, in which case the webhook is
// unauthenticated.
func New(cfg *config.Config, records RecordStore, objects s3storage.ObjectStore, enq Enqueuer, pl *pipeline.Pipeline, signer *signing.Signer) *Server {
	s := &Server{
		cfg:      cfg,
		records:  records,
		objects:  objects,
		enqueue:  enq,
		pipeline: pl,
		adapter:  notification.NewAdapter(cfg.OriginalsBucket),
		signer:   signer,
	}

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxFileSize
	r.GET("/healthz", s.handleHealth)
	r.POST("/uploads", s.handleUpload)
	r.POST("/events/storage", s.handleStorageEvent)
	r.GET("/images", s.handleListImages)
	r.GET("/images/:id", s.handleGetImage)
	r.GET("/images/:id/thumbnail", s.handleThumbnailRedirect)
	s.engine = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.engine,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUpload validates the submission fully before any storage or database
// write, so a rejected request leaves zero partial state.
func (s *Server) handleUpload(c *gin.Context) {
	owner, err := ownerFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty file"})
		return
	}
	if file.Size > s.cfg.MaxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large"})
		return
	}
	contentType := strings.ToLower(file.Header.Get("Content-Type"))
	if contentType != "image/png" && contentType != "image/jpeg" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only PNG or JPEG allowed"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, s.cfg.MaxFileSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large"})
		return
	}

	ctx := c.Request.Context()
	id := uuid.New()
	originalKey := fmt.Sprintf("originals/%s/%s_%s", owner, id, filepath.Base(file.Filename))
	if err := s.objects.Upload(ctx, s.cfg.OriginalsBucket, originalKey, data, contentType); err != nil {
		log.Printf("store original %s: %v", originalKey, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	record := &model.ImageUpload{
		ID:               id,
		OwnerID:          owner,
		OriginalFileName: filepath.Base(file.Filename),
		ContentType:      contentType,
		FileSizeBytes:    int64(len(data)),
		OriginalKey:      originalKey,
	}
	if err := s.records.Create(ctx, record); err != nil {
		log.Printf("create record %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store metadata"})
		return
	}

	payload := queue.GeneratePayload{ImageID: id, OwnerID: owner, ObjectKey: originalKey}
	if err := s.enqueue.EnqueueGenerate(ctx, payload); err != nil {
		log.Printf("enqueue job for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":           id.String(),
		"status":       string(model.StatusPending),
		"original_url": s.objects.PublicURL(s.cfg.OriginalsBucket, originalKey),
	})
}

// handleStorageEvent drives the pipeline from an object-created notification.
// Delivery is at-least-once, so every response here must be safe to repeat.
func (s *Server) handleStorageEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if s.signer != nil {
		sig := c.GetHeader("X-Webhook-Signature")
		if sig == "" || !s.signer.Verify(body, sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}
	}

	ref, err := s.adapter.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.adapter.Match(ref) {
		// Traffic for other buckets is filtered, not failed.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	result, err := s.pipeline.Process(c.Request.Context(), ref.Bucket, ref.Name)
	if err != nil {
		if pipeline.IsStage(err, pipeline.StageInconsistent) {
			log.Printf("STORE INCONSISTENCY for %s: %v", ref.Name, err)
		} else {
			log.Printf("process %s: %v", ref.Name, err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "thumbnail processing failed"})
		return
	}
	if result.Outcome == pipeline.OutcomeNotFound {
		log.Printf("no record for object %s", ref.Name)
		c.JSON(http.StatusNotFound, gin.H{"status": "no_action"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        string(model.StatusCompleted),
		"thumbnail_key": result.ThumbnailKey,
	})
}

func (s *Server) handleListImages(c *gin.Context) {
	owner := demoOwner
	if v := c.Query("owner"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
			return
		}
		owner = parsed
	}
	images, err := s.records.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		log.Printf("list images for %s: %v", owner, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list images"})
		return
	}
	if images == nil {
		images = []model.ImageUpload{}
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}

func (s *Server) handleGetImage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image id"})
		return
	}
	record, err := s.records.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load image"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleThumbnailRedirect(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image id"})
		return
	}
	record, err := s.records.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail not available"})
			return
		}
		log.Printf("load image %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load image"})
		return
	}
	if record.ThumbnailKey == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail not available"})
		return
	}
	c.Redirect(http.StatusFound, s.objects.PublicURL(s.cfg.ThumbnailsBucket, *record.ThumbnailKey))
}

func ownerFromRequest(c *gin.Context) (uuid.UUID, error) {
	v := c.GetHeader("X-Owner-ID")
	if v == "" {
		return demoOwner, nil
	}
	return uuid.Parse(v)
}
