package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"thumbsvc/internal/config"
	"thumbsvc/internal/model"
	"thumbsvc/internal/pipeline"
	"thumbsvc/internal/queue"
	"thumbsvc/internal/repository"
	"thumbsvc/internal/s3storage"
	"thumbsvc/internal/signing"
	"thumbsvc/internal/thumbnail"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRecords struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*model.ImageUpload
	getErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{byID: make(map[uuid.UUID]*model.ImageUpload)}
}

func (f *fakeRecords) Create(ctx context.Context, img *model.ImageUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img.Status = model.StatusPending
	if img.UploadedAt.IsZero() {
		img.UploadedAt = time.Now().UTC()
	}
	cp := *img
	f.byID[img.ID] = &cp
	return nil
}

func (f *fakeRecords) Get(ctx context.Context, id uuid.UUID) (*model.ImageUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	img, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (f *fakeRecords) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.ImageUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ImageUpload
	for _, img := range f.byID {
		if img.OwnerID == ownerID {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (f *fakeRecords) FindByOriginalKey(ctx context.Context, key string) (*model.ImageUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.byID {
		if img.OriginalKey == key {
			cp := *img
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRecords) MarkCompleted(ctx context.Context, id uuid.UUID, thumbnailKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	key := thumbnailKey
	img.ThumbnailKey = &key
	img.Status = model.StatusCompleted
	return nil
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.GeneratePayload
}

func (f *fakeEnqueuer) EnqueueGenerate(ctx context.Context, payload queue.GeneratePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func testConfig() *config.Config {
	return &config.Config{
		Address:           ":0",
		OriginalsBucket:   "originals",
		ThumbnailsBucket:  "thumbnails",
		ThumbWidth:        64,
		ThumbHeight:       64,
		ThumbMode:         config.ModeCrop,
		UploadMaxAttempts: 3,
		UploadBackoffUnit: time.Millisecond,
		MaxFileSize:       10 << 20,
	}
}

func newTestServer(secret []byte) (*Server, *fakeRecords, *s3storage.MemoryStore, *fakeEnqueuer) {
	cfg := testConfig()
	records := newFakeRecords()
	store := s3storage.NewMemoryStore()
	enq := &fakeEnqueuer{}
	pl := pipeline.New(records, store, thumbnail.NewCodec(cfg), cfg)
	var signer *signing.Signer
	if len(secret) > 0 {
		signer = signing.NewSigner(secret)
	}
	return New(cfg, records, store, enq, pl, signer), records, store, enq
}

func pngUploadBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func TestUploadAcceptsPNG(t *testing.T) {
	srv, records, store, enq := newTestServer(nil)
	body, contentType := pngUploadBody(t, "file", "photo.png", "image/png", pngBytes(t))

	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(model.StatusPending) {
		t.Fatalf("expected pending status, got %s", resp.Status)
	}
	if store.PutCalls() != 1 {
		t.Fatalf("expected original stored once, got %d puts", store.PutCalls())
	}
	if records.count() != 1 {
		t.Fatalf("expected one record, got %d", records.count())
	}
	if enq.count() != 1 {
		t.Fatalf("expected one enqueued job, got %d", enq.count())
	}
}

func TestUploadRejectsUnsupportedContentType(t *testing.T) {
	srv, records, store, enq := newTestServer(nil)
	body, contentType := pngUploadBody(t, "file", "anim.gif", "image/gif", []byte("GIF89afake"))

	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if store.PutCalls() != 0 {
		t.Fatalf("rejected upload must not touch the object store, got %d puts", store.PutCalls())
	}
	if records.count() != 0 || enq.count() != 0 {
		t.Fatal("rejected upload must not create records or jobs")
	}
}

func TestUploadRejectsMissingAndEmptyFile(t *testing.T) {
	srv, _, store, _ := newTestServer(nil)

	req := httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xxx")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file, got %d", rec.Code)
	}

	body, contentType := pngUploadBody(t, "file", "empty.png", "image/png", nil)
	req = httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty file, got %d", rec.Code)
	}
	if store.PutCalls() != 0 {
		t.Fatal("rejected uploads must not touch the object store")
	}
}

func postEvent(srv *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events/storage", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStorageEventIgnoresForeignBucket(t *testing.T) {
	srv, _, store, _ := newTestServer(nil)
	rec := postEvent(srv, `{"bucket":"somebody-elses-bucket","name":"x.png"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for foreign bucket, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("expected ignored status, got %s", rec.Body.String())
	}
	if store.GetCalls() != 0 || store.PutCalls() != 0 {
		t.Fatal("ignored event must produce zero object store calls")
	}
}

func TestStorageEventUnknownObjectIsNoAction(t *testing.T) {
	srv, _, _, _ := newTestServer(nil)
	rec := postEvent(srv, `{"bucket":"originals","name":"originals/u/never-uploaded.png"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown object, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no_action") {
		t.Fatalf("expected no_action status, got %s", rec.Body.String())
	}
}

func TestStorageEventRejectsMalformedPayload(t *testing.T) {
	srv, _, _, _ := newTestServer(nil)
	for _, body := range []string{`{`, `{"bucket":"originals"}`, `{"data":{}}`} {
		rec := postEvent(srv, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, rec.Code)
		}
	}
}

func TestStorageEventDrivesPipeline(t *testing.T) {
	srv, records, store, _ := newTestServer(nil)
	img := &model.ImageUpload{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		OriginalKey: "originals/u/event.png",
	}
	if err := records.Create(context.Background(), img); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := store.Upload(context.Background(), "originals", img.OriginalKey, pngBytes(t), "image/png"); err != nil {
		t.Fatalf("seed object: %v", err)
	}

	rec := postEvent(srv, `{"data":{"bucket":"originals","name":"originals/u/event.png"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := records.Get(context.Background(), img.ID)
	if got.Status != model.StatusCompleted || got.ThumbnailKey == nil {
		t.Fatalf("record not completed by event: %+v", got)
	}
}

func TestStorageEventVerifiesSignature(t *testing.T) {
	secret := []byte("hook-secret")
	srv, _, _, _ := newTestServer(secret)
	body := `{"bucket":"other","name":"x.png"}`

	rec := postEvent(srv, body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}
	rec = postEvent(srv, body, map[string]string{"X-Webhook-Signature": "deadbeef"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad signature, got %d", rec.Code)
	}
	sig := signing.NewSigner(secret).Sign([]byte(body))
	rec = postEvent(srv, body, map[string]string{"X-Webhook-Signature": sig})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d", rec.Code)
	}
}

func TestThumbnailRedirect(t *testing.T) {
	srv, records, _, _ := newTestServer(nil)
	key := "thumbnails/u/th.png"
	img := &model.ImageUpload{ID: uuid.New(), OwnerID: uuid.New(), OriginalKey: "originals/u/th.png"}
	if err := records.Create(context.Background(), img); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := records.MarkCompleted(context.Background(), img.ID, key); err != nil {
		t.Fatalf("mark: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/images/"+img.ID.String()+"/thumbnail", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, key) {
		t.Fatalf("unexpected redirect target %q", loc)
	}

	req = httptest.NewRequest(http.MethodGet, "/images/"+uuid.NewString()+"/thumbnail", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown image, got %d", rec.Code)
	}
}

func TestThumbnailRedirectDistinguishesStoreFailure(t *testing.T) {
	srv, records, _, _ := newTestServer(nil)
	img := &model.ImageUpload{ID: uuid.New(), OwnerID: uuid.New(), OriginalKey: "originals/u/pending.png"}
	if err := records.Create(context.Background(), img); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Pending record: no thumbnail yet, still a 404.
	req := httptest.NewRequest(http.MethodGet, "/images/"+img.ID.String()+"/thumbnail", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for pending record, got %d", rec.Code)
	}

	// A repository failure is a server error, not a missing thumbnail.
	records.getErr = errors.New("connection reset")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/"+img.ID.String()+"/thumbnail", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for repository failure, got %d", rec.Code)
	}
}
