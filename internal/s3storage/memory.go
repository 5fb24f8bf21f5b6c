package s3storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrObjectNotFound is returned by MemoryStore when an object is missing.
var ErrObjectNotFound = errors.New("object not found")

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore is a map-backed ObjectStore used by tests and local runs.
// FailNextPuts lets a test fail the next uploads to a bucket to exercise the
// retry path.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	putErrors map[string]int
	putCalls  int
	getCalls  int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]memoryObject),
		putErrors: make(map[string]int),
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// FailNextPuts makes the next n Upload calls into bucket return an error.
func (m *MemoryStore) FailNextPuts(bucket string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErrors[bucket] = n
}

// Upload stores the object in memory.
func (m *MemoryStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	full := objectKey(bucket, key)
	if n := m.putErrors[bucket]; n > 0 {
		m.putErrors[bucket] = n - 1
		return fmt.Errorf("injected put failure for %s", full)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[full] = memoryObject{data: buf, contentType: contentType}
	return nil
}

// Download returns a copy of the stored bytes.
func (m *MemoryStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	obj, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

// PublicURL mirrors the MinIO implementation's shape for a fake endpoint.
func (m *MemoryStore) PublicURL(bucket, key string) string {
	return fmt.Sprintf("http://memory.local/%s/%s", bucket, key)
}

// ContentType reports the stored content type for assertions.
func (m *MemoryStore) ContentType(bucket, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey(bucket, key)]
	return obj.contentType, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// PutCalls returns how many Upload attempts were made.
func (m *MemoryStore) PutCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.putCalls
}

// GetCalls returns how many Download attempts were made.
func (m *MemoryStore) GetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalls
}
