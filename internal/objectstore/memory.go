package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"pacs-server/internal/apperr"
)

// Memory is an in-process Store used by tests and local runs. Objects are
// placed with Put, standing in for the client's direct upload.
type Memory struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	now     func() time.Time
}

func NewMemory(bucket string) *Memory {
	return &Memory{
		bucket:  bucket,
		objects: map[string][]byte{},
		now:     time.Now,
	}
}

func (m *Memory) presign(op, key string, ttl time.Duration) string {
	q := url.Values{}
	q.Set("op", op)
	q.Set("expires", fmt.Sprint(m.now().Add(ttl).Unix()))
	u := url.URL{Scheme: "memory", Host: m.bucket, Path: "/" + key, RawQuery: q.Encode()}
	return u.String()
}

func (m *Memory) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.FromContext(err)
	}
	return m.presign("put", key, ttl), nil
}

func (m *Memory) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.FromContext(err)
	}
	return m.presign("get", key, ttl), nil
}

// Put stores data under key.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// Has reports whether key is stored.
func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *Memory) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, apperr.NotFound.New("object %q not found", key)
	}
	sum := sha256.Sum256(data)
	return &ObjectInfo{Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, nil
}

func (m *Memory) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return apperr.FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}
