// Package services holds the external collaborators: blob storage, the
// out-of-process converter, and content sniffing.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned by Get for an unknown or deleted location.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the narrow blob-storage boundary: opaque locations in,
// byte streams out. Jobs write at most one input and one output blob.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader, nameHint string) (location string, err error)
	Get(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// BlobLocation builds an upload key: date-partitioned, original base name
// cleaned up, short random suffix to avoid collisions.
func BlobLocation(nameHint string, now time.Time) string {
	ext := filepath.Ext(nameHint)
	baseName := strings.TrimSuffix(filepath.Base(nameHint), ext)
	baseName = strings.ReplaceAll(baseName, " ", "_")
	baseName = strings.ReplaceAll(baseName, "..", "_")

	uniqueID := uuid.New().String()
	return fmt.Sprintf("uploads/%s/%s_%s%s", now.Format("2006/01/02"), baseName, uniqueID[:8], ext)
}

// SniffContentType detects a MIME type from the first bytes of a file.
func SniffContentType(head []byte) string {
	if len(head) > 512 {
		head = head[:512]
	}
	return http.DetectContentType(head)
}

// MemoryBlobs keeps blobs in process memory. It backs tests and
// redis-less single-node runs; production uses S3.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) Put(_ context.Context, r io.Reader, nameHint string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read blob: %w", err)
	}

	location := BlobLocation(nameHint, time.Now())
	m.mu.Lock()
	m.blobs[location] = data
	m.mu.Unlock()
	return location, nil
}

func (m *MemoryBlobs) Get(_ context.Context, location string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.blobs[location]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBlobs) Delete(_ context.Context, location string) error {
	m.mu.Lock()
	delete(m.blobs, location)
	m.mu.Unlock()
	return nil
}
