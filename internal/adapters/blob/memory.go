package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"cardscan/internal/ports"
)

var _ ports.BlobStore = (*MemoryStore)(nil)

// MemoryStore keeps objects in a map. It backs local runs and tests; FailPut
// and FailRemove let tests inject storage outages.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	FailPut    error
	FailRemove error
}

func NewMemory() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *MemoryStore) Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error {
	if m.FailPut != nil {
		return m.FailPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	m.types[path] = contentType
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ports.ErrBlobNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) (bool, error) {
	if m.FailRemove != nil {
		return false, m.FailRemove
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	delete(m.objects, path)
	delete(m.types, path)
	return ok, nil
}

func (m *MemoryStore) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
