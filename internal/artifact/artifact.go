// Package artifact persists opaque versioned model blobs keyed by component name.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound signals that no artifact exists for the component. Callers
// treat it as "not yet trained", never as a failure.
var ErrNotFound = errors.New("artifact not found")

// Store persists and retrieves model artifacts.
type Store interface {
	Save(ctx context.Context, component string, blob []byte) error
	Load(ctx context.Context, component string) ([]byte, error)
}

// FileStore keeps one file per component under a models directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed artifact store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating models dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(component string) string {
	return filepath.Join(s.dir, component+".json")
}

func (s *FileStore) Save(_ context.Context, component string, blob []byte) error {
	tmp := s.path(component) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("writing artifact %s: %w", component, err)
	}
	if err := os.Rename(tmp, s.path(component)); err != nil {
		return fmt.Errorf("renaming artifact %s: %w", component, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, component string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(component))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", component, err)
	}
	return blob, nil
}

// MemStore is an in-memory artifact store for tests.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) Save(_ context.Context, component string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.blobs[component] = cp
	return nil
}

func (s *MemStore) Load(_ context.Context, component string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[component]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}
