// Package memory keeps evidence in process memory for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Store holds evidence blobs keyed by object path.
type Store struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

type blob struct {
	contentType string
	data        []byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{blobs: make(map[string]blob)}
}

// Put stores the content and returns a memory:// URI.
func (s *Store) Put(_ context.Context, objectPath, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read evidence: %w", err)
	}
	s.mu.Lock()
	s.blobs[objectPath] = blob{contentType: contentType, data: data}
	s.mu.Unlock()
	return "memory://" + objectPath, nil
}

// Get returns a stored blob.
func (s *Store) Get(objectPath string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[objectPath]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.data...), b.contentType, true
}

// Paths lists stored object paths in order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for p := range s.blobs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
