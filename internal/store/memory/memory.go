// Package memory is an in-process document store.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/JakeFAU/autoapply/internal/store"
)

// Store keeps documents as marshalled JSON so callers never share memory with
// the store.
type Store struct {
	mu   sync.RWMutex
	docs map[string]map[string]json.RawMessage
}

// New creates an empty Store.
func New() *Store {
	return &Store{docs: make(map[string]map[string]json.RawMessage)}
}

// Save upserts a document.
func (s *Store) Save(_ context.Context, collection, id string, record any) error {
	if err := store.ValidateKey(collection, id); err != nil {
		return err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return store.Failure("marshal", collection, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.docs[collection]
	if !ok {
		c = make(map[string]json.RawMessage)
		s.docs[collection] = c
	}
	c[id] = body
	return nil
}

// Get decodes one document.
func (s *Store) Get(_ context.Context, collection, id string, out any) error {
	s.mu.RLock()
	body, ok := s.docs[collection][id]
	s.mu.RUnlock()
	if !ok {
		return store.NotFound(collection, id)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return store.Failure("decode", collection, err)
	}
	return nil
}

// Query returns matching documents ordered by id.
func (s *Store) Query(_ context.Context, collection string, pred store.Predicate) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.docs[collection]
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		if pred == nil || pred(c[id]) {
			out = append(out, append(json.RawMessage(nil), c[id]...))
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
