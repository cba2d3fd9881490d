// Package memory provides an in-process cache store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Store keeps cache entries in a map guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]jobs.CacheEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]jobs.CacheEntry)}
}

// Get implements cache.Store.
func (s *Store) Get(_ context.Context, key string) (jobs.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Set implements cache.Store.
func (s *Store) Set(_ context.Context, entry jobs.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

// Prune removes entries that expired before cutoff and returns how many went.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if e.ExpiresAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
