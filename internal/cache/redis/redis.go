// Package rediscache stores cache entries in Redis as JSON documents.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Store implements cache.Store on a go-redis client.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces all keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the time source used to compute key TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an existing client. Keys live until expiry plus retention so the
// stale fallback can still read them.
func New(client redis.UniversalClient, retention time.Duration, opts ...Option) *Store {
	s := &Store{client: client, prefix: "autoapply:", retention: retention, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL(%q): %w", redisURL, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, key string) (jobs.CacheEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return jobs.CacheEntry{}, false, nil
	}
	if err != nil {
		return jobs.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry jobs.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return jobs.CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

// Set implements cache.Store.
func (s *Store) Set(ctx context.Context, entry jobs.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	ttl := entry.ExpiresAt.Add(s.retention).Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+entry.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
