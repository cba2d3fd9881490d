// Package cache wraps source calls with a TTL result cache keyed by source and
// normalized query.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/hash/sha256"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/metrics"
)

// Defaults for Config.
const (
	DefaultTTL            = time.Hour
	DefaultStaleRetention = 24 * time.Hour
)

// Store persists cache entries. Concurrent Set calls for one key are
// last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) (jobs.CacheEntry, bool, error)
	Set(ctx context.Context, entry jobs.CacheEntry) error
}

// Config controls entry lifetimes.
type Config struct {
	TTL time.Duration
	// StaleRetention bounds how long past expiry an entry may still be served
	// as stale data.
	StaleRetention time.Duration
}

// SearchFunc performs the uncached call.
type SearchFunc func(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error)

// Client is the caching wrapper around adapter calls.
type Client struct {
	store  Store
	cfg    Config
	clock  jobs.Clock
	logger *zap.Logger
}

// New builds a Client.
func New(store Store, cfg Config, clock jobs.Clock, logger *zap.Logger) *Client {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StaleRetention < 0 {
		cfg.StaleRetention = 0
	} else if cfg.StaleRetention == 0 {
		cfg.StaleRetention = DefaultStaleRetention
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{store: store, cfg: cfg, clock: clock, logger: logger.Named("cache")}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Key derives the cache key for a source and query. Queries that normalize to
// the same value share a key.
func Key(source string, q jobs.SearchQuery) string {
	body, err := json.Marshal(q.Normalized())
	if err != nil {
		// SearchQuery holds only plain values; Marshal cannot fail.
		body = []byte(q.Normalized().Keywords)
	}
	return "search:" + sha256.Digest(32, source, string(body))
}

// Search returns a fresh cached result when present; otherwise it invokes fn,
// stores the result with a new expiry and returns it. hit reports whether fn
// was skipped. Errors from fn are returned unchanged and nothing is stored.
func (c *Client) Search(ctx context.Context, source string, q jobs.SearchQuery, fn SearchFunc) (records []jobs.JobRecord, hit bool, err error) {
	key := Key(source, q)
	now := c.clock.Now()

	entry, ok, getErr := c.store.Get(ctx, key)
	switch {
	case getErr != nil:
		c.logger.Warn("cache read failed; treating as miss", zap.String("source", source), zap.Error(getErr))
	case ok && !entry.Expired(now):
		metrics.ObserveCache("hit")
		return clonePayload(entry.Payload), true, nil
	}
	metrics.ObserveCache("miss")

	records, err = fn(ctx, q)
	if err != nil {
		return nil, false, err
	}

	stored := c.clock.Now()
	if setErr := c.store.Set(ctx, jobs.CacheEntry{
		Key:       key,
		Payload:   clonePayload(records),
		StoredAt:  stored,
		ExpiresAt: stored.Add(c.cfg.TTL),
	}); setErr != nil {
		c.logger.Warn("cache write failed", zap.String("source", source), zap.Error(setErr))
	}
	return records, false, nil
}

// Put stores records for a query as a fresh entry. The aggregator uses it to
// keep alternate-endpoint results available to later stale lookups.
func (c *Client) Put(ctx context.Context, source string, q jobs.SearchQuery, records []jobs.JobRecord) {
	now := c.clock.Now()
	if err := c.store.Set(ctx, jobs.CacheEntry{
		Key:       Key(source, q),
		Payload:   clonePayload(records),
		StoredAt:  now,
		ExpiresAt: now.Add(c.cfg.TTL),
	}); err != nil {
		c.logger.Warn("cache write failed", zap.String("source", source), zap.Error(err))
	}
}

// Lookup returns the most recent entry for the query whether or not it has
// expired, as long as it is within the stale retention period. expired reports
// whether the entry is past its TTL; its records are then marked Stale.
func (c *Client) Lookup(ctx context.Context, source string, q jobs.SearchQuery) (records []jobs.JobRecord, expired, ok bool) {
	entry, found, err := c.store.Get(ctx, Key(source, q))
	if err != nil {
		c.logger.Warn("cache lookup failed", zap.String("source", source), zap.Error(err))
		return nil, false, false
	}
	if !found {
		return nil, false, false
	}
	now := c.clock.Now()
	if now.Sub(entry.ExpiresAt) > c.cfg.StaleRetention {
		return nil, false, false
	}
	out := clonePayload(entry.Payload)
	expired = entry.Expired(now)
	if expired {
		metrics.ObserveCache("stale")
		for i := range out {
			out[i].Stale = true
		}
	} else {
		metrics.ObserveCache("hit")
	}
	return out, expired, true
}

// Stale is Lookup without the expiry flag.
func (c *Client) Stale(ctx context.Context, source string, q jobs.SearchQuery) ([]jobs.JobRecord, bool) {
	records, _, ok := c.Lookup(ctx, source, q)
	return records, ok
}

// clonePayload copies records so callers never share a slice with the store.
func clonePayload(records []jobs.JobRecord) []jobs.JobRecord {
	if records == nil {
		return nil
	}
	out := make([]jobs.JobRecord, len(records))
	copy(out, records)
	for i, rec := range records {
		if rec.Notes.Tags != nil {
			out[i].Notes.Tags = append(make([]string, 0, len(rec.Notes.Tags)), rec.Notes.Tags...)
		}
	}
	return out
}
