// Package ratelimit implements a rolling-window request gate per source.
//
// The limiter never blocks: callers ask whether a request is admissible and
// decide themselves whether to back off or fall back to another strategy.
package ratelimit

import (
	"sync"
	"time"

	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Window bounds the number of requests within a trailing duration.
// MaxRequests <= 0 disables limiting.
type Window struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Duration    time.Duration `mapstructure:"window"`
}

// Config holds rate limiter configuration.
type Config struct {
	Default   Window
	PerSource map[string]Window
}

// bucket is the RateLimitWindow of one source: recent request timestamps in
// ascending order.
type bucket struct {
	window Window
	stamps []time.Time
}

// Limiter manages per-source rolling windows.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	clock   jobs.Clock
}

// New creates a new Limiter. A nil clock uses the system clock.
func New(cfg Config, clock jobs.Clock) *Limiter {
	if clock == nil {
		clock = system.New()
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		clock:   clock,
	}
}

// Allow reports whether fewer than MaxRequests requests were recorded for the
// source within the trailing window.
func (l *Limiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(source)
	return b.admitLocked(l.clock.Now())
}

// Record notes a request attempt against the source.
func (l *Limiter) Record(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	b := l.bucketLocked(source)
	b.pruneLocked(now)
	if b.window.MaxRequests > 0 {
		b.stamps = append(b.stamps, now)
	}
}

// Reserve atomically checks and records. It returns false without recording
// when the source is at capacity.
func (l *Limiter) Reserve(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	b := l.bucketLocked(source)
	if !b.admitLocked(now) {
		return false
	}
	if b.window.MaxRequests > 0 {
		b.stamps = append(b.stamps, now)
	}
	return true
}

// Snapshot returns the in-window count and the capacity for a source.
func (l *Limiter) Snapshot(source string) (used, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(source)
	b.pruneLocked(l.clock.Now())
	return len(b.stamps), b.window.MaxRequests
}

func (l *Limiter) bucketLocked(source string) *bucket {
	b, ok := l.buckets[source]
	if !ok {
		w, found := l.cfg.PerSource[source]
		if !found {
			w = l.cfg.Default
		}
		b = &bucket{window: w}
		l.buckets[source] = b
	}
	return b
}

func (b *bucket) admitLocked(now time.Time) bool {
	if b.window.MaxRequests <= 0 {
		return true
	}
	b.pruneLocked(now)
	return len(b.stamps) < b.window.MaxRequests
}

// pruneLocked drops timestamps that fell out of the trailing window. A stamp
// exactly one window old is outside it.
func (b *bucket) pruneLocked(now time.Time) {
	if len(b.stamps) == 0 {
		return
	}
	cutoff := now.Add(-b.window.Duration)
	idx := 0
	for idx < len(b.stamps) && !b.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[idx:]...)
	}
}
