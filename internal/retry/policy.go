// Package retry provides an explicit backoff policy for fallible calls such as
// page loads and element lookups.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Policy retries a call with capped exponential backoff and jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter returns a duration in [0, limit). Nil uses CryptoJitter.
	Jitter func(limit time.Duration) time.Duration
	// Retryable decides whether an error warrants another attempt. Nil uses
	// jobs.Retryable.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil uses a timer bound to the context.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns a policy with sane defaults.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Backoff returns the wait before the next attempt after the given number of
// failed attempts (1-based). Delays never decrease and never exceed MaxDelay.
func (p Policy) Backoff(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(failed-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	delay := time.Duration(base)
	// Jitter stays below half the step so the next doubled step still dominates.
	delay += p.jitter(delay / 2)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ShouldRetry decides whether another attempt is allowed after the given number
// of failed attempts.
func (p Policy) ShouldRetry(err error, failed int) bool {
	if err == nil || failed >= p.attempts() {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return jobs.Retryable(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempt
// budget is exhausted. The attempt number passed to fn is 1-based.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return fmt.Errorf("%w (last error: %v)", ctxErr, err)
			}
			return ctxErr
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			if attempt > 1 {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return err
		}
		if sleepErr := p.sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return fmt.Errorf("%w (last error: %v)", sleepErr, err)
		}
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	fn := p.Jitter
	if fn == nil {
		fn = CryptoJitter
	}
	j := fn(limit)
	if j < 0 {
		return 0
	}
	if j >= limit {
		return limit - 1
	}
	return j
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CryptoJitter draws a uniform duration in [0, limit).
func CryptoJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
