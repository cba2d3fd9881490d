// Package aggregator fans a search out across sources and walks each source's
// fallback chain: rate check, cached primary call, alternate endpoint, the most
// recent cached result, and finally placeholder records for the whole search.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/autoapply/internal/cache"
	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/metrics"
	"github.com/JakeFAU/autoapply/internal/source"
)

// FallbackStep names the step of the chain that produced a source's records.
type FallbackStep string

// Fallback steps, in chain order.
const (
	StepPrimary   FallbackStep = "primary"
	StepCache     FallbackStep = "cache"
	StepAlternate FallbackStep = "alternate"
	StepStale     FallbackStep = "stale"
	StepNone      FallbackStep = "none"
)

// PlaceholderSource is the source name carried by synthesized records.
const PlaceholderSource = "placeholder"

const (
	maxWorkers              = 8
	defaultPlaceholderCount = 3
)

// RateGate admits or rejects a request against a source, recording admitted
// attempts atomically.
type RateGate interface {
	Reserve(source string) bool
}

// Config controls fan-out and the optional fallback steps.
type Config struct {
	// Workers caps concurrent per-source searches. Zero means one per source,
	// up to 8.
	Workers int
	// AllowStale enables serving expired cache entries when every live step
	// failed. Unexpired entries are served regardless.
	AllowStale bool
	// PlaceholderCount is the number of sample records synthesized when every
	// source failed and the caller accepts placeholders.
	PlaceholderCount int
	// SourceTimeout bounds each adapter call. Zero leaves it to the caller's
	// context.
	SourceTimeout time.Duration
}

// SourceResult is the outcome of one source's fallback chain.
type SourceResult struct {
	Source  string
	Records []jobs.JobRecord
	Step    FallbackStep
	// Err carries the failures of the live steps when the records came from
	// the stale cache or when nothing was found.
	Err error
}

// Result is the outcome of a multi-source search.
type Result struct {
	Records         []jobs.JobRecord
	PerSourceErrors map[string]error
	PerSource       []SourceResult
	Placeholder     bool
}

// Client is the AggregationClient.
type Client struct {
	cfg      Config
	limiter  RateGate
	cache    *cache.Client
	registry *source.Registry
	clock    jobs.Clock
	logger   *zap.Logger
}

// New wires a Client.
func New(cfg Config, limiter RateGate, cacheClient *cache.Client, registry *source.Registry, clock jobs.Clock, logger *zap.Logger) *Client {
	if cfg.PlaceholderCount <= 0 {
		cfg.PlaceholderCount = defaultPlaceholderCount
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		limiter:  limiter,
		cache:    cacheClient,
		registry: registry,
		clock:    clock,
		logger:   logger.Named("aggregator"),
	}
}

// SearchSource runs the fallback chain for one source. Steps execute strictly
// in order and stop at the first success.
func (c *Client) SearchSource(ctx context.Context, name string, q jobs.SearchQuery) SourceResult {
	logger := c.logger.With(zap.String("source", name))
	res := SourceResult{Source: name, Step: StepNone}

	primary, ok := c.registry.Primary(name)
	if !ok {
		res.Err = jobs.NewSourceError(name, jobs.KindUnknown, fmt.Errorf("source not configured"))
		metrics.ObserveFallbackStep(name, string(res.Step))
		return res
	}

	var failures []error

	if c.limiter.Reserve(name) {
		records, hit, err := c.cache.Search(ctx, name, q, c.bounded(primary))
		if err == nil {
			res.Records = records
			res.Step = StepPrimary
			if hit {
				res.Step = StepCache
			} else {
				metrics.ObserveSourceRequest(name, "ok")
			}
			metrics.ObserveFallbackStep(name, string(res.Step))
			return res
		}
		err = asSourceError(name, err)
		metrics.ObserveSourceRequest(name, string(jobs.KindOf(err)))
		logger.Warn("primary search failed", zap.Error(err))
		failures = append(failures, err)
	} else {
		logger.Info("rate limited; skipping primary")
		failures = append(failures, jobs.NewSourceError(name, jobs.KindRateLimited, fmt.Errorf("local rate limit reached")))
	}

	if alt, ok := c.registry.Alternate(name); ok {
		records, err := c.bounded(alt)(ctx, q)
		if err == nil {
			metrics.ObserveSourceRequest(name, "ok")
			metrics.ObserveFallbackStep(name, string(StepAlternate))
			c.cache.Put(ctx, name, q, records)
			res.Records = records
			res.Step = StepAlternate
			return res
		}
		err = asSourceError(name, err)
		metrics.ObserveSourceRequest(name, string(jobs.KindOf(err)))
		logger.Warn("alternate search failed", zap.Error(err))
		failures = append(failures, err)
	}

	res.Err = errors.Join(failures...)

	if records, expired, ok := c.cache.Lookup(ctx, name, q); ok {
		switch {
		case !expired:
			logger.Info("serving cached results after live steps failed", zap.Int("records", len(records)))
			res.Records = records
			res.Step = StepCache
			res.Err = nil
		case c.cfg.AllowStale:
			logger.Info("serving stale cached results", zap.Int("records", len(records)))
			res.Records = records
			res.Step = StepStale
		}
	}
	metrics.ObserveFallbackStep(name, string(res.Step))
	return res
}

// SearchAll runs SearchSource for every source concurrently. A failing source
// never aborts the others. Records are concatenated in source order,
// deduplicated by id and filtered by the query's excluded terms. When every
// source failed and allowPlaceholders is set, sample records are returned
// with Placeholder set. An empty sources list searches every registered
// source.
func (c *Client) SearchAll(ctx context.Context, q jobs.SearchQuery, sources []string, allowPlaceholders bool) Result {
	start := c.clock.Now()
	if len(sources) == 0 {
		sources = c.registry.Names()
	}

	results := make([]SourceResult, len(sources))
	var g errgroup.Group
	g.SetLimit(c.workers(len(sources)))
	for i, name := range sources {
		g.Go(func() error {
			results[i] = c.SearchSource(ctx, name, q)
			return nil
		})
	}
	_ = g.Wait()

	out := Result{PerSourceErrors: make(map[string]error), PerSource: results}
	seen := make(map[string]struct{})
	terms := q.Normalized().Filters.ExcludeTerms
	for _, r := range results {
		if r.Err != nil {
			out.PerSourceErrors[r.Source] = r.Err
		}
		for _, rec := range r.Records {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			if rec.ContainsExcludedTerm(terms) {
				continue
			}
			out.Records = append(out.Records, rec)
		}
	}

	if allowPlaceholders && allFailed(results) {
		out.Records = Placeholders(q, c.cfg.PlaceholderCount, c.clock.Now())
		out.Placeholder = true
	}

	metrics.ObserveSearch(c.clock.Now().Sub(start))
	c.logger.Info("search complete",
		zap.Int("sources", len(sources)),
		zap.Int("records", len(out.Records)),
		zap.Int("failed_sources", len(out.PerSourceErrors)),
		zap.Bool("placeholder", out.Placeholder),
	)
	return out
}

// allFailed reports whether at least one source was attempted and every one of
// them failed without records. A source that answered with zero jobs is not a
// failure.
func allFailed(results []SourceResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err == nil || len(r.Records) > 0 {
			return false
		}
	}
	return true
}

// Placeholders synthesizes clearly labeled sample records for a query.
func Placeholders(q jobs.SearchQuery, n int, now time.Time) []jobs.JobRecord {
	nq := q.Normalized()
	what := nq.Keywords
	if what == "" {
		what = "any role"
	}
	where := nq.Location
	if where == "" {
		where = "anywhere"
	}
	seed := cache.Key(PlaceholderSource, q)
	out := make([]jobs.JobRecord, 0, n)
	for i := 1; i <= n; i++ {
		nativeID := fmt.Sprintf("%s-%d", seed, i)
		out = append(out, jobs.JobRecord{
			ID:          jobs.JobID(PlaceholderSource, nativeID, ""),
			NativeID:    nativeID,
			Title:       fmt.Sprintf("[placeholder] %s #%d", strings.TrimSpace(what), i),
			Company:     "Sample listing",
			Location:    where,
			Source:      PlaceholderSource,
			Description: "No source returned results for this search. This is a sample record, not a real listing.",
			Status:      jobs.JobStatusSample,
			Notes:       jobs.Notes{Tags: []string{PlaceholderSource}},
			FirstSeen:   now,
			UpdatedAt:   now,
		})
	}
	return out
}

func (c *Client) workers(n int) int {
	w := c.cfg.Workers
	if w <= 0 {
		w = n
		if w > maxWorkers {
			w = maxWorkers
		}
	}
	if w < 1 {
		w = 1
	}
	return w
}

func (c *Client) bounded(a source.Adapter) cache.SearchFunc {
	return func(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error) {
		if c.cfg.SourceTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.SourceTimeout)
			defer cancel()
		}
		return a.Search(ctx, q)
	}
}

func asSourceError(name string, err error) error {
	var srcErr *jobs.SourceError
	if errors.As(err, &srcErr) {
		return err
	}
	return jobs.NewSourceError(name, jobs.Classify(err), err)
}
