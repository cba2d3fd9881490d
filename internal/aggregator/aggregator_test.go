package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/autoapply/internal/cache"
	"github.com/JakeFAU/autoapply/internal/cache/memory"
	"github.com/JakeFAU/autoapply/internal/clock/manual"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/policy/ratelimit"
	"github.com/JakeFAU/autoapply/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAdapter struct {
	name    string
	calls   atomic.Int32
	delay   time.Duration
	block   bool
	records []jobs.JobRecord
	err     error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Search(ctx context.Context, _ jobs.SearchQuery) ([]jobs.JobRecord, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.records, f.err
}

func makeRecords(src string, n int) []jobs.JobRecord {
	out := make([]jobs.JobRecord, n)
	for i := range out {
		out[i] = source.Normalize(src, source.RawListing{
			NativeID: fmt.Sprintf("%s-%d", src, i),
			Title:    fmt.Sprintf("Backend Engineer %d", i),
			Company:  "Acme",
		})
	}
	return out
}

type harness struct {
	client   *Client
	limiter  *ratelimit.Limiter
	clock    *manual.Clock
	registry *source.Registry
}

func newHarness(cfg Config, limits ratelimit.Config) *harness {
	clk := manual.New(time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC))
	limiter := ratelimit.New(limits, clk)
	reg := source.NewRegistry()
	cc := cache.New(memory.New(), cache.Config{TTL: time.Hour, StaleRetention: 24 * time.Hour}, clk, nil)
	return &harness{
		client:   New(cfg, limiter, cc, reg, clk, nil),
		limiter:  limiter,
		clock:    clk,
		registry: reg,
	}
}

var backendQuery = jobs.SearchQuery{Keywords: "backend engineer", Location: "Remote"}

func TestRateLimitedSourceSkipsPrimary(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, ratelimit.Config{Default: ratelimit.Window{MaxRequests: 1, Duration: time.Minute}})
	primary := &fakeAdapter{name: "a", records: makeRecords("a", 2)}
	alt := &fakeAdapter{name: "a", records: makeRecords("a", 1)}
	h.registry.Register("a", primary, alt)
	h.limiter.Record("a")

	res := h.client.SearchSource(context.Background(), "a", backendQuery)
	require.Zero(t, primary.calls.Load(), "primary must not be invoked at capacity")
	require.Equal(t, int32(1), alt.calls.Load())
	require.Equal(t, StepAlternate, res.Step)
	require.Len(t, res.Records, 1)
	require.NoError(t, res.Err)
}

func TestCachedQueryDoesNotReinvokePrimary(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, ratelimit.Config{})
	primary := &fakeAdapter{name: "a", records: makeRecords("a", 3)}
	h.registry.Register("a", primary, nil)

	first := h.client.SearchSource(context.Background(), "a", backendQuery)
	h.clock.Advance(30 * time.Minute)
	second := h.client.SearchSource(context.Background(), "a", backendQuery)

	require.Equal(t, StepPrimary, first.Step)
	require.Equal(t, StepCache, second.Step)
	require.Equal(t, first.Records, second.Records)
	require.Equal(t, int32(1), primary.calls.Load())
}

func TestCacheHitsCountAgainstTheLimiter(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, ratelimit.Config{Default: ratelimit.Window{MaxRequests: 5, Duration: time.Hour}})
	h.registry.Register("a", &fakeAdapter{name: "a"}, nil)

	h.client.SearchSource(context.Background(), "a", backendQuery)
	h.client.SearchSource(context.Background(), "a", backendQuery)
	used, _ := h.limiter.Snapshot("a")
	require.Equal(t, 2, used)
}

func TestSearchAllEndToEndPartialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(
		Config{SourceTimeout: 50 * time.Millisecond},
		ratelimit.Config{Default: ratelimit.Window{MaxRequests: 10, Duration: time.Minute},
			PerSource: map[string]ratelimit.Window{"c": {MaxRequests: 1, Duration: time.Minute}}},
	)
	a := &fakeAdapter{name: "a", records: makeRecords("a", 5)}
	b := &fakeAdapter{name: "b", block: true}
	c := &fakeAdapter{name: "c", records: makeRecords("c", 4)}
	h.registry.Register("a", a, nil)
	h.registry.Register("b", b, nil)
	h.registry.Register("c", c, nil)
	h.limiter.Record("c")

	res := h.client.SearchAll(context.Background(), backendQuery, []string{"a", "b", "c"}, true)

	require.Len(t, res.Records, 5)
	for _, rec := range res.Records {
		require.Equal(t, "a", rec.Source)
	}
	require.False(t, res.Placeholder, "placeholders are not injected when a real source succeeded")

	require.Len(t, res.PerSourceErrors, 2)
	require.ErrorIs(t, res.PerSourceErrors["b"], jobs.ErrTimeout)
	require.Equal(t, jobs.KindTimeout, jobs.KindOf(res.PerSourceErrors["b"]))
	require.ErrorIs(t, res.PerSourceErrors["c"], jobs.ErrRateLimited)
	require.Zero(t, c.calls.Load())

	require.Equal(t, []FallbackStep{StepPrimary, StepNone, StepNone},
		[]FallbackStep{res.PerSource[0].Step, res.PerSource[1].Step, res.PerSource[2].Step})
}

func TestStaleRequiresOptIn(t *testing.T) {
	t.Parallel()

	for _, allow := range []bool{false, true} {
		h := newHarness(Config{AllowStale: allow}, ratelimit.Config{})
		primary := &fakeAdapter{name: "a", records: makeRecords("a", 2)}
		h.registry.Register("a", primary, nil)

		require.Equal(t, StepPrimary, h.client.SearchSource(context.Background(), "a", backendQuery).Step)

		h.clock.Advance(2 * time.Hour)
		primary.err = jobs.NewSourceError("a", jobs.KindNetwork, errors.New("connection reset"))
		primary.records = nil
		res := h.client.SearchSource(context.Background(), "a", backendQuery)
		require.Error(t, res.Err)
		if !allow {
			require.Equal(t, StepNone, res.Step)
			require.Empty(t, res.Records)
			continue
		}
		require.Equal(t, StepStale, res.Step)
		require.Len(t, res.Records, 2)
		require.True(t, res.Records[0].Stale)
	}
}

func TestPlaceholdersOnlyWhenEverythingFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{PlaceholderCount: 2}, ratelimit.Config{})
	h.registry.Register("a", &fakeAdapter{name: "a", err: errors.New("down")}, nil)

	res := h.client.SearchAll(context.Background(), backendQuery, nil, true)
	require.True(t, res.Placeholder)
	require.Len(t, res.Records, 2)
	for _, rec := range res.Records {
		require.Equal(t, jobs.JobStatusSample, rec.Status)
		require.True(t, rec.IsPlaceholder())
		require.Contains(t, rec.Title, "[placeholder]")
	}
	require.Error(t, res.PerSourceErrors["a"])

	again := h.client.SearchAll(context.Background(), backendQuery, nil, true)
	require.Equal(t, res.Records[0].ID, again.Records[0].ID, "placeholder ids are deterministic")

	optOut := h.client.SearchAll(context.Background(), backendQuery, nil, false)
	require.False(t, optOut.Placeholder)
	require.Empty(t, optOut.Records)
}

func TestNoPlaceholdersWhenSourcesAnswerEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{PlaceholderCount: 2}, ratelimit.Config{})
	h.registry.Register("a", &fakeAdapter{name: "a", records: []jobs.JobRecord{}}, nil)
	h.registry.Register("b", &fakeAdapter{name: "b", err: errors.New("down")}, nil)

	res := h.client.SearchAll(context.Background(), backendQuery, nil, true)
	require.False(t, res.Placeholder, "a healthy source with no jobs is not a failure")
	require.Empty(t, res.Records)
	require.Len(t, res.PerSourceErrors, 1)

	filtered := h.client.SearchAll(context.Background(), jobs.SearchQuery{
		Keywords: "backend engineer",
		Filters:  jobs.Filters{ExcludeTerms: []string{"backend"}},
	}, []string{"c"}, true)
	require.True(t, filtered.Placeholder, "an unknown source counts as attempted and failed")

	h.registry.Register("d", &fakeAdapter{name: "d", records: makeRecords("d", 2)}, nil)
	q := backendQuery
	q.Filters.ExcludeTerms = []string{"backend"}
	emptied := h.client.SearchAll(context.Background(), q, []string{"d"}, true)
	require.False(t, emptied.Placeholder, "records removed by filters are not a source failure")
	require.Empty(t, emptied.Records)
}

func TestRateLimitedSourceServesUnexpiredCache(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, ratelimit.Config{Default: ratelimit.Window{MaxRequests: 1, Duration: time.Hour}})
	primary := &fakeAdapter{name: "a", records: makeRecords("a", 3)}
	h.registry.Register("a", primary, nil)

	first := h.client.SearchSource(context.Background(), "a", backendQuery)
	require.Equal(t, StepPrimary, first.Step)

	h.clock.Advance(time.Minute)
	second := h.client.SearchSource(context.Background(), "a", backendQuery)
	require.Equal(t, StepCache, second.Step, "unexpired entries do not need the stale opt-in")
	require.NoError(t, second.Err)
	require.Equal(t, first.Records, second.Records)
	require.False(t, second.Records[0].Stale)
	require.Equal(t, int32(1), primary.calls.Load())

	h.clock.Advance(2 * time.Hour)
	h.limiter.Record("a")
	third := h.client.SearchSource(context.Background(), "a", backendQuery)
	require.Equal(t, StepNone, third.Step, "expired entries still require AllowStale")
	require.ErrorIs(t, third.Err, jobs.ErrRateLimited)
}

func TestSearchAllDedupesAndFilters(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, ratelimit.Config{})
	shared := makeRecords("a", 2)
	crypto := source.Normalize("b", source.RawListing{NativeID: "x", Title: "Crypto Backend Engineer"})
	h.registry.Register("a", &fakeAdapter{name: "a", records: shared}, nil)
	h.registry.Register("b", &fakeAdapter{name: "b", records: append([]jobs.JobRecord{crypto}, shared...)}, nil)

	q := backendQuery
	q.Filters.ExcludeTerms = []string{"Crypto"}
	res := h.client.SearchAll(context.Background(), q, []string{"a", "b"}, false)
	require.Len(t, res.Records, 2)
	require.Equal(t, shared[0].ID, res.Records[0].ID)
}

func TestSearchAllRespectsWorkerCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Workers: 2}, ratelimit.Config{})
	var adapters []*fakeAdapter
	var names []string
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("s%d", i)
		a := &fakeAdapter{name: name, delay: 20 * time.Millisecond, records: makeRecords(name, 1)}
		adapters = append(adapters, a)
		names = append(names, name)
		h.registry.Register(name, a, nil)
	}

	var concurrent atomic.Int32
	var peak atomic.Int32
	for _, a := range adapters {
		h.registry.Register(a.name, source.AdapterFunc{SourceName: a.name, Fn: func(ctx context.Context, q jobs.SearchQuery) ([]jobs.JobRecord, error) {
			cur := concurrent.Add(1)
			defer concurrent.Add(-1)
			for {
				prev := peak.Load()
				if cur <= prev || peak.CompareAndSwap(prev, cur) {
					break
				}
			}
			return a.Search(ctx, q)
		}}, nil)
	}

	res := h.client.SearchAll(context.Background(), backendQuery, names, false)
	require.Len(t, res.Records, 6)
	require.LessOrEqual(t, peak.Load(), int32(2))
	for i, r := range res.PerSource {
		require.Equal(t, names[i], r.Source, "results keep source order")
	}
}

func TestUnknownSourceIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, ratelimit.Config{})
	res := h.client.SearchAll(context.Background(), backendQuery, []string{"ghost"}, false)
	require.Error(t, res.PerSourceErrors["ghost"])
	require.Empty(t, res.Records)
}

func TestWorkersDefault(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil, nil, source.NewRegistry(), nil, nil)
	require.Equal(t, 3, c.workers(3))
	require.Equal(t, 8, c.workers(20))
	require.Equal(t, 1, c.workers(0))
}
