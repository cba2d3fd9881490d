// Package scheduler runs saved searches, and optional maintenance tasks, on a
// cron spec.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/config"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/service"
)

// Searcher runs one search and records its results.
type Searcher interface {
	Search(ctx context.Context, q jobs.SearchQuery, sources []string, allowPlaceholders bool) (service.SearchResult, error)
}

// Report summarizes one search cycle.
type Report struct {
	Searches int
	Records  int
	Failed   int
}

// Scheduler wraps robfig/cron and manages the search loop.
type Scheduler struct {
	cron     *cron.Cron
	spec     string
	searcher Searcher
	searches []config.SavedSearch
	logger   *zap.Logger

	mu    sync.Mutex
	tasks []task
}

type task struct {
	name string
	spec string
	fn   func(ctx context.Context) error
}

// New creates a Scheduler that runs searches on spec, e.g. "@every 6h".
// Overlapping cycles are skipped rather than queued.
func New(spec string, searcher Searcher, searches []config.SavedSearch, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		spec:     spec,
		searcher: searcher,
		searches: searches,
		logger:   logger,
	}
}

// AddTask registers an extra periodic task. Call before Start.
func (s *Scheduler) AddTask(name, spec string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, spec: spec, fn: fn})
}

// Start registers the jobs and starts the scheduler. It also runs one search
// cycle immediately so results are populated without waiting for the first
// tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.mu.Lock()
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()
	for _, t := range tasks {
		if _, err := s.cron.AddFunc(t.spec, func() {
			if err := t.fn(ctx); err != nil {
				s.logger.Error("scheduled task failed", zap.String("task", t.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", t.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("cron started", zap.String("spec", s.spec), zap.Int("searches", len(s.searches)))

	go s.RunOnce(ctx)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron stopped")
}

// RunOnce runs every saved search in order. A failing search never stops the
// cycle.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var rep Report
	if len(s.searches) == 0 {
		s.logger.Debug("no saved searches, nothing to run")
		return rep
	}
	s.logger.Info("search cycle started", zap.Int("searches", len(s.searches)))
	for _, saved := range s.searches {
		if ctx.Err() != nil {
			break
		}
		rep.Searches++
		res, err := s.searcher.Search(ctx, saved.Query, saved.Sources, saved.AllowPlaceholders)
		if err != nil {
			rep.Failed++
			s.logger.Warn("saved search failed", zap.String("search", saved.Name), zap.Error(err))
			continue
		}
		rep.Records += len(res.Records)
		for name, srcErr := range res.PerSourceErrors {
			s.logger.Warn("source failed during saved search",
				zap.String("search", saved.Name), zap.String("source", name), zap.Error(srcErr))
		}
		if res.PersistenceErr != nil {
			rep.Failed++
			s.logger.Warn("saved search results not recorded", zap.String("search", saved.Name), zap.Error(res.PersistenceErr))
		}
	}
	s.logger.Info("search cycle complete",
		zap.Int("searches", rep.Searches), zap.Int("records", rep.Records), zap.Int("failed", rep.Failed))
	return rep
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
