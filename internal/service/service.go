// Package service is the engine's exposed interface: search, apply, resume and
// job bookkeeping on top of the aggregator, tracker and application workflow.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/aggregator"
	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/keylock"
	"github.com/JakeFAU/autoapply/internal/publisher"
	"github.com/JakeFAU/autoapply/internal/resume"
	"github.com/JakeFAU/autoapply/internal/store"
	"github.com/JakeFAU/autoapply/internal/telemetry"
	"github.com/JakeFAU/autoapply/internal/tracker"
	"github.com/JakeFAU/autoapply/internal/workflow"
)

// Task notes recorded when an application cannot start.
const (
	NoteJobNotFound     = "job not found"
	NotePlaceholderJob  = "placeholder job cannot be applied to"
	NoteResumeNotFound  = "resume not found"
	NoteBrowserUnusable = "browser unavailable"
)

// Searcher runs a multi-source search.
type Searcher interface {
	SearchAll(ctx context.Context, q jobs.SearchQuery, sources []string, allowPlaceholders bool) aggregator.Result
}

// Runner executes one application task on a browser.
type Runner interface {
	Run(ctx context.Context, ctrl browser.Controller, task jobs.ApplicationTask, job jobs.JobRecord, resume jobs.Resume) workflow.Result
}

// Config tunes the facade.
type Config struct {
	// Topic receives one event per terminal task.
	Topic string
	// PoolSize bounds browsers per session.
	PoolSize int
}

// Deps are the collaborators the service drives.
type Deps struct {
	Searcher    Searcher
	Store       store.Store
	Tracker     *tracker.Tracker
	Runner      Runner
	Resumes     *resume.Provider
	Publisher   jobs.Publisher
	OpenBrowser browser.OpenFunc
	Clock       jobs.Clock
}

// SearchResult is the outcome of Search.
type SearchResult struct {
	Records         []jobs.JobRecord
	PerSourceErrors map[string]error
	Placeholder     bool
	// PersistenceErr joins failures to record observed jobs. Records are
	// returned regardless.
	PersistenceErr error
}

// ApplyResult is the outcome of ApplyToJob and ResumeTask.
type ApplyResult struct {
	TaskID       string
	FinalState   jobs.TaskState
	EvidencePath string
	Err          error
}

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	Status jobs.JobStatus
	Source string
}

// Service implements the engine operations.
type Service struct {
	cfg       Config
	searcher  Searcher
	store     store.Store
	tracker   *tracker.Tracker
	runner    Runner
	resumes   *resume.Provider
	publisher jobs.Publisher
	open      browser.OpenFunc
	clock     jobs.Clock
	logger    *zap.Logger

	mu    sync.Mutex
	pools map[string]*browser.Pool
	locks keylock.Map
}

// New wires a Service.
func New(cfg Config, deps Deps, logger *zap.Logger) *Service {
	if cfg.Topic == "" {
		cfg.Topic = publisher.DefaultTopic
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		searcher:  deps.Searcher,
		store:     deps.Store,
		tracker:   deps.Tracker,
		runner:    deps.Runner,
		resumes:   deps.Resumes,
		publisher: deps.Publisher,
		open:      deps.OpenBrowser,
		clock:     deps.Clock,
		logger:    logger.Named("service"),
		pools:     make(map[string]*browser.Pool),
	}
}

// Search aggregates across sources and records every real job on first
// observation. Known jobs keep their stored status, score and notes, and the
// returned records reflect them.
func (s *Service) Search(ctx context.Context, q jobs.SearchQuery, sources []string, allowPlaceholders bool) (SearchResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "service.Search")
	defer span.End()

	res := s.searcher.SearchAll(ctx, q, sources, allowPlaceholders)
	out := SearchResult{
		Records:         make([]jobs.JobRecord, 0, len(res.Records)),
		PerSourceErrors: res.PerSourceErrors,
		Placeholder:     res.Placeholder,
	}
	var errs []error
	for _, rec := range res.Records {
		if rec.IsPlaceholder() {
			out.Records = append(out.Records, rec)
			continue
		}
		stored, err := s.observe(context.WithoutCancel(ctx), rec)
		if err != nil {
			errs = append(errs, err)
			out.Records = append(out.Records, rec)
			continue
		}
		out.Records = append(out.Records, stored)
	}
	out.PersistenceErr = errors.Join(errs...)
	if out.PersistenceErr != nil {
		s.logger.Warn("failed to record observed jobs", zap.Error(out.PersistenceErr))
		span.RecordError(out.PersistenceErr)
	}
	span.SetAttributes(
		attribute.Int("records", len(out.Records)),
		attribute.Bool("placeholder", out.Placeholder),
	)
	if err := ctx.Err(); err != nil && len(out.Records) == 0 {
		return out, err
	}
	return out, nil
}

func (s *Service) observe(ctx context.Context, rec jobs.JobRecord) (jobs.JobRecord, error) {
	unlock := s.locks.Lock("job:" + rec.ID)
	defer unlock()

	var existing jobs.JobRecord
	err := s.store.Get(ctx, store.CollectionJobs, rec.ID, &existing)
	switch {
	case err == nil:
		existing.Stale = rec.Stale
		return existing, nil
	case !errors.Is(err, jobs.ErrNotFound):
		return rec, err
	}

	now := s.clock.Now()
	if rec.Status == "" {
		rec.Status = jobs.JobStatusNew
	}
	rec.FirstSeen = now
	rec.UpdatedAt = now
	// Staleness describes this response, not the stored job.
	stored := rec
	stored.Stale = false
	return rec, s.store.Save(ctx, store.CollectionJobs, rec.ID, stored)
}

// StartSession opens a session for owner.
func (s *Service) StartSession(ctx context.Context, owner string) (jobs.Session, error) {
	return s.tracker.StartSession(ctx, owner)
}

// GetSession loads a session.
func (s *Service) GetSession(ctx context.Context, id string) (jobs.Session, error) {
	return s.tracker.GetSession(ctx, id)
}

// EndSession closes a session and releases its browsers.
func (s *Service) EndSession(ctx context.Context, id string) (jobs.Session, error) {
	sess, err := s.tracker.EndSession(ctx, id)
	if err != nil {
		return sess, err
	}
	s.mu.Lock()
	pool := s.pools[id]
	delete(s.pools, id)
	s.mu.Unlock()
	if pool != nil {
		if err := pool.Close(); err != nil {
			s.logger.Warn("close session browsers", zap.String("session_id", id), zap.Error(err))
		}
	}
	return sess, nil
}

// ApplyToJob creates a task for the job and runs it to a terminal state. A
// task id is returned whenever the session accepted the task.
func (s *Service) ApplyToJob(ctx context.Context, jobID, resumeID, sessionID string) ApplyResult {
	ctx, span := telemetry.Tracer().Start(ctx, "service.ApplyToJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.String("session_id", sessionID),
	)

	task, err := s.tracker.CreateTask(ctx, sessionID, jobID, resumeID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ApplyResult{Err: err}
	}
	res := s.execute(ctx, task)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.SetAttributes(attribute.String("state", string(res.FinalState)))
	return res
}

// ResumeTask continues a non-terminal task from its last recorded state.
// Terminal tasks are returned as they are.
func (s *Service) ResumeTask(ctx context.Context, taskID string) ApplyResult {
	ctx, span := telemetry.Tracer().Start(ctx, "service.ResumeTask")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	task, err := s.tracker.GetTask(ctx, taskID)
	if err != nil {
		return ApplyResult{Err: err}
	}
	if task.State.IsTerminal() {
		return resultOf(task, nil)
	}
	sess, err := s.tracker.GetSession(ctx, task.SessionID)
	if err != nil {
		return resultOf(task, err)
	}
	if sess.Status != jobs.SessionActive {
		return resultOf(task, fmt.Errorf("session %s: %w", sess.ID, jobs.ErrSessionClosed))
	}
	return s.execute(ctx, task)
}

// execute runs a task while holding its lock. The task is re-read under the
// lock so a caller that waited on another run sees where that run left it.
func (s *Service) execute(ctx context.Context, task jobs.ApplicationTask) ApplyResult {
	unlock := s.locks.Lock("task:" + task.ID)
	defer unlock()

	current, err := s.tracker.GetTask(context.WithoutCancel(ctx), task.ID)
	if err != nil {
		return resultOf(task, err)
	}
	task = current
	if task.State.IsTerminal() {
		return resultOf(task, nil)
	}
	logger := s.logger.With(zap.String("task_id", task.ID), zap.String("job_id", task.JobID))

	job, err := s.GetJob(ctx, task.JobID)
	if err != nil {
		return s.abort(ctx, task, NoteJobNotFound, err)
	}
	if job.IsPlaceholder() {
		return s.abort(ctx, task, NotePlaceholderJob, nil)
	}
	res, err := s.resumes.Get(ctx, task.ResumeID)
	if err != nil {
		return s.abort(ctx, task, NoteResumeNotFound, err)
	}

	pool, err := s.pool(task.SessionID)
	if err != nil {
		return s.abort(ctx, task, NoteBrowserUnusable, err)
	}
	ctrl, err := pool.Checkout(ctx)
	if err != nil {
		note := NoteBrowserUnusable
		if ctx.Err() != nil {
			note = workflow.NoteCancelled
		}
		return s.abort(ctx, task, note, err)
	}

	// A panicking run leaves a handle in an unknown state.
	healthy := false
	defer func() { pool.Return(ctrl, healthy) }()
	out := s.runner.Run(ctx, ctrl, task, job, res)
	healthy = out.Healthy

	if out.Task.State == jobs.TaskCompleted {
		if _, err := s.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, jobs.JobStatusApplied); err != nil {
			out.Err = errors.Join(out.Err, err)
		}
	}
	s.notify(ctx, out.Task, job.Source)
	logger.Info("application finished",
		zap.String("state", string(out.Task.State)),
		zap.String("note", out.Task.Error),
		zap.Bool("browser_healthy", out.Healthy),
	)
	return resultOf(out.Task, out.Err)
}

// abort ends a task that could not start. cause is reported to the caller.
func (s *Service) abort(ctx context.Context, task jobs.ApplicationTask, note string, cause error) ApplyResult {
	state := jobs.TaskFailed
	if note == NotePlaceholderJob {
		state = jobs.TaskNeedsReview
	}
	tr := jobs.Transition{State: state, At: s.clock.Now(), Note: note}
	if err := s.tracker.Step(context.WithoutCancel(ctx), &task, tr); err != nil {
		cause = errors.Join(cause, err)
	}
	s.notify(ctx, task, "")
	if cause == nil {
		cause = errors.New(note)
	}
	return resultOf(task, cause)
}

func (s *Service) notify(ctx context.Context, task jobs.ApplicationTask, source string) {
	if s.publisher == nil || !task.State.IsTerminal() {
		return
	}
	ev := publisher.NewTaskEvent(task, source)
	if _, err := s.publisher.Publish(context.WithoutCancel(ctx), s.cfg.Topic, ev); err != nil {
		s.logger.Warn("publish task event", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func resultOf(task jobs.ApplicationTask, err error) ApplyResult {
	return ApplyResult{
		TaskID:       task.ID,
		FinalState:   task.State,
		EvidencePath: task.Result.EvidencePath,
		Err:          err,
	}
}

func (s *Service) pool(sessionID string) (*browser.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[sessionID]; ok {
		return p, nil
	}
	if s.open == nil {
		return nil, fmt.Errorf("no browser backend configured: %w", browser.ErrUnsupported)
	}
	p := browser.NewPool(s.cfg.PoolSize, s.open, s.logger)
	s.pools[sessionID] = p
	return p, nil
}

// SaveResume validates and stores a resume.
func (s *Service) SaveResume(ctx context.Context, r jobs.Resume) error {
	return s.resumes.Save(ctx, r)
}

// GetResume loads a resume.
func (s *Service) GetResume(ctx context.Context, id string) (jobs.Resume, error) {
	return s.resumes.Get(ctx, id)
}

// GetTask loads a task.
func (s *Service) GetTask(ctx context.Context, id string) (jobs.ApplicationTask, error) {
	return s.tracker.GetTask(ctx, id)
}

// ListTasks returns the tasks of a session.
func (s *Service) ListTasks(ctx context.Context, sessionID string) ([]jobs.ApplicationTask, error) {
	return s.tracker.ListTasks(ctx, sessionID)
}

// GetJob loads a stored job.
func (s *Service) GetJob(ctx context.Context, id string) (jobs.JobRecord, error) {
	var rec jobs.JobRecord
	if err := s.store.Get(ctx, store.CollectionJobs, id, &rec); err != nil {
		return jobs.JobRecord{}, fmt.Errorf("job %s: %w", id, err)
	}
	return rec, nil
}

// UpdateJobStatus sets a job's review status.
func (s *Service) UpdateJobStatus(ctx context.Context, id string, status jobs.JobStatus) (jobs.JobRecord, error) {
	if _, ok := jobs.ParseJobStatus(string(status)); !ok {
		return jobs.JobRecord{}, fmt.Errorf("unknown job status %q", status)
	}
	return s.updateJob(ctx, id, func(rec *jobs.JobRecord) { rec.Status = status })
}

// UpdateJobScore sets a job's match score, clamped to [0,1].
func (s *Service) UpdateJobScore(ctx context.Context, id string, score float64) (jobs.JobRecord, error) {
	return s.updateJob(ctx, id, func(rec *jobs.JobRecord) { rec.MatchScore = jobs.ClampScore(score) })
}

func (s *Service) updateJob(ctx context.Context, id string, mutate func(*jobs.JobRecord)) (jobs.JobRecord, error) {
	unlock := s.locks.Lock("job:" + id)
	defer unlock()

	rec, err := s.GetJob(ctx, id)
	if err != nil {
		return jobs.JobRecord{}, err
	}
	mutate(&rec)
	rec.UpdatedAt = s.clock.Now()
	if err := s.store.Save(ctx, store.CollectionJobs, id, rec); err != nil {
		return jobs.JobRecord{}, err
	}
	return rec, nil
}

// ListJobs returns stored jobs, most recently posted first.
func (s *Service) ListJobs(ctx context.Context, filter JobFilter) ([]jobs.JobRecord, error) {
	var pred store.Predicate
	if filter.Status != "" {
		pred = store.Field("status", string(filter.Status))
	}
	raws, err := s.store.Query(ctx, store.CollectionJobs, pred)
	if err != nil {
		return nil, err
	}
	all, err := store.Decode[jobs.JobRecord](raws)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if filter.Source != "" && !strings.EqualFold(rec.Source, filter.Source) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	return out, nil
}

// Close releases every session's browsers.
func (s *Service) Close() error {
	s.mu.Lock()
	pools := s.pools
	s.pools = make(map[string]*browser.Pool)
	s.mu.Unlock()
	var errs []error
	for _, p := range pools {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
