// Package tracker records sessions and application tasks in the document
// store. Task history is append-only: the tracker accepts only transitions
// the state machine allows and never rewrites earlier entries.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/id/uuid"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/keylock"
	"github.com/JakeFAU/autoapply/internal/store"
)

// Tracker manages Session and ApplicationTask records.
type Tracker struct {
	store    store.Store
	sessions jobs.IDGenerator
	tasks    jobs.IDGenerator
	clock    jobs.Clock
	logger   *zap.Logger

	locks keylock.Map
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock.
func WithClock(c jobs.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithIDs overrides the session and task id generators.
func WithIDs(sessions, tasks jobs.IDGenerator) Option {
	return func(t *Tracker) {
		t.sessions = sessions
		t.tasks = tasks
	}
}

// New creates a Tracker over st.
func New(st store.Store, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:    st,
		sessions: uuid.WithPrefix("sess_"),
		tasks:    uuid.WithPrefix("task_"),
		clock:    system.New(),
		logger:   logger.Named("tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSession opens a new active session.
func (t *Tracker) StartSession(ctx context.Context, owner string) (jobs.Session, error) {
	id, err := t.sessions.NewID()
	if err != nil {
		return jobs.Session{}, fmt.Errorf("session id: %w", err)
	}
	s := jobs.Session{ID: id, Owner: owner, StartedAt: t.clock.Now(), Status: jobs.SessionActive}
	if err := t.store.Save(ctx, store.CollectionSessions, id, s); err != nil {
		return jobs.Session{}, err
	}
	t.logger.Info("session started", zap.String("session_id", id), zap.String("owner", owner))
	return s, nil
}

// EndSession marks a session completed. Ending a completed session is a no-op.
func (t *Tracker) EndSession(ctx context.Context, id string) (jobs.Session, error) {
	unlock := t.locks.Lock("session:" + id)
	defer unlock()

	s, err := t.GetSession(ctx, id)
	if err != nil {
		return jobs.Session{}, err
	}
	if s.Status == jobs.SessionCompleted {
		return s, nil
	}
	now := t.clock.Now()
	s.Status = jobs.SessionCompleted
	s.EndedAt = &now
	if err := t.store.Save(ctx, store.CollectionSessions, id, s); err != nil {
		return jobs.Session{}, err
	}
	t.logger.Info("session ended", zap.String("session_id", id))
	return s, nil
}

// GetSession loads a session.
func (t *Tracker) GetSession(ctx context.Context, id string) (jobs.Session, error) {
	var s jobs.Session
	if err := t.store.Get(ctx, store.CollectionSessions, id, &s); err != nil {
		return jobs.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	return s, nil
}

// CreateTask registers a pending task under an active session.
func (t *Tracker) CreateTask(ctx context.Context, sessionID, jobID, resumeID string) (jobs.ApplicationTask, error) {
	s, err := t.GetSession(ctx, sessionID)
	if err != nil {
		return jobs.ApplicationTask{}, err
	}
	if s.Status != jobs.SessionActive {
		return jobs.ApplicationTask{}, fmt.Errorf("session %s: %w", sessionID, jobs.ErrSessionClosed)
	}
	id, err := t.tasks.NewID()
	if err != nil {
		return jobs.ApplicationTask{}, fmt.Errorf("task id: %w", err)
	}
	task := jobs.ApplicationTask{
		ID:        id,
		SessionID: sessionID,
		JobID:     jobID,
		ResumeID:  resumeID,
		State:     jobs.TaskPending,
		StartedAt: t.clock.Now(),
		History:   []jobs.Transition{},
	}
	if err := t.store.Save(ctx, store.CollectionTasks, id, task); err != nil {
		return jobs.ApplicationTask{}, err
	}
	t.logger.Debug("task created",
		zap.String("task_id", id), zap.String("session_id", sessionID), zap.String("job_id", jobID))
	return task, nil
}

// GetTask loads a task.
func (t *Tracker) GetTask(ctx context.Context, id string) (jobs.ApplicationTask, error) {
	var task jobs.ApplicationTask
	if err := t.store.Get(ctx, store.CollectionTasks, id, &task); err != nil {
		return jobs.ApplicationTask{}, fmt.Errorf("task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns the tasks of a session ordered by start time.
func (t *Tracker) ListTasks(ctx context.Context, sessionID string) ([]jobs.ApplicationTask, error) {
	raws, err := t.store.Query(ctx, store.CollectionTasks, store.Field("session_id", sessionID))
	if err != nil {
		return nil, err
	}
	tasks, err := store.Decode[jobs.ApplicationTask](raws)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].StartedAt.Before(tasks[j].StartedAt) })
	return tasks, nil
}

// AdvanceOption adds payload to a transition.
type AdvanceOption func(*jobs.ApplicationTask)

// WithResult merges non-empty result fields into the task result.
func WithResult(res jobs.TaskResult) AdvanceOption {
	return func(task *jobs.ApplicationTask) {
		if res.ConfirmationText != "" {
			task.Result.ConfirmationText = res.ConfirmationText
		}
		if res.FinalURL != "" {
			task.Result.FinalURL = res.FinalURL
		}
		if res.EvidencePath != "" {
			task.Result.EvidencePath = res.EvidencePath
		}
	}
}

// Advance loads a task, appends tr and saves it. A zero tr.At is stamped with
// the tracker clock.
func (t *Tracker) Advance(ctx context.Context, taskID string, tr jobs.Transition, opts ...AdvanceOption) (jobs.ApplicationTask, error) {
	unlock := t.locks.Lock("task:" + taskID)
	defer unlock()

	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return jobs.ApplicationTask{}, err
	}
	if err := t.apply(&task, tr, opts...); err != nil {
		return task, err
	}
	return task, t.Record(ctx, task)
}

// Fail moves a task to failed.
func (t *Tracker) Fail(ctx context.Context, taskID, note string) (jobs.ApplicationTask, error) {
	return t.Advance(ctx, taskID, jobs.Transition{State: jobs.TaskFailed, Note: note})
}

// Review moves a task to needs_review.
func (t *Tracker) Review(ctx context.Context, taskID, note string) (jobs.ApplicationTask, error) {
	return t.Advance(ctx, taskID, jobs.Transition{State: jobs.TaskNeedsReview, Note: note})
}

// Step applies tr to an in-memory task and persists it. The task is updated
// even when persistence fails, so a caller driving the state machine keeps an
// accurate view of the last completed step. A task whose stored history has
// moved past the caller's copy is rejected with jobs.ErrInvalidState.
func (t *Tracker) Step(ctx context.Context, task *jobs.ApplicationTask, tr jobs.Transition, opts ...AdvanceOption) error {
	unlock := t.locks.Lock("task:" + task.ID)
	defer unlock()

	var stored jobs.ApplicationTask
	if err := t.store.Get(ctx, store.CollectionTasks, task.ID, &stored); err == nil && len(stored.History) > len(task.History) {
		t.logger.Warn("stale task copy rejected",
			zap.String("task_id", task.ID), zap.String("stored_state", string(stored.State)), zap.String("state", string(task.State)))
		return fmt.Errorf("task %s: %w: stored state %s is ahead of %s", task.ID, jobs.ErrInvalidState, stored.State, task.State)
	}
	if err := t.apply(task, tr, opts...); err != nil {
		return err
	}
	return t.Record(ctx, *task)
}

// Record saves a task as is.
func (t *Tracker) Record(ctx context.Context, task jobs.ApplicationTask) error {
	if err := t.store.Save(ctx, store.CollectionTasks, task.ID, task); err != nil {
		if !errors.Is(err, jobs.ErrPersistence) {
			err = fmt.Errorf("%w: %w", jobs.ErrPersistence, err)
		}
		t.logger.Warn("task not persisted",
			zap.String("task_id", task.ID), zap.String("state", string(task.State)), zap.Error(err))
		return err
	}
	return nil
}

func (t *Tracker) apply(task *jobs.ApplicationTask, tr jobs.Transition, opts ...AdvanceOption) error {
	if tr.At.IsZero() {
		tr.At = t.clock.Now()
	}
	if err := task.Apply(tr); err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	for _, opt := range opts {
		opt(task)
	}
	t.logger.Debug("task advanced",
		zap.String("task_id", task.ID), zap.String("state", string(tr.State)), zap.String("note", tr.Note))
	return nil
}
