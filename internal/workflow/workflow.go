// Package workflow drives one job application through the task state machine.
//
// A run moves a task through navigating, form_located, form_filled,
// resume_attached, submitted and completed, persisting every transition
// before the next step starts. Failures end the run in failed or
// needs_review; the caller always gets the task back with its recorded
// history, never a bare error.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/browser"
	"github.com/JakeFAU/autoapply/internal/clock/system"
	"github.com/JakeFAU/autoapply/internal/evidence"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/metrics"
	"github.com/JakeFAU/autoapply/internal/retry"
	"github.com/JakeFAU/autoapply/internal/tracker"
)

// NoteCancelled is recorded when a run stops because its context ended.
const NoteCancelled = "cancelled"

// Recorder persists task transitions.
type Recorder interface {
	Step(ctx context.Context, task *jobs.ApplicationTask, tr jobs.Transition, opts ...tracker.AdvanceOption) error
}

// Config controls retries, timeouts and evidence placement.
type Config struct {
	Retry          retry.Policy
	ElementTimeout time.Duration `mapstructure:"element_timeout"`
	EvidencePrefix string        `mapstructure:"evidence_prefix"`
	// ScratchDir holds screenshots between capture and upload.
	ScratchDir string `mapstructure:"scratch_dir"`
}

func (c Config) withDefaults() Config {
	if c.Retry.MaxAttempts == 0 {
		sleep, jitter := c.Retry.Sleep, c.Retry.Jitter
		c.Retry = retry.Default()
		c.Retry.Sleep, c.Retry.Jitter = sleep, jitter
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 10 * time.Second
	}
	if c.EvidencePrefix == "" {
		c.EvidencePrefix = "evidence"
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	return c
}

// Workflow executes application tasks.
type Workflow struct {
	cfg        Config
	recorder   Recorder
	evidence   evidence.Store
	strategies Strategies
	clock      jobs.Clock
	logger     *zap.Logger
}

// New constructs a Workflow. A nil evidence store discards screenshots.
func New(cfg Config, recorder Recorder, ev evidence.Store, strategies Strategies, clock jobs.Clock, logger *zap.Logger) *Workflow {
	if ev == nil {
		ev = evidence.Discard{}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		cfg:        cfg.withDefaults(),
		recorder:   recorder,
		evidence:   ev,
		strategies: strategies,
		clock:      clock,
		logger:     logger.Named("workflow"),
	}
}

// Result is the outcome of Run.
type Result struct {
	Task jobs.ApplicationTask
	// Healthy is false when the browser handle must be discarded.
	Healthy bool
	// Err reports transitions that could not be persisted (wrapping
	// jobs.ErrPersistence) or a task the state machine refused to advance.
	Err error
}

// Run executes task from its current state. Terminal tasks are returned
// unchanged. A task in any other non-pending state continues with the step
// after the recorded one, reloading the job page only when the handle has
// left it. Cancelling ctx stops the run at the next step boundary.
func (w *Workflow) Run(ctx context.Context, ctrl browser.Controller, task jobs.ApplicationTask, job jobs.JobRecord, resume jobs.Resume) Result {
	if task.State.IsTerminal() {
		return Result{Task: task, Healthy: true}
	}
	r := &run{
		w:        w,
		ctrl:     ctrl,
		task:     task,
		job:      job,
		resume:   resume,
		strategy: w.strategies.For(job.Source),
		healthy:  true,
		logger: w.logger.With(
			zap.String("task_id", task.ID),
			zap.String("job_id", job.ID),
			zap.String("source", job.Source),
		),
	}
	r.execute(ctx)
	return Result{Task: r.task, Healthy: r.healthy, Err: errors.Join(r.errs...)}
}

type run struct {
	w        *Workflow
	ctrl     browser.Controller
	task     jobs.ApplicationTask
	job      jobs.JobRecord
	resume   jobs.Resume
	strategy Strategy
	logger   *zap.Logger

	preSubmitURL string
	healthy      bool
	errs         []error
}

type outcome struct {
	evidence string
	note     string
	pageURL  string
	result   jobs.TaskResult
}

// stepError routes a step failure to a terminal state.
type stepError struct {
	state    jobs.TaskState
	note     string
	evidence string
	err      error
}

func (e *stepError) Error() string {
	if e.err == nil {
		return e.note
	}
	return e.note + ": " + e.err.Error()
}

func (e *stepError) Unwrap() error { return e.err }

func review(note string, err error) error {
	return &stepError{state: jobs.TaskNeedsReview, note: note, err: err}
}

func fail(note string, err error) error {
	return &stepError{state: jobs.TaskFailed, note: note, err: err}
}

type step struct {
	state jobs.TaskState
	run   func(ctx context.Context) (outcome, error)
}

func (r *run) steps() []step {
	return []step{
		{jobs.TaskNavigating, r.navigate},
		{jobs.TaskFormLocated, r.locateForm},
		{jobs.TaskFormFilled, r.fill},
		{jobs.TaskResumeAttached, r.attach},
		{jobs.TaskSubmitted, r.submit},
		{jobs.TaskCompleted, r.confirm},
	}
}

func (r *run) execute(ctx context.Context) {
	if strings.TrimSpace(r.job.URL) == "" {
		r.finish(ctx, fail("job has no url", nil))
		return
	}

	steps := r.steps()
	start := 0
	for i, s := range steps {
		if s.state == r.task.State {
			start = i + 1
		}
	}

	switch r.task.State {
	case jobs.TaskPending:
	case jobs.TaskSubmitted:
		// The page that held the confirmation is gone.
		r.finish(ctx, review("resumed after submit, confirmation unknown", nil))
		return
	default:
		if err := r.prepareResume(context.WithoutCancel(ctx)); err != nil {
			r.finish(ctx, err)
			return
		}
	}

	for _, s := range steps[start:] {
		if err := ctx.Err(); err != nil {
			r.finish(ctx, err)
			return
		}
		// A started step runs to completion; browser actions stay bounded by
		// their own timeouts.
		out, err := s.run(context.WithoutCancel(ctx))
		if err != nil {
			r.finish(ctx, err)
			return
		}
		tr := jobs.Transition{State: s.state, EvidencePath: out.evidence, Note: out.note, PageURL: out.pageURL}
		if !r.advance(ctx, tr, out.result) {
			return
		}
	}
}

// prepareResume restores the page a resumed task needs without repeating
// recorded actions. The job page is reloaded only when the handle is not
// already on it; a form filled before the reload must still hold its values.
func (r *run) prepareResume(ctx context.Context) error {
	state := r.task.State
	r.logger.Info("resuming task", zap.String("state", string(state)))

	reloaded := false
	if !r.onJobPage(ctx) {
		if err := r.load(ctx); err != nil {
			return err
		}
		reloaded = true
	}
	if state == jobs.TaskNavigating {
		return nil
	}
	if state == jobs.TaskFormLocated || reloaded {
		if err := r.locate(ctx); err != nil {
			return review("application form not found", err)
		}
	}
	if state == jobs.TaskFormFilled || state == jobs.TaskResumeAttached {
		return r.verifyFilled(ctx, state == jobs.TaskResumeAttached)
	}
	return nil
}

// onJobPage reports whether the handle still shows the job posting or the
// page the task last recorded.
func (r *run) onJobPage(ctx context.Context) bool {
	u, err := r.ctrl.CurrentURL(ctx)
	if err != nil || u == "" {
		return false
	}
	return u == r.job.URL || u == r.task.LastPageURL()
}

// verifyFilled checks that every required field recorded as filled still
// holds a value, and that the upload survived when it was recorded.
func (r *run) verifyFilled(ctx context.Context, withUpload bool) error {
	var lost []string
	for _, f := range r.strategy.Fields {
		if !f.Required || Value(r.resume, f.Value) == "" {
			continue
		}
		v, err := r.ctrl.GetAttribute(ctx, f.Selector, "value")
		if errors.Is(err, jobs.ErrBrowserCrashed) {
			return err
		}
		if err != nil || strings.TrimSpace(v) == "" {
			lost = append(lost, f.Selector)
		}
	}
	if withUpload && r.strategy.Upload != "" && r.resume.FilePath != "" {
		present, err := r.ctrl.ElementPresent(ctx, r.strategy.Upload, 0)
		if errors.Is(err, jobs.ErrBrowserCrashed) {
			return err
		}
		if present {
			v, err := r.ctrl.GetAttribute(ctx, r.strategy.Upload, "value")
			if errors.Is(err, jobs.ErrBrowserCrashed) {
				return err
			}
			if err != nil || v == "" {
				lost = append(lost, r.strategy.Upload)
			}
		}
	}
	if len(lost) > 0 {
		return review("filled form lost before resume", fmt.Errorf("empty fields: %s", strings.Join(lost, ", ")))
	}
	return nil
}

// advance records a transition. It returns false when the state machine
// rejected it.
func (r *run) advance(ctx context.Context, tr jobs.Transition, res jobs.TaskResult) bool {
	tr.At = r.w.clock.Now()
	// Progress is recorded even when the caller has gone away.
	err := r.w.recorder.Step(context.WithoutCancel(ctx), &r.task, tr, tracker.WithResult(res))
	if err != nil {
		r.errs = append(r.errs, err)
		if !errors.Is(err, jobs.ErrPersistence) {
			r.logger.Error("transition rejected", zap.String("state", string(tr.State)), zap.Error(err))
			return false
		}
	}
	metrics.ObserveTransition(string(tr.State))
	if tr.State.IsTerminal() {
		metrics.ObserveOutcome(r.job.Source, string(tr.State))
	}
	r.logger.Debug("transition", zap.String("state", string(tr.State)), zap.String("note", tr.Note))
	return true
}

// finish moves the task to the terminal state err calls for.
func (r *run) finish(ctx context.Context, err error) {
	state, note, ev := r.route(ctx, err)
	if ev == "" && r.healthy && ctx.Err() == nil {
		ev = r.capture(ctx, state)
	}
	if r.advance(ctx, jobs.Transition{State: state, Note: note, EvidencePath: ev}, jobs.TaskResult{}) {
		r.logger.Info("application stopped", zap.String("state", string(state)), zap.String("note", note))
	}
}

func (r *run) route(ctx context.Context, err error) (jobs.TaskState, string, string) {
	var se *stepError
	hasStep := errors.As(err, &se)
	ev := ""
	if hasStep {
		ev = se.evidence
	}
	switch {
	case errors.Is(err, jobs.ErrBrowserCrashed):
		r.healthy = false
		return jobs.TaskFailed, "browser crashed", ev
	case ctx.Err() != nil:
		return jobs.TaskNeedsReview, NoteCancelled, ev
	case errors.Is(err, jobs.ErrCaptchaDetected):
		return jobs.TaskNeedsReview, "captcha detected", ev
	case hasStep:
		return se.state, se.Error(), ev
	default:
		return jobs.TaskNeedsReview, err.Error(), ev
	}
}

func (r *run) navigate(ctx context.Context) (outcome, error) {
	if err := r.load(ctx); err != nil {
		return outcome{}, err
	}
	if err := r.checkCaptcha(ctx); err != nil {
		return outcome{}, err
	}
	return outcome{pageURL: r.location(ctx)}, nil
}

// location returns the current page URL, or "" when it cannot be read.
func (r *run) location(ctx context.Context) string {
	u, err := r.ctrl.CurrentURL(ctx)
	if err != nil {
		return ""
	}
	return u
}

func (r *run) load(ctx context.Context) error {
	err := r.w.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		ok, err := r.ctrl.Navigate(ctx, r.job.URL)
		if err == nil && !ok {
			err = fmt.Errorf("%w: navigation to %s did not complete", jobs.ErrTimeout, r.job.URL)
		}
		if err != nil {
			r.logger.Warn("navigation failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return fail("navigation failed", err)
	}
	return nil
}

func (r *run) checkCaptcha(ctx context.Context) error {
	found, err := r.ctrl.HasCaptcha(ctx)
	if err != nil {
		if errors.Is(err, jobs.ErrBrowserCrashed) {
			return err
		}
		r.logger.Debug("captcha probe failed", zap.Error(err))
		return nil
	}
	if found {
		if solved, _ := r.ctrl.SolveCaptcha(ctx); solved {
			return nil
		}
		return review("captcha detected", jobs.ErrCaptchaDetected)
	}
	return nil
}

func (r *run) locateForm(ctx context.Context) (outcome, error) {
	if err := r.locate(ctx); err != nil {
		if captchaErr := r.checkCaptcha(ctx); captchaErr != nil {
			return outcome{}, captchaErr
		}
		return outcome{}, review("application form not found", err)
	}
	return outcome{note: r.strategy.Name, pageURL: r.location(ctx)}, nil
}

func (r *run) locate(ctx context.Context) error {
	return r.w.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		return r.findForm(ctx)
	})
}

func (r *run) findForm(ctx context.Context) error {
	s := r.strategy
	present, err := r.ctrl.ElementPresent(ctx, s.Form, 0)
	if err != nil || present {
		return err
	}
	if s.ApplyButton != "" {
		hasButton, err := r.ctrl.ElementPresent(ctx, s.ApplyButton, 0)
		if err != nil {
			return err
		}
		if hasButton {
			if err := r.ctrl.Click(ctx, s.ApplyButton); err != nil {
				return err
			}
		}
	}
	_, err = r.ctrl.WaitFor(ctx, s.Form, r.w.cfg.ElementTimeout)
	return err
}

func (r *run) fill(ctx context.Context) (outcome, error) {
	text := make(map[string]string)
	required := make(map[string]bool)
	var selects []Field
	for _, f := range r.strategy.Fields {
		v := Value(r.resume, f.Value)
		if v == "" {
			if f.Required {
				return outcome{}, review("missing value for required field "+f.Value, nil)
			}
			continue
		}
		if f.Kind == FieldSelect {
			selects = append(selects, f)
			continue
		}
		text[f.Selector] = v
		required[f.Selector] = f.Required
	}

	report, err := r.ctrl.FillForm(ctx, text)
	if err != nil {
		return outcome{}, review("form fill failed", err)
	}
	failed := make([]string, 0, len(report.Failed))
	for sel := range report.Failed {
		failed = append(failed, sel)
	}
	sort.Strings(failed)
	for _, sel := range failed {
		ferr := report.Failed[sel]
		if errors.Is(ferr, jobs.ErrBrowserCrashed) {
			return outcome{}, ferr
		}
		if required[sel] {
			return outcome{}, review("required field not filled", fmt.Errorf("%s: %w", sel, ferr))
		}
		r.logger.Warn("optional field skipped", zap.String("selector", sel), zap.Error(ferr))
	}

	filled := len(report.Filled)
	for _, f := range selects {
		if err := r.ctrl.SelectOption(ctx, f.Selector, Value(r.resume, f.Value)); err != nil {
			if errors.Is(err, jobs.ErrBrowserCrashed) {
				return outcome{}, err
			}
			if f.Required {
				return outcome{}, review("required field not filled", fmt.Errorf("%s: %w", f.Selector, err))
			}
			r.logger.Warn("optional field skipped", zap.String("selector", f.Selector), zap.Error(err))
			continue
		}
		filled++
	}
	return outcome{note: fmt.Sprintf("%d fields filled", filled)}, nil
}

func (r *run) attach(ctx context.Context) (outcome, error) {
	if r.strategy.Upload == "" || r.resume.FilePath == "" {
		return outcome{note: "no resume file"}, nil
	}
	present, err := r.ctrl.ElementPresent(ctx, r.strategy.Upload, 0)
	if err != nil {
		return outcome{}, err
	}
	if !present {
		return outcome{note: "no upload control"}, nil
	}
	if err := r.ctrl.UploadFile(ctx, r.strategy.Upload, r.resume.FilePath); err != nil {
		return outcome{}, review("resume upload failed", err)
	}
	return outcome{note: filepath.Base(r.resume.FilePath)}, nil
}

func (r *run) submit(ctx context.Context) (outcome, error) {
	if u, err := r.ctrl.CurrentURL(ctx); err == nil {
		r.preSubmitURL = u
	}
	clickErr := r.ctrl.Click(ctx, r.strategy.Submit)
	// Evidence is captured whatever the click did.
	ev := ""
	if !errors.Is(clickErr, jobs.ErrBrowserCrashed) {
		ev = r.capture(ctx, jobs.TaskSubmitted)
	}
	if clickErr != nil {
		if errors.Is(clickErr, jobs.ErrBrowserCrashed) {
			return outcome{}, clickErr
		}
		return outcome{}, &stepError{state: jobs.TaskNeedsReview, note: "submit failed", evidence: ev, err: clickErr}
	}
	return outcome{evidence: ev}, nil
}

func (r *run) confirm(ctx context.Context) (outcome, error) {
	finalURL, err := r.ctrl.CurrentURL(ctx)
	if err != nil && errors.Is(err, jobs.ErrBrowserCrashed) {
		return outcome{}, err
	}
	res := jobs.TaskResult{FinalURL: finalURL}

	if r.strategy.Confirmation != "" {
		present, err := r.ctrl.ElementPresent(ctx, r.strategy.Confirmation, r.w.cfg.ElementTimeout)
		if err != nil && errors.Is(err, jobs.ErrBrowserCrashed) {
			return outcome{}, err
		}
		if present {
			res.ConfirmationText, _ = r.ctrl.GetText(ctx, r.strategy.Confirmation)
			return r.confirmed(ctx, res, "confirmation element"), nil
		}
	}
	if src, err := r.ctrl.PageSource(ctx); err == nil {
		lower := strings.ToLower(src)
		for _, phrase := range r.strategy.ConfirmationText {
			if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
				res.ConfirmationText = phrase
				return r.confirmed(ctx, res, "confirmation text"), nil
			}
		}
	} else if errors.Is(err, jobs.ErrBrowserCrashed) {
		return outcome{}, err
	}
	if r.strategy.ErrorBanner != "" {
		banner, err := r.ctrl.ElementPresent(ctx, r.strategy.ErrorBanner, 0)
		if err != nil && errors.Is(err, jobs.ErrBrowserCrashed) {
			return outcome{}, err
		}
		if banner {
			text, _ := r.ctrl.GetText(ctx, r.strategy.ErrorBanner)
			return outcome{}, review("error shown after submit", errors.New(strings.TrimSpace(text)))
		}
	}
	if finalURL != "" && r.preSubmitURL != "" && finalURL != r.preSubmitURL {
		return r.confirmed(ctx, res, "url changed"), nil
	}
	return outcome{}, review("submission not confirmed", nil)
}

func (r *run) confirmed(ctx context.Context, res jobs.TaskResult, how string) outcome {
	return outcome{evidence: r.capture(ctx, jobs.TaskCompleted), note: how, result: res}
}

// capture screenshots the page into the evidence store and returns its URI.
// Failures are logged and yield an empty URI.
func (r *run) capture(ctx context.Context, state jobs.TaskState) string {
	scratch := filepath.Join(r.w.cfg.ScratchDir, fmt.Sprintf("%s-%s.png", r.task.ID, state))
	defer func() { _ = os.Remove(scratch) }()

	if err := r.ctrl.Screenshot(ctx, scratch); err != nil {
		r.logger.Warn("screenshot failed", zap.String("state", string(state)), zap.Error(err))
		return ""
	}
	// #nosec G304 -- scratch is built from the configured scratch dir and task id.
	f, err := os.Open(scratch)
	if err != nil {
		r.logger.Warn("open screenshot", zap.Error(err))
		return ""
	}
	defer func() { _ = f.Close() }()

	uri, err := r.w.evidence.Put(context.WithoutCancel(ctx), evidence.Path(r.w.cfg.EvidencePrefix, r.task.ID, state), evidence.ContentTypePNG, f)
	if err != nil {
		r.logger.Warn("store evidence", zap.String("state", string(state)), zap.Error(err))
		return ""
	}
	return uri
}
