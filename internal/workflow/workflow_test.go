package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/browser/browsertest"
	"github.com/JakeFAU/autoapply/internal/clock/manual"
	evmemory "github.com/JakeFAU/autoapply/internal/evidence/memory"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/retry"
	"github.com/JakeFAU/autoapply/internal/store/memory"
	"github.com/JakeFAU/autoapply/internal/tracker"
)

const jobURL = "https://jobs.example.com/postings/1"

func testStrategy() Strategy {
	return Strategy{
		Name:        "board",
		ApplyButton: "#apply",
		Form:        "#form",
		Fields: []Field{
			{Selector: "#first", Value: "first_name", Required: true},
			{Selector: "#last", Value: "last_name", Required: true},
			{Selector: "#email", Value: "email", Required: true},
			{Selector: "#phone", Value: "phone"},
			{Selector: "#country", Value: "answer:country", Kind: FieldSelect},
		},
		Upload:           "#resume",
		Submit:           "#submit",
		Confirmation:     "#thanks",
		ConfirmationText: []string{"application received"},
		ErrorBanner:      "#error",
	}
}

type harness struct {
	wf       *Workflow
	tracker  *tracker.Tracker
	evidence *evmemory.Store
	ctrl     *browsertest.Controller
	job      jobs.JobRecord
	resume   jobs.Resume
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := manual.New(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	tr := tracker.New(memory.New(), nil, tracker.WithClock(clk))
	ev := evmemory.New()
	wf := New(Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		ElementTimeout: time.Second,
		ScratchDir:     t.TempDir(),
	}, tr, ev, NewStrategies(DefaultStrategy(), map[string]Strategy{"board": testStrategy()}), clk, nil)

	ctrl := browsertest.New()
	ctrl.Pages[jobURL] = browsertest.Page{
		"#apply":   {Text: "Apply now"},
		"#first":   {},
		"#last":    {},
		"#email":   {},
		"#phone":   {},
		"#country": {Options: []string{"UK", "US"}},
		"#resume":  {},
		"#submit":  {Text: "Submit"},
	}
	ctrl.OnClick["#apply"] = func(c *browsertest.Controller) {
		c.SetElement("#form", browsertest.Element{})
	}
	ctrl.OnClick["#submit"] = func(c *browsertest.Controller) {
		c.SetURL(jobURL + "/submitted")
		c.SetElement("#thanks", browsertest.Element{Text: "Thanks, we got it!"})
	}
	_, err := ctrl.Initialize(context.Background(), true)
	require.NoError(t, err)

	return &harness{
		wf:       wf,
		tracker:  tr,
		evidence: ev,
		ctrl:     ctrl,
		job:      jobs.JobRecord{ID: "job-1", Source: "board", URL: jobURL, Title: "Engineer"},
		resume: jobs.Resume{
			ID:       "res-1",
			FilePath: "/data/resumes/ada.pdf",
			Contact:  jobs.Contact{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Phone: "555-0100"},
			Answers:  map[string]string{"country": "UK"},
		},
	}
}

func (h *harness) newTask(t *testing.T) jobs.ApplicationTask {
	t.Helper()
	ctx := context.Background()
	s, err := h.tracker.StartSession(ctx, "ada")
	require.NoError(t, err)
	task, err := h.tracker.CreateTask(ctx, s.ID, h.job.ID, h.resume.ID)
	require.NoError(t, err)
	return task
}

func states(task jobs.ApplicationTask) []jobs.TaskState {
	out := make([]jobs.TaskState, 0, len(task.History))
	for _, tr := range task.History {
		out = append(out, tr.State)
	}
	return out
}

func countState(task jobs.ApplicationTask, state jobs.TaskState) int {
	n := 0
	for _, tr := range task.History {
		if tr.State == state {
			n++
		}
	}
	return n
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.newTask(t)

	res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
	require.NoError(t, res.Err)
	require.True(t, res.Healthy)
	require.Equal(t, jobs.TaskCompleted, res.Task.State)
	require.Equal(t, []jobs.TaskState{
		jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled,
		jobs.TaskResumeAttached, jobs.TaskSubmitted, jobs.TaskCompleted,
	}, states(res.Task))

	require.Equal(t, "ada@example.com", h.ctrl.Value("#email"))
	require.Equal(t, "UK", h.ctrl.Value("#country"))
	require.Equal(t, "/data/resumes/ada.pdf", h.ctrl.Uploaded("#resume"))

	submittedEvidence := fmt.Sprintf("memory://evidence/%s/submitted.png", task.ID)
	require.Equal(t, submittedEvidence, res.Task.Evidence(jobs.TaskSubmitted))
	require.Contains(t, h.evidence.Paths(), fmt.Sprintf("evidence/%s/submitted.png", task.ID))
	require.Equal(t, "Thanks, we got it!", res.Task.Result.ConfirmationText)
	require.Equal(t, jobURL+"/submitted", res.Task.Result.FinalURL)
	require.NotNil(t, res.Task.EndedAt)

	stored, err := h.tracker.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, res.Task.History, stored.History, "every transition is persisted")
}

func TestRunMissingFormNeedsReviewWithoutSubmitting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	page := h.ctrl.Pages[jobURL]
	delete(page, "#apply")
	task := h.newTask(t)

	res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
	require.Contains(t, res.Task.Error, "application form not found")
	require.False(t, res.Task.Reached(jobs.TaskSubmitted))
	require.Empty(t, res.Task.Evidence(jobs.TaskSubmitted))
	require.Zero(t, h.ctrl.Count("Click", "#submit"))
	require.Equal(t, 3, h.ctrl.Count("WaitFor", "#form"), "lookup is retried up to the policy bound")
	require.True(t, res.Healthy)
}

func TestRunCaptchaNeedsReview(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.ctrl.Pages[jobURL][".h-captcha"] = browsertest.Element{}
	task := h.newTask(t)

	res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
	require.Equal(t, "captcha detected", res.Task.Error)
	require.Equal(t, 1, h.ctrl.Count("Navigate", ""), "captcha is never retried blindly")
	require.Zero(t, h.ctrl.Count("Click", ""))
}

func TestRunNavigationRetriesThenFails(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ctrl.NavigateErrs = []error{jobs.ErrTimeout, jobs.ErrTimeout}
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskCompleted, res.Task.State)
		require.Equal(t, 3, h.ctrl.Count("Navigate", jobURL))
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ctrl.NavigateErrs = []error{jobs.ErrTimeout, jobs.ErrTimeout, jobs.ErrTimeout}
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskFailed, res.Task.State)
		require.Contains(t, res.Task.Error, "navigation failed")
		require.Equal(t, 3, h.ctrl.Count("Navigate", jobURL))
		require.True(t, res.Healthy)
	})
}

func TestRunSubmitFailureKeepsEvidence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.ctrl.Failures["Click:#submit"] = errors.New("element detached")
	task := h.newTask(t)

	res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
	require.Contains(t, res.Task.Error, "submit failed")
	want := fmt.Sprintf("memory://evidence/%s/submitted.png", task.ID)
	require.Equal(t, want, res.Task.Evidence(jobs.TaskNeedsReview))
	require.Equal(t, want, res.Task.Result.EvidencePath)
	require.False(t, res.Task.Reached(jobs.TaskSubmitted))
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.OnClick["#apply"] = func(c *browsertest.Controller) {
		c.SetElement("#form", browsertest.Element{})
		cancel()
	}
	task := h.newTask(t)

	res := h.wf.Run(ctx, h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
	require.Equal(t, NoteCancelled, res.Task.Error)
	require.Equal(t, []jobs.TaskState{jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskNeedsReview}, states(res.Task))
	require.Zero(t, h.ctrl.Count("FillText", ""), "no step starts after cancellation")

	stored, err := h.tracker.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskNeedsReview, stored.State, "cancellation is persisted")
}

func TestRunBrowserCrashFailsAndDiscardsHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.ctrl.Failures["FillText:#email"] = fmt.Errorf("%w: target closed", jobs.ErrBrowserCrashed)

	res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
	require.Equal(t, jobs.TaskFailed, res.Task.State)
	require.Equal(t, "browser crashed", res.Task.Error)
	require.False(t, res.Healthy)
	require.Zero(t, h.ctrl.Count("Screenshot", ""))
}

// advanceTo records the given states without touching the browser.
func (h *harness) advanceTo(t *testing.T, task jobs.ApplicationTask, states ...jobs.TaskState) jobs.ApplicationTask {
	t.Helper()
	for _, s := range states {
		var err error
		task, err = h.tracker.Advance(context.Background(), task.ID, jobs.Transition{State: s})
		require.NoError(t, err)
	}
	return task
}

// fillByHand leaves the fake on the open form with every field entered, as an
// interrupted run would.
func (h *harness) fillByHand(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.ctrl.Navigate(ctx, jobURL)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Click(ctx, "#apply"))
	for sel, v := range map[string]string{"#first": "Ada", "#last": "Lovelace", "#email": "ada@example.com", "#phone": "555-0100"} {
		require.NoError(t, h.ctrl.FillText(ctx, sel, v))
	}
	require.NoError(t, h.ctrl.SelectOption(ctx, "#country", "UK"))
}

func TestRunResumesFromFormFilledOnSameHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.advanceTo(t, h.newTask(t), jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled)
	h.fillByHand(t)
	navigations, fills := h.ctrl.Count("Navigate", ""), h.ctrl.Count("FillText", "")

	res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
	require.NoError(t, res.Err)
	require.Equal(t, jobs.TaskCompleted, res.Task.State)
	require.Equal(t, navigations, h.ctrl.Count("Navigate", ""), "the page is not reloaded")
	require.Equal(t, fills, h.ctrl.Count("FillText", ""), "fields are not typed twice")
	require.Zero(t, h.ctrl.Count("FillForm", ""))
	require.Equal(t, "ada@example.com", h.ctrl.Value("#email"), "the form keeps its values through submit")
	require.Equal(t, "/data/resumes/ada.pdf", h.ctrl.Uploaded("#resume"))
	require.Equal(t, 1, h.ctrl.Count("Click", "#submit"))
	require.Equal(t, []jobs.TaskState{
		jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled,
		jobs.TaskResumeAttached, jobs.TaskSubmitted, jobs.TaskCompleted,
	}, states(res.Task))
}

func TestRunResumesFromResumeAttachedOnSameHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.advanceTo(t, h.newTask(t),
		jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled, jobs.TaskResumeAttached)
	h.fillByHand(t)
	require.NoError(t, h.ctrl.UploadFile(context.Background(), "#resume", h.resume.FilePath))

	res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskCompleted, res.Task.State)
	require.Equal(t, 1, h.ctrl.Count("UploadFile", ""), "the resume is not uploaded twice")
	require.Equal(t, 1, countState(res.Task, jobs.TaskResumeAttached))
}

func TestRunResumesOnRecordedFormPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	formURL := jobURL + "/apply"
	h.ctrl.OnClick["#apply"] = func(c *browsertest.Controller) {
		c.SetURL(formURL)
		c.SetElement("#form", browsertest.Element{})
	}
	ctx := context.Background()
	task := h.advanceTo(t, h.newTask(t), jobs.TaskNavigating)
	task, err := h.tracker.Advance(ctx, task.ID, jobs.Transition{State: jobs.TaskFormLocated, PageURL: formURL})
	require.NoError(t, err)
	task = h.advanceTo(t, task, jobs.TaskFormFilled)
	h.fillByHand(t)

	res := h.wf.Run(ctx, h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskCompleted, res.Task.State)
	require.Equal(t, 1, h.ctrl.Count("Navigate", ""), "only the setup navigation happened")
	require.Equal(t, 1, h.ctrl.Count("Click", "#apply"))

	other := h.newTask(t)
	other = h.advanceTo(t, other, jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled)
	again := h.wf.Run(ctx, h.ctrl, other, h.job, h.resume)
	require.Equal(t, jobs.TaskNeedsReview, again.Task.State, "a page this task never recorded is reloaded")
	require.Equal(t, 2, h.ctrl.Count("Navigate", ""))
}

func TestRunResumeOnFreshHandleNeverSubmitsEmptyForm(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.advanceTo(t, h.newTask(t), jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled)

	res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
	require.Contains(t, res.Task.Error, "filled form lost before resume")
	require.Equal(t, 1, h.ctrl.Count("Navigate", jobURL), "a handle off the job page reloads it once")
	require.Zero(t, h.ctrl.Count("FillText", ""))
	require.Zero(t, h.ctrl.Count("UploadFile", ""))
	require.Zero(t, h.ctrl.Count("Click", "#submit"))
	require.False(t, res.Task.Reached(jobs.TaskCompleted))
	require.Equal(t, 1, countState(res.Task, jobs.TaskFormFilled))
}

func TestRunCancelledDuringFillFinishesTheStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Fields are filled in selector order; #email goes first.
	h.ctrl.OnCall = func(call browsertest.Call) {
		if call.Method == "FillText" && call.Arg == "#email" {
			cancel()
		}
	}
	task := h.newTask(t)

	res := h.wf.Run(ctx, h.ctrl, task, h.job, h.resume)
	require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
	require.Equal(t, NoteCancelled, res.Task.Error)
	for sel, want := range map[string]string{
		"#email": "ada@example.com", "#first": "Ada", "#last": "Lovelace", "#phone": "555-0100", "#country": "UK",
	} {
		require.Equal(t, want, h.ctrl.Value(sel), "field %s", sel)
	}
	require.Equal(t, []jobs.TaskState{
		jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled, jobs.TaskNeedsReview,
	}, states(res.Task))
	require.Zero(t, h.ctrl.Count("UploadFile", ""), "no step starts after cancellation")
	require.Zero(t, h.ctrl.Count("Click", "#submit"))
}

func TestRunResumeEdgeStates(t *testing.T) {
	t.Parallel()

	t.Run("terminal unchanged", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		task := h.newTask(t)
		task, err := h.tracker.Fail(context.Background(), task.ID, "earlier")
		require.NoError(t, err)
		res := h.wf.Run(context.Background(), h.ctrl, task, h.job, h.resume)
		require.Equal(t, task, res.Task)
		require.Zero(t, h.ctrl.Count("Navigate", ""))
	})

	t.Run("submitted needs review", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		task := h.newTask(t)
		for _, s := range []jobs.TaskState{
			jobs.TaskNavigating, jobs.TaskFormLocated, jobs.TaskFormFilled, jobs.TaskResumeAttached, jobs.TaskSubmitted,
		} {
			var err error
			task, err = h.tracker.Advance(ctx, task.ID, jobs.Transition{State: s})
			require.NoError(t, err)
		}
		res := h.wf.Run(ctx, h.ctrl, task, h.job, h.resume)
		require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
		require.Zero(t, h.ctrl.Count("Click", "#submit"), "a submitted application is never resubmitted")
	})

	t.Run("form located relocates silently", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		task := h.newTask(t)
		for _, s := range []jobs.TaskState{jobs.TaskNavigating, jobs.TaskFormLocated} {
			var err error
			task, err = h.tracker.Advance(ctx, task.ID, jobs.Transition{State: s})
			require.NoError(t, err)
		}
		res := h.wf.Run(ctx, h.ctrl, task, h.job, h.resume)
		require.Equal(t, jobs.TaskCompleted, res.Task.State)
		require.Equal(t, 1, h.ctrl.Count("Click", "#apply"))
		require.Equal(t, 1, countState(res.Task, jobs.TaskFormLocated))
	})
}

func TestRunConfirmation(t *testing.T) {
	t.Parallel()

	t.Run("error banner", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ctrl.OnClick["#submit"] = func(c *browsertest.Controller) {
			c.SetElement("#error", browsertest.Element{Text: "Email is invalid"})
		}
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
		require.Contains(t, res.Task.Error, "Email is invalid")
		require.True(t, res.Task.Reached(jobs.TaskSubmitted))
	})

	t.Run("url change only", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ctrl.OnClick["#submit"] = func(c *browsertest.Controller) { c.SetURL(jobURL + "/done") }
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskCompleted, res.Task.State)
		require.Equal(t, jobURL+"/done", res.Task.Result.FinalURL)
	})

	t.Run("ambiguous", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ctrl.OnClick["#submit"] = func(*browsertest.Controller) {}
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
		require.Equal(t, "submission not confirmed", res.Task.Error)
	})
}

func TestRunFieldRules(t *testing.T) {
	t.Parallel()

	t.Run("missing required value", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.resume.Contact.Email = ""
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
		require.Contains(t, res.Task.Error, "email")
	})

	t.Run("optional failure skipped", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ctrl.Failures["FillText:#phone"] = errors.New("readonly")
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskCompleted, res.Task.State)
	})

	t.Run("required failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ctrl.Failures["FillText:#last"] = errors.New("readonly")
		res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
		require.Equal(t, jobs.TaskNeedsReview, res.Task.State)
		require.Contains(t, res.Task.Error, "#last")
	})
}

type lossyRecorder struct {
	Recorder
	failOn jobs.TaskState
}

func (l lossyRecorder) Step(ctx context.Context, task *jobs.ApplicationTask, tr jobs.Transition, opts ...tracker.AdvanceOption) error {
	if tr.State == l.failOn {
		if err := task.Apply(tr); err != nil {
			return err
		}
		return fmt.Errorf("%w: disk full", jobs.ErrPersistence)
	}
	return l.Recorder.Step(ctx, task, tr, opts...)
}

func TestRunSurfacesPersistenceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.wf.recorder = lossyRecorder{Recorder: h.tracker, failOn: jobs.TaskFormFilled}

	res := h.wf.Run(context.Background(), h.ctrl, h.newTask(t), h.job, h.resume)
	require.Equal(t, jobs.TaskCompleted, res.Task.State, "the state machine still completes")
	require.ErrorIs(t, res.Err, jobs.ErrPersistence)
}

func TestStrategies(t *testing.T) {
	t.Parallel()

	s := NewStrategies(DefaultStrategy(), map[string]Strategy{"acme": {Submit: "#go"}})
	acme := s.For("acme")
	require.Equal(t, "acme", acme.Name)
	require.Equal(t, "#go", acme.Submit)
	require.Equal(t, DefaultStrategy().Form, acme.Form)
	require.Len(t, acme.Fields, len(DefaultStrategy().Fields))
	require.Equal(t, "default", s.For("unknown").Name)
	require.Equal(t, "default", Strategies{}.For("x").Name)

	r := jobs.Resume{Contact: jobs.Contact{FirstName: "Ada", LastName: "Lovelace"}, Answers: map[string]string{"visa": " no "}}
	require.Equal(t, "Ada Lovelace", Value(r, "full_name"))
	require.Equal(t, "no", Value(r, "answer:visa"))
	require.Empty(t, Value(r, "answer:missing"))
	require.Empty(t, Value(r, "shoe_size"))
}
