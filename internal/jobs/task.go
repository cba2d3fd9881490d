package jobs

import (
	"fmt"
	"time"
)

// TaskState is a step of the application state machine.
type TaskState string

// Application task states, in state-machine order.
const (
	TaskPending        TaskState = "pending"
	TaskNavigating     TaskState = "navigating"
	TaskFormLocated    TaskState = "form_located"
	TaskFormFilled     TaskState = "form_filled"
	TaskResumeAttached TaskState = "resume_attached"
	TaskSubmitted      TaskState = "submitted"
	TaskCompleted      TaskState = "completed"
	TaskNeedsReview    TaskState = "needs_review"
	TaskFailed         TaskState = "failed"
)

var taskOrder = map[TaskState]int{
	TaskPending:        0,
	TaskNavigating:     1,
	TaskFormLocated:    2,
	TaskFormFilled:     3,
	TaskResumeAttached: 4,
	TaskSubmitted:      5,
	TaskCompleted:      6,
}

// IsTerminal reports whether no further transitions are allowed.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskNeedsReview:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	if _, ok := taskOrder[s]; ok {
		return true
	}
	return s == TaskFailed || s == TaskNeedsReview
}

// CanAdvanceTo reports whether moving from s to next is allowed. The happy path
// advances exactly one step; failed and needs_review are reachable from any
// non-terminal state.
func (s TaskState) CanAdvanceTo(next TaskState) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == TaskFailed || next == TaskNeedsReview {
		return true
	}
	return taskOrder[next] == taskOrder[s]+1
}

// Transition is one append-only entry in a task's history.
type Transition struct {
	State        TaskState `json:"state"`
	At           time.Time `json:"at"`
	EvidencePath string    `json:"evidence_path,omitempty"`
	Note         string    `json:"note,omitempty"`
	// PageURL is the browser location when the step finished.
	PageURL string `json:"page_url,omitempty"`
}

// TaskResult captures the outcome payload of an application attempt.
type TaskResult struct {
	EvidencePath     string `json:"evidence_path,omitempty"`
	ConfirmationText string `json:"confirmation_text,omitempty"`
	FinalURL         string `json:"final_url,omitempty"`
}

// ApplicationTask records one application attempt.
type ApplicationTask struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	JobID     string       `json:"job_id"`
	ResumeID  string       `json:"resume_id"`
	State     TaskState    `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Result    TaskResult   `json:"result"`
	Error     string       `json:"error,omitempty"`
	History   []Transition `json:"history"`
}

// Apply appends tr to the history and moves the task to tr.State. Terminal
// states set EndedAt; failed and needs_review carry the note as the task
// error. Apply rejects transitions the state machine does not allow.
func (t *ApplicationTask) Apply(tr Transition) error {
	if !t.State.CanAdvanceTo(tr.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, t.State, tr.State)
	}
	t.History = append(t.History, tr)
	t.State = tr.State
	if tr.EvidencePath != "" {
		t.Result.EvidencePath = tr.EvidencePath
	}
	switch tr.State {
	case TaskFailed, TaskNeedsReview:
		t.Error = tr.Note
	}
	if tr.State.IsTerminal() {
		ended := tr.At
		t.EndedAt = &ended
	}
	return nil
}

// Reached reports whether the task ever recorded the given state.
func (t ApplicationTask) Reached(state TaskState) bool {
	for _, tr := range t.History {
		if tr.State == state {
			return true
		}
	}
	return false
}

// LastPageURL returns the most recent page location recorded in history.
func (t ApplicationTask) LastPageURL() string {
	for i := len(t.History) - 1; i >= 0; i-- {
		if u := t.History[i].PageURL; u != "" {
			return u
		}
	}
	return ""
}

// Evidence returns the evidence path recorded for a state, if any.
func (t ApplicationTask) Evidence(state TaskState) string {
	for _, tr := range t.History {
		if tr.State == state && tr.EvidencePath != "" {
			return tr.EvidencePath
		}
	}
	return ""
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

// Session statuses.
const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session groups application tasks issued by one owner.
type Session struct {
	ID        string        `json:"id"`
	Owner     string        `json:"owner"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Status    SessionStatus `json:"status"`
}
