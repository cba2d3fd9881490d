// Package publisher describes the task lifecycle events the engine emits.
package publisher

import (
	"time"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// DefaultTopic receives task lifecycle events when no topic is configured.
const DefaultTopic = "autoapply-task-events"

// TaskEvent is published once a task reaches a terminal state.
type TaskEvent struct {
	TaskID       string         `json:"task_id"`
	SessionID    string         `json:"session_id"`
	JobID        string         `json:"job_id"`
	Source       string         `json:"source"`
	State        jobs.TaskState `json:"state"`
	EvidencePath string         `json:"evidence_path,omitempty"`
	Error        string         `json:"error,omitempty"`
	EndedAt      time.Time      `json:"ended_at"`
}

// NewTaskEvent builds the event for a finished task.
func NewTaskEvent(task jobs.ApplicationTask, source string) TaskEvent {
	ev := TaskEvent{
		TaskID:       task.ID,
		SessionID:    task.SessionID,
		JobID:        task.JobID,
		Source:       source,
		State:        task.State,
		EvidencePath: task.Result.EvidencePath,
		Error:        task.Error,
	}
	if task.EndedAt != nil {
		ev.EndedAt = *task.EndedAt
	}
	return ev
}

// Attributes lets subscribers filter without decoding the payload.
func (e TaskEvent) Attributes() map[string]string {
	return map[string]string{
		"state":      string(e.State),
		"source":     e.Source,
		"session_id": e.SessionID,
	}
}
