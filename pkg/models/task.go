package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task is being worked on.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was never dispatched.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status will never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// SkipReasonCancelled marks tasks abandoned because the run was
// interrupted rather than because a dependency failed. These tasks are
// re-dispatched when the run resumes.
const SkipReasonCancelled = "cancelled"

// Task represents a unit of work dispatched to a single agent.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// RunID is the ID of the run this task belongs to.
	RunID string `json:"run_id,omitempty"`
	// CycleIndex is the zero-based cycle in which the task was planned.
	CycleIndex int `json:"cycle_index"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed instructions for the agent.
	Description string `json:"description,omitempty"`
	// Role names the agent role that must execute this task.
	Role string `json:"role"`
	// NewConversation asks the agent to reset its conversation before
	// this task, discarding history the planner deems stale.
	NewConversation bool `json:"new_conversation,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// DependsOn lists task IDs that must succeed before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Output is the agent's final report, set once the task finishes.
	Output string `json:"output,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// SkipReason explains why the task was skipped, if it was.
	SkipReason string `json:"skip_reason,omitempty"`
	// Attempts is the number of times this task has been dispatched.
	Attempts int `json:"attempts,omitempty"`
	// CreatedAt is when the task was planned.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task was dispatched, if it was.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task. Mutating the copy, or the
// original afterwards, does not affect the other.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Incomplete returns true if the task still needs to be dispatched.
// Running tasks count as incomplete because a crash may have
// interrupted them before a result was recorded, and cancelled skips
// count because the work was never attempted to completion.
func (t *Task) Incomplete() bool {
	if t.Status == TaskStatusSkipped && t.SkipReason == SkipReasonCancelled {
		return true
	}
	return !t.Status.Terminal()
}
