// Package orchestrator drives a goal through repeated plan, dispatch,
// collect and summarize cycles until it is done, stuck, or out of
// budget.
package orchestrator

import (
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventRunStarted fires when a run begins or resumes.
	EventRunStarted EventType = "run_started"
	// EventCycleStarted fires when a new cycle begins planning.
	EventCycleStarted EventType = "cycle_started"
	// EventPlanReady fires when planning produced a task batch.
	EventPlanReady EventType = "plan_ready"
	// EventTaskStarted fires when a task begins executing.
	EventTaskStarted EventType = "task_started"
	// EventTaskSucceeded fires when a task completes successfully.
	EventTaskSucceeded EventType = "task_succeeded"
	// EventTaskFailed fires when a task fails.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped fires when a task is abandoned unrun.
	EventTaskSkipped EventType = "task_skipped"
	// EventCycleSummarized fires when a cycle's summary is recorded.
	EventCycleSummarized EventType = "cycle_summarized"
	// EventVerifyRejected fires when a completion claim is rejected.
	EventVerifyRejected EventType = "verify_rejected"
	// EventRunDone fires when the goal is complete and verified.
	EventRunDone EventType = "run_done"
	// EventRunEscalated fires when the run gives up.
	EventRunEscalated EventType = "run_escalated"
	// EventRunCancelled fires when the operator stops the run.
	EventRunCancelled EventType = "run_cancelled"
)

// Event is one observable state change in a run.
type Event struct {
	// Type identifies what happened.
	Type EventType `json:"type"`
	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`
	// CycleIndex is the cycle the event belongs to, -1 for run-level
	// events.
	CycleIndex int `json:"cycle_index"`
	// TaskID is set for task-level events.
	TaskID string `json:"task_id,omitempty"`
	// Role is the agent role involved, if any.
	Role string `json:"role,omitempty"`
	// Message carries human-readable detail.
	Message string `json:"message,omitempty"`
	// Err carries failure detail for failed and rejected events.
	Err string `json:"error,omitempty"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}
