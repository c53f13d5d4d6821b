package models

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Runs have no pending state: creation and start happen in one
// in-process step, so every run is born running.
const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"
	// RunStatusDone indicates the run finished with an accepted result.
	RunStatusDone RunStatus = "done"
	// RunStatusEscalated indicates the run gave up and needs a human.
	RunStatusEscalated RunStatus = "escalated"
	// RunStatusCancelled indicates the run was stopped by the operator.
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusDone, RunStatusEscalated, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Verdict is the outcome decided at the end of a cycle.
type Verdict string

const (
	// VerdictContinue means another cycle is needed.
	VerdictContinue Verdict = "continue"
	// VerdictDone means the goal is complete and verified.
	VerdictDone Verdict = "done"
	// VerdictEscalate means progress has stalled beyond recovery.
	VerdictEscalate Verdict = "escalate"
)

// Cycle records one plan/dispatch/collect/summarize pass over the goal.
type Cycle struct {
	// RunID is the ID of the run this cycle belongs to.
	RunID string `json:"run_id"`
	// Index is the zero-based position of this cycle within the run.
	Index int `json:"index"`
	// TaskIDs lists the tasks planned in this cycle, in plan order.
	TaskIDs []string `json:"task_ids,omitempty"`
	// Succeeded counts tasks that finished successfully.
	Succeeded int `json:"succeeded"`
	// Failed counts tasks that failed.
	Failed int `json:"failed"`
	// Skipped counts tasks abandoned because a dependency failed or
	// the run was cancelled.
	Skipped int `json:"skipped"`
	// Summary is the compressed account of what happened this cycle.
	Summary string `json:"summary,omitempty"`
	// Verdict is the outcome decided when the cycle closed.
	Verdict Verdict `json:"verdict,omitempty"`
	// CostUSD is the metered spend attributed to this cycle.
	CostUSD float64 `json:"cost_usd"`
	// Tokens is the total token volume consumed by this cycle.
	Tokens int64 `json:"tokens"`
	// StartedAt is when planning for this cycle began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the verdict was recorded.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Run represents one end-to-end attempt at a goal, spanning cycles.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// Goal is the operator's original request.
	Goal string `json:"goal"`
	// Status is the lifecycle state of the run.
	Status RunStatus `json:"status"`
	// Workdir is the project directory agents operate in.
	Workdir string `json:"workdir,omitempty"`
	// Cycles holds the completed and in-progress cycles, in order.
	Cycles []*Cycle `json:"cycles,omitempty"`
	// FinalSummary is the closing report for done or escalated runs.
	FinalSummary string `json:"final_summary,omitempty"`
	// EscalationReason explains why the run escalated, if it did.
	EscalationReason string `json:"escalation_reason,omitempty"`
	// TotalCostUSD is the metered spend across the whole run.
	TotalCostUSD float64 `json:"total_cost_usd"`
	// TotalTokens is the token volume across the whole run.
	TotalTokens int64 `json:"total_tokens"`
	// StartedAt is when the run was created.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CurrentCycle returns the most recent cycle, or nil if none exist.
func (r *Run) CurrentCycle() *Cycle {
	if len(r.Cycles) == 0 {
		return nil
	}
	return r.Cycles[len(r.Cycles)-1]
}
