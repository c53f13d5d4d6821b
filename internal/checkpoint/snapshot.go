package checkpoint

import (
	"github.com/sgoodwin/foreman/internal/session"
	"github.com/sgoodwin/foreman/pkg/models"
)

// SessionState captures a role's conversation so it can be revived on
// resume. CLI conversations resume by ID; API conversations cannot be
// revived remotely, so the summary stands in for lost history.
type SessionState struct {
	// Role is the agent role the session belongs to.
	Role string `json:"role"`
	// Backend identifies the session variant, "cli" or "api".
	Backend string `json:"backend"`
	// ConversationID is the backend's conversation identifier.
	ConversationID string `json:"conversation_id,omitempty"`
	// Stats is the session's usage counters at snapshot time.
	Stats session.Stats `json:"stats"`
}

// Snapshot is one durable point-in-time capture of a run. Snapshots
// are append-only; seq increases monotonically within a run and the
// highest seq is the authoritative state.
type Snapshot struct {
	// Seq orders snapshots within a run. Assigned on save.
	Seq int64 `json:"seq"`
	// Run is the full run state, including cycle history.
	Run *models.Run `json:"run"`
	// Tasks holds every task of the current cycle with its status.
	Tasks []*models.Task `json:"tasks,omitempty"`
	// Sessions captures each role's conversation state.
	Sessions []SessionState `json:"sessions,omitempty"`
	// FailureContext carries forward error summaries from earlier
	// cycles to inform the next planning pass.
	FailureContext []string `json:"failure_context,omitempty"`
	// PriorSummary is the latest cycle summary at snapshot time.
	PriorSummary string `json:"prior_summary,omitempty"`
}

// IncompleteTasks returns the tasks that still need dispatching. Only
// these are re-dispatched on resume; succeeded, failed and skipped
// tasks keep their recorded outcomes, except tasks skipped by a
// cancellation, which were never attempted and run again.
func (s *Snapshot) IncompleteTasks() []*models.Task {
	var out []*models.Task
	for _, task := range s.Tasks {
		if task.Incomplete() {
			out = append(out, task)
		}
	}
	return out
}
