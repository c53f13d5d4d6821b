// Package agent provides agent execution and lifecycle management. An
// agent binds a role to one conversational session and enforces the
// role's turn and context budgets across task executions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sgoodwin/foreman/internal/session"
	"github.com/sgoodwin/foreman/pkg/models"
)

// ErrTurnBudget indicates an exchange consumed the agent's full turn
// budget without producing an accepted result.
var ErrTurnBudget = errors.New("turn budget exceeded")

// Config configures an Agent.
type Config struct {
	// Role names the agent's function, e.g. "builder" or "reviewer".
	Role string
	// MaxTurns caps model turns per task. Zero means unlimited.
	MaxTurns int
	// MaxContextTokens triggers a conversation reset once the session's
	// cumulative token count crosses it. Zero disables the check.
	MaxContextTokens int64
	// FreshConversation forces a reset before every task, for roles
	// whose tasks don't benefit from shared history.
	FreshConversation bool
}

// Result is the outcome of one task execution.
type Result struct {
	// Output is the agent's final report.
	Output string
	// Turns is the number of model turns consumed.
	Turns int
	// InputTokens is the prompt-side token count for this task.
	InputTokens int64
	// OutputTokens is the completion-side token count for this task.
	OutputTokens int64
	// CostUSD is the metered spend reported by the backend.
	CostUSD float64
	// ContextReset is true if the conversation was reset before the
	// task ran.
	ContextReset bool
	// Elapsed is the wall-clock duration of the execution.
	Elapsed time.Duration
}

// Agent executes tasks against a single session. An agent runs one task
// at a time; concurrent Run calls serialize on the agent's mutex, which
// keeps exchanges on the underlying conversation strictly ordered.
type Agent struct {
	cfg  Config
	sess session.Session

	runMu sync.Mutex
}

// New creates an Agent from a config and session.
func New(cfg Config, sess session.Session) *Agent {
	return &Agent{cfg: cfg, sess: sess}
}

// Role returns the agent's role name.
func (a *Agent) Role() string {
	return a.cfg.Role
}

// ContextBudget returns the token count that triggers a conversation
// reset, or zero when unbounded.
func (a *Agent) ContextBudget() int64 {
	return a.cfg.MaxContextTokens
}

// Session exposes the agent's session, mainly for usage snapshots and
// checkpointing.
func (a *Agent) Session() session.Session {
	return a.sess
}

// Run executes one task to completion. The returned error is non-nil
// for backend failures and budget violations; in both cases the task
// should be marked failed.
func (a *Agent) Run(ctx context.Context, task *models.Task, workdir string) (*Result, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	result := &Result{}

	if a.cfg.FreshConversation || task.NewConversation || a.contextExhausted() {
		if !a.cfg.FreshConversation && !task.NewConversation {
			log.Printf("[agent] %s: context budget reached (%d tokens), resetting conversation",
				a.cfg.Role, a.sess.Stats().TotalTokens())
		}
		if err := a.sess.Reset(); err != nil {
			return nil, fmt.Errorf("reset session: %w", err)
		}
		result.ContextReset = true
	}

	reply, err := a.sess.Send(ctx, taskPrompt(task), workdir)
	if err != nil {
		return nil, fmt.Errorf("agent %s task %s: %w", a.cfg.Role, task.ID, err)
	}

	result.Output = reply.Text
	result.Turns = reply.Turns
	result.InputTokens = reply.InputTokens
	result.OutputTokens = reply.OutputTokens
	result.CostUSD = reply.CostUSD
	result.Elapsed = reply.Elapsed

	if a.cfg.MaxTurns > 0 && reply.Turns > a.cfg.MaxTurns {
		return result, fmt.Errorf("agent %s task %s used %d turns (max %d): %w",
			a.cfg.Role, task.ID, reply.Turns, a.cfg.MaxTurns, ErrTurnBudget)
	}

	return result, nil
}

// contextExhausted reports whether the session's conversation has grown
// past the configured context budget.
func (a *Agent) contextExhausted() bool {
	if a.cfg.MaxContextTokens <= 0 {
		return false
	}
	return a.sess.Stats().TotalTokens() >= a.cfg.MaxContextTokens
}

// taskPrompt renders a task into the prompt sent to the session.
func taskPrompt(task *models.Task) string {
	var b strings.Builder
	b.WriteString(task.Title)
	if task.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(task.Description)
	}
	b.WriteString("\n\nWhen finished, reply with a short report of what was done and anything a dependent task needs to know.")
	return b.String()
}
