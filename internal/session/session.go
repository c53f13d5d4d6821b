// Package session provides conversational backends for agents. A session
// owns one conversation with a model, tracks cumulative usage, and can be
// reset to a fresh conversation when the context window fills up.
package session

import (
	"context"
	"time"

	"github.com/sgoodwin/foreman/pkg/models"
)

// Kind identifies the backend variant behind a session.
type Kind string

const (
	// KindCLI drives a local coding-agent subprocess per exchange.
	KindCLI Kind = "cli"
	// KindAPI calls the Anthropic Messages API directly.
	KindAPI Kind = "api"
)

// Stats holds the cumulative usage counters for a session. Counters are
// zeroed by Reset; Restarts survives resets and counts how many fresh
// conversations the session has gone through.
type Stats struct {
	// InputTokens is the prompt-side token count since the last reset.
	InputTokens int64 `json:"input_tokens"`
	// OutputTokens is the completion-side token count since the last reset.
	OutputTokens int64 `json:"output_tokens"`
	// Turns is the number of model turns consumed since the last reset.
	Turns int `json:"turns"`
	// CostUSD is the metered spend since the last reset.
	CostUSD float64 `json:"cost_usd"`
	// Restarts is the number of times the session has been reset.
	Restarts int `json:"restarts"`
}

// TotalTokens returns the combined input and output token count.
func (s Stats) TotalTokens() int64 {
	return s.InputTokens + s.OutputTokens
}

// Reply is the outcome of a single prompt exchange.
type Reply struct {
	// Text is the model's final answer.
	Text string
	// Turns is the number of model turns the exchange consumed.
	Turns int
	// InputTokens is the prompt-side token count for this exchange.
	InputTokens int64
	// OutputTokens is the completion-side token count for this exchange.
	OutputTokens int64
	// CostUSD is the metered dollar cost reported by the backend,
	// zero for flat-rate backends.
	CostUSD float64
	// Elapsed is the wall-clock duration of the exchange.
	Elapsed time.Duration
}

// Session is one conversation with a model backend. Implementations must
// be safe for concurrent use; Send calls on the same session serialize.
type Session interface {
	// Send submits a prompt and blocks until the backend produces a
	// final answer. workdir is the project directory the exchange
	// operates in; backends that have no filesystem access ignore it.
	Send(ctx context.Context, prompt, workdir string) (*Reply, error)

	// Reset abandons the current conversation. Usage counters are
	// zeroed and the restart counter is incremented. The next Send
	// starts a fresh conversation.
	Reset() error

	// Stats returns a snapshot of the cumulative usage counters.
	Stats() Stats

	// Kind reports the backend variant.
	Kind() Kind

	// Bucket reports how usage on this session is paid for.
	Bucket() models.CostBucket

	// Model returns the model identifier the session talks to.
	Model() string

	// ConversationID returns the backend's identifier for the current
	// conversation, or empty if no exchange has happened yet.
	ConversationID() string
}
