package session

import (
	"encoding/json"
	"fmt"
)

// streamEventType represents the type of a stream-json line emitted by
// the CLI backend.
type streamEventType string

const (
	streamEventSystem    streamEventType = "system"
	streamEventAssistant streamEventType = "assistant"
	streamEventUser      streamEventType = "user"
	streamEventResult    streamEventType = "result"
	streamEventError     streamEventType = "error"
)

// streamUsage is the token accounting block attached to result events.
type streamUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// streamEvent is one parsed line of stream-json output.
type streamEvent struct {
	Type streamEventType `json:"type"`
	// Subtype distinguishes result variants, e.g. "success" or
	// "error_max_turns".
	Subtype string `json:"subtype,omitempty"`
	// Result is the final answer text on result events.
	Result string `json:"result,omitempty"`
	// IsError marks a result event that carries a failure.
	IsError bool `json:"is_error,omitempty"`
	// NumTurns is the turn count reported on result events.
	NumTurns int `json:"num_turns,omitempty"`
	// SessionID is the backend's conversation identifier.
	SessionID string `json:"session_id,omitempty"`
	// TotalCostUSD is the metered cost reported on result events.
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	// Usage holds token counts on result events.
	Usage *streamUsage `json:"usage,omitempty"`
	// Error carries failure details on error events.
	Error string `json:"error,omitempty"`
}

// parseStreamEvent parses a single JSON line from the CLI's stream-json
// output. Empty lines must be filtered out by the caller.
func parseStreamEvent(line []byte) (*streamEvent, error) {
	var event streamEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, fmt.Errorf("unmarshal stream event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("stream event missing type")
	}
	return &event, nil
}
