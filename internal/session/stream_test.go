package session

import (
	"errors"
	"strings"
	"testing"
)

func TestParseStreamEvent(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		check   func(t *testing.T, e *streamEvent)
	}{
		{
			name: "result event",
			line: `{"type":"result","subtype":"success","result":"done the thing","num_turns":4,"session_id":"abc-123","total_cost_usd":0.42,"usage":{"input_tokens":1000,"output_tokens":250}}`,
			check: func(t *testing.T, e *streamEvent) {
				if e.Type != streamEventResult {
					t.Errorf("Type = %q, want result", e.Type)
				}
				if e.Result != "done the thing" {
					t.Errorf("Result = %q", e.Result)
				}
				if e.NumTurns != 4 {
					t.Errorf("NumTurns = %d, want 4", e.NumTurns)
				}
				if e.SessionID != "abc-123" {
					t.Errorf("SessionID = %q", e.SessionID)
				}
				if e.Usage == nil || e.Usage.InputTokens != 1000 || e.Usage.OutputTokens != 250 {
					t.Errorf("Usage = %+v", e.Usage)
				}
			},
		},
		{
			name: "error event",
			line: `{"type":"error","error":"something broke"}`,
			check: func(t *testing.T, e *streamEvent) {
				if e.Type != streamEventError || e.Error != "something broke" {
					t.Errorf("event = %+v", e)
				}
			},
		},
		{
			name:    "not json",
			line:    `claude: command not found`,
			wantErr: true,
		},
		{
			name:    "missing type",
			line:    `{"result":"text"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := parseStreamEvent([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStreamEvent: %v", err)
			}
			tt.check(t, event)
		})
	}
}

func TestCollectResult(t *testing.T) {
	output := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}`,
		``,
		`{"type":"result","subtype":"success","result":"all done","num_turns":2,"session_id":"s1","usage":{"input_tokens":10,"output_tokens":5}}`,
	}, "\n")

	result, err := collectResult(strings.NewReader(output))
	if err != nil {
		t.Fatalf("collectResult: %v", err)
	}
	if result == nil {
		t.Fatal("expected result event")
	}
	if result.Result != "all done" || result.NumTurns != 2 {
		t.Errorf("result = %+v", result)
	}
}

func TestCollectResultNoResult(t *testing.T) {
	output := `{"type":"system","subtype":"init"}`
	result, err := collectResult(strings.NewReader(output))
	if err != nil {
		t.Fatalf("collectResult: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
}

func TestCollectResultStreamError(t *testing.T) {
	output := `{"type":"error","error":"rate limit exceeded"}`
	_, err := collectResult(strings.NewReader(output))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestResultFailure(t *testing.T) {
	tests := []struct {
		name  string
		event *streamEvent
		want  error
	}{
		{
			name:  "turn limit",
			event: &streamEvent{Type: streamEventResult, Subtype: "error_max_turns", IsError: true, NumTurns: 10},
			want:  ErrTurnBudget,
		},
		{
			name:  "rate limited",
			event: &streamEvent{Type: streamEventResult, Subtype: "error_during_execution", IsError: true, Result: "rate limit exceeded"},
			want:  ErrRateLimited,
		},
		{
			name:  "generic failure",
			event: &streamEvent{Type: streamEventResult, IsError: true, Result: "something broke"},
			want:  ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resultFailure(tt.event)
			if !errors.Is(err, tt.want) {
				t.Fatalf("resultFailure = %v, want %v", err, tt.want)
			}
		})
	}

	// Running out of turns is deterministic; retrying would only spend
	// the budget again.
	err := resultFailure(&streamEvent{Subtype: "error_max_turns", IsError: true})
	if Retryable(err) {
		t.Error("turn limit error should not be retryable")
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		text string
		want error
	}{
		{"Rate limit exceeded, try again later", ErrRateLimited},
		{"upstream returned 529", ErrRateLimited},
		{"model overloaded", ErrRateLimited},
		{"401 Unauthorized", ErrAuth},
		{"invalid api key provided", ErrAuth},
		{"connection refused", ErrBackendUnavailable},
		{"", ErrBackendUnavailable},
	}

	for _, tt := range tests {
		if got := classifyFailure(tt.text); !errors.Is(got, tt.want) {
			t.Errorf("classifyFailure(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrRateLimited, true},
		{ErrBackendUnavailable, true},
		{ErrAuth, false},
		{ErrMalformedReply, false},
		{ErrTurnBudget, false},
		{errors.New("other"), false},
	}

	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
