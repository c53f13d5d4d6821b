package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sgoodwin/foreman/pkg/models"
)

// defaultAllowedTools are the tools the coding agent may use without
// prompting. A project's own settings can still deny specific patterns.
const defaultAllowedTools = "Read,Write,Edit,Bash,Glob,Grep,WebFetch"

// CLIConfig configures a CLISession.
type CLIConfig struct {
	// Command is the agent binary to invoke. Defaults to "claude".
	Command string
	// Model is passed through with --model when set.
	Model string
	// MaxTurns caps the number of agent turns per exchange when > 0.
	MaxTurns int
	// AllowedTools overrides the default tool allowlist when set.
	AllowedTools string
	// SystemPrompt is appended to the agent's system prompt when set.
	SystemPrompt string
	// Bucket classifies spend on this backend. Defaults to flat-rate,
	// matching subscription-backed CLI installs.
	Bucket models.CostBucket
}

// CLISession runs a coding-agent subprocess for each exchange. The
// subprocess reads and writes the project directory itself, so replies
// are reports of work already done. Conversations continue across
// exchanges via the backend's resume mechanism.
type CLISession struct {
	cfg CLIConfig

	// sendMu serializes exchanges; one subprocess at a time.
	sendMu sync.Mutex

	mu             sync.Mutex
	stats          Stats
	conversationID string
}

var _ Session = (*CLISession)(nil)

// NewCLISession creates a CLISession with the given config.
func NewCLISession(cfg CLIConfig) *CLISession {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.AllowedTools == "" {
		cfg.AllowedTools = defaultAllowedTools
	}
	if cfg.Bucket == "" {
		cfg.Bucket = models.BucketFlatRate
	}
	return &CLISession{cfg: cfg}
}

// Send runs one subprocess exchange. The call blocks until the
// subprocess exits; concurrent Send calls on the same session serialize.
func (s *CLISession) Send(ctx context.Context, prompt, workdir string) (*Reply, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	conversationID := s.conversationID
	s.mu.Unlock()

	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"--allowedTools", s.cfg.AllowedTools,
	}
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	if s.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.cfg.MaxTurns))
	}
	if s.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.cfg.SystemPrompt)
	}
	if conversationID != "" {
		args = append(args, "--resume", conversationID)
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	if workdir != "" {
		cmd.Dir = workdir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command, ErrBackendUnavailable)
	}

	// Drain stderr concurrently so the subprocess never blocks on a
	// full pipe. The captured text feeds error classification.
	var stderrBuf bytes.Buffer
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		_, _ = io.Copy(&stderrBuf, stderr)
	}()

	result, scanErr := collectResult(stdout)

	drainWG.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := stderrBuf.String()
		log.Printf("[session] %s exited with error: %v", s.cfg.Command, waitErr)
		return nil, fmt.Errorf("%s exited: %s: %w", s.cfg.Command, firstLine(detail), classifyFailure(detail))
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if result == nil {
		return nil, fmt.Errorf("no result event in output: %w", ErrMalformedReply)
	}
	if result.IsError {
		return nil, resultFailure(result)
	}
	if result.Result == "" {
		return nil, fmt.Errorf("empty result text: %w", ErrMalformedReply)
	}

	reply := &Reply{
		Text:    result.Result,
		Turns:   result.NumTurns,
		CostUSD: result.TotalCostUSD,
		Elapsed: elapsed,
	}
	if result.Usage != nil {
		reply.InputTokens = result.Usage.InputTokens
		reply.OutputTokens = result.Usage.OutputTokens
	}
	if s.cfg.Bucket == models.BucketFlatRate {
		reply.CostUSD = 0
	}

	s.mu.Lock()
	if result.SessionID != "" {
		s.conversationID = result.SessionID
	}
	s.stats.InputTokens += reply.InputTokens
	s.stats.OutputTokens += reply.OutputTokens
	s.stats.Turns += reply.Turns
	s.stats.CostUSD += reply.CostUSD
	s.mu.Unlock()

	return reply, nil
}

// collectResult scans stream-json lines and returns the final result
// event. Intermediate assistant and system events are discarded; error
// events abort the scan.
func collectResult(r io.Reader) (*streamEvent, error) {
	scanner := bufio.NewScanner(r)
	// Large tool outputs can produce very long lines.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var result *streamEvent
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := parseStreamEvent(line)
		if err != nil {
			return nil, fmt.Errorf("parse output line: %v: %w", err, ErrMalformedReply)
		}

		switch event.Type {
		case streamEventResult:
			result = event
		case streamEventError:
			return nil, fmt.Errorf("stream error: %s: %w", event.Error, classifyFailure(event.Error))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read output: %v: %w", err, ErrBackendUnavailable)
	}
	return result, nil
}

// resultSubtypeMaxTurns is the result subtype emitted when the agent
// ran out of turns before finishing.
const resultSubtypeMaxTurns = "error_max_turns"

// resultFailure maps an error-flagged result event onto a sentinel
// error. Turn exhaustion is recognized by its subtype and kept
// non-retryable; everything else is classified from the result text.
func resultFailure(result *streamEvent) error {
	if result.Subtype == resultSubtypeMaxTurns {
		return fmt.Errorf("agent stopped after %d turns: %w", result.NumTurns, ErrTurnBudget)
	}
	return fmt.Errorf("agent reported failure: %s: %w", firstLine(result.Result), classifyFailure(result.Result))
}

// Reset abandons the current conversation. The next Send starts fresh.
func (s *CLISession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restarts := s.stats.Restarts + 1
	s.stats = Stats{Restarts: restarts}
	s.conversationID = ""
	return nil
}

// Stats returns a snapshot of the cumulative usage counters.
func (s *CLISession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Kind reports KindCLI.
func (s *CLISession) Kind() Kind {
	return KindCLI
}

// Bucket reports how spend on this session is classified.
func (s *CLISession) Bucket() models.CostBucket {
	return s.cfg.Bucket
}

// Model returns the configured model identifier.
func (s *CLISession) Model() string {
	return s.cfg.Model
}

// ConversationID returns the backend's conversation identifier.
func (s *CLISession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetConversationID seeds the conversation identifier, used when
// resuming a checkpointed run so the next Send continues the prior
// conversation.
func (s *CLISession) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// firstLine truncates multi-line text to its first line for error
// messages.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
