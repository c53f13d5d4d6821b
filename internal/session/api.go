package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"

	"github.com/sgoodwin/foreman/pkg/models"
)

// APIConfig configures an APISession.
type APIConfig struct {
	// Model is the model identifier. Defaults to Claude Sonnet.
	Model string
	// APIKey is the Anthropic API key. If empty, uses the
	// ANTHROPIC_API_KEY environment variable.
	APIKey string
	// SystemPrompt is sent as the system prompt on every request.
	SystemPrompt string
	// MaxTokens caps the completion size per turn. Defaults to 8192.
	MaxTokens int64
	// MaxTurns caps request/response iterations per exchange when the
	// model is using tools. Defaults to 50.
	MaxTurns int
	// UseAWSBedrock routes requests through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// APISession holds a conversation over the Anthropic Messages API.
// When a Send carries a project directory the model is offered tools
// and the exchange loops until it stops calling them; without one it
// is a plain text exchange. The full message history is resent on
// every request, so input token counts grow with conversation length.
type APISession struct {
	client       anthropic.Client
	model        anthropic.Model
	systemPrompt string
	maxTokens    int64
	maxTurns     int

	sendMu sync.Mutex

	mu             sync.Mutex
	stats          Stats
	history        []anthropic.MessageParam
	conversationID string
}

var _ Session = (*APISession)(nil)

// NewAPISession creates an APISession with the given config.
func NewAPISession(cfg APIConfig) (*APISession, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set: %w", ErrAuth)
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 50
	}

	return &APISession{
		client:       anthropic.NewClient(opts...),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    maxTokens,
		maxTurns:     maxTurns,
	}, nil
}

// Send submits the prompt as the next user message and returns the
// model's reply. When workdir is non-empty the model is offered file
// and command tools scoped to that directory and the exchange loops,
// executing tool calls and feeding results back, until the model ends
// its turn or the turn budget runs out.
func (s *APISession) Send(ctx context.Context, prompt, workdir string) (*Reply, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	messages := append([]anthropic.MessageParam{}, s.history...)
	s.mu.Unlock()

	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	exchangeStart := len(messages) - 1

	var tools []anthropic.ToolUnionParam
	var runner *toolRunner
	if workdir != "" {
		tools = agentTools()
		runner = &toolRunner{workdir: workdir}
	}

	reply := &Reply{}
	start := time.Now()

	var text string
	finished := false
	for reply.Turns < s.maxTurns {
		reply.Turns++

		params := anthropic.MessageNewParams{
			Model:     s.model,
			MaxTokens: s.maxTokens,
			Messages:  messages,
			Tools:     tools,
		}
		if s.systemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: s.systemPrompt}}
		}

		resp, err := s.client.Messages.New(ctx, params)
		if err != nil {
			return nil, classifyAPIError(err)
		}
		reply.InputTokens += resp.Usage.InputTokens
		reply.OutputTokens += resp.Usage.OutputTokens

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResults []anthropic.ContentBlockParamUnion
		text = ""
		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text += variant.Text
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				if runner == nil {
					continue
				}
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))
				out := runner.run(ctx, variant.Name, variant.Input)
				toolResults = append(toolResults,
					anthropic.NewToolResultBlock(variant.ID, out.text, out.failed))
			}
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if resp.StopReason == anthropic.StopReasonEndTurn || len(toolResults) == 0 {
			finished = true
			break
		}
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}
	if !finished {
		return nil, fmt.Errorf("exchange used %d turns without finishing: %w", reply.Turns, ErrTurnBudget)
	}
	if text == "" {
		return nil, fmt.Errorf("response contained no text blocks: %w", ErrMalformedReply)
	}

	reply.Text = text
	reply.Elapsed = time.Since(start)

	s.mu.Lock()
	if s.conversationID == "" {
		s.conversationID = uuid.New().String()
	}
	s.history = append(s.history, messages[exchangeStart:]...)
	s.stats.InputTokens += reply.InputTokens
	s.stats.OutputTokens += reply.OutputTokens
	s.stats.Turns += reply.Turns
	s.mu.Unlock()

	return reply, nil
}

// classifyAPIError maps SDK errors onto the session error taxonomy.
func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429 || apierr.StatusCode == 529:
			return fmt.Errorf("api status %d: %w", apierr.StatusCode, ErrRateLimited)
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return fmt.Errorf("api status %d: %w", apierr.StatusCode, ErrAuth)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("api status %d: %w", apierr.StatusCode, ErrBackendUnavailable)
		default:
			return fmt.Errorf("api error: %v", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("api request: %v: %w", err, ErrBackendUnavailable)
}

// Reset abandons the conversation history and zeroes the counters.
func (s *APISession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restarts := s.stats.Restarts + 1
	s.stats = Stats{Restarts: restarts}
	s.history = nil
	s.conversationID = ""
	return nil
}

// Stats returns a snapshot of the cumulative usage counters.
func (s *APISession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Kind reports KindAPI.
func (s *APISession) Kind() Kind {
	return KindAPI
}

// Bucket reports BucketMetered; API usage is pay-per-token.
func (s *APISession) Bucket() models.CostBucket {
	return models.BucketMetered
}

// Model returns the model identifier.
func (s *APISession) Model() string {
	return string(s.model)
}

// ConversationID returns the local identifier for the current
// conversation. API conversations live only in process memory, so the
// identifier is minted locally rather than by the backend.
func (s *APISession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}
