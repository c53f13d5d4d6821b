package orchestrator

import (
	"fmt"

	"github.com/sgoodwin/foreman/internal/agent"
	"github.com/sgoodwin/foreman/internal/config"
	"github.com/sgoodwin/foreman/internal/session"
)

// retryPolicy converts retry config to a session policy.
func retryPolicy(cfg *config.Config) session.RetryPolicy {
	return session.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	}
}

// buildSession constructs the retry-wrapped session for one role.
func buildSession(cfg *config.Config, role config.RoleConfig) (session.Session, error) {
	var inner session.Session
	switch role.Backend {
	case "cli":
		inner = session.NewCLISession(session.CLIConfig{
			Model:        role.Model,
			MaxTurns:     role.MaxTurns,
			SystemPrompt: role.SystemPrompt,
		})
	case "api":
		s, err := session.NewAPISession(session.APIConfig{
			Model:         role.Model,
			APIKey:        cfg.Anthropic.APIKey,
			SystemPrompt:  role.SystemPrompt,
			MaxTurns:      role.MaxTurns,
			UseAWSBedrock: cfg.Bedrock.Enabled,
			AWSRegion:     cfg.Bedrock.Region,
			AWSProfile:    cfg.Bedrock.Profile,
		})
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, fmt.Errorf("role %q: unknown backend %q", role.Name, role.Backend)
	}

	return session.WithRetry(inner, retryPolicy(cfg)), nil
}

// BuildTeam constructs one agent per configured role.
func BuildTeam(cfg *config.Config, team *config.TeamConfig) (map[string]*agent.Agent, error) {
	agents := make(map[string]*agent.Agent, len(team.Roles))
	for _, role := range team.Roles {
		sess, err := buildSession(cfg, role)
		if err != nil {
			return nil, fmt.Errorf("build session for role %q: %w", role.Name, err)
		}
		agents[role.Name] = agent.New(agent.Config{
			Role:              role.Name,
			MaxTurns:          role.MaxTurns,
			MaxContextTokens:  role.MaxContextTokens,
			FreshConversation: role.FreshConversation,
		}, sess)
	}
	return agents, nil
}

// BuildPlannerSession constructs the planning session. Defaults to an
// API session when the team file does not configure one.
func BuildPlannerSession(cfg *config.Config, team *config.TeamConfig) (session.Session, error) {
	role := config.RoleConfig{Name: "planner", Backend: "api"}
	if team.Planner != nil {
		role = *team.Planner
		role.Name = "planner"
	}
	return buildSession(cfg, role)
}

// BuildSummarizerSession constructs the summarizing session, falling
// back to the planner settings when none are configured.
func BuildSummarizerSession(cfg *config.Config, team *config.TeamConfig) (session.Session, error) {
	role := config.RoleConfig{Name: "summarizer", Backend: "api"}
	switch {
	case team.Summarizer != nil:
		role = *team.Summarizer
		role.Name = "summarizer"
	case team.Planner != nil:
		role = *team.Planner
		role.Name = "summarizer"
	}
	return buildSession(cfg, role)
}
