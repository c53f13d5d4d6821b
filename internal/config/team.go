package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RoleConfig describes one agent role in the team file.
type RoleConfig struct {
	// Name is the role name tasks are addressed to.
	Name string `yaml:"name"`
	// Backend selects the session variant, "cli" or "api".
	Backend string `yaml:"backend"`
	// Model is the model identifier for the role.
	Model string `yaml:"model,omitempty"`
	// MaxTurns caps model turns per task. Zero means unlimited.
	MaxTurns int `yaml:"max_turns,omitempty"`
	// MaxContextTokens triggers a conversation reset past this volume.
	MaxContextTokens int64 `yaml:"max_context_tokens,omitempty"`
	// SystemPrompt customizes the role's system prompt.
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	// FreshConversation resets the conversation before every task.
	FreshConversation bool `yaml:"fresh_conversation,omitempty"`
}

// TeamConfig is the set of roles tasks can be planned for, plus the
// backends used by the orchestrator's own planning and summarizing
// exchanges.
type TeamConfig struct {
	// Roles lists the task-executing agents.
	Roles []RoleConfig `yaml:"roles"`
	// Planner configures the planning session. Defaults to an API
	// session when unset.
	Planner *RoleConfig `yaml:"planner,omitempty"`
	// Summarizer configures the summarizing session. Defaults to the
	// planner's backend when unset.
	Summarizer *RoleConfig `yaml:"summarizer,omitempty"`
}

// TeamConfigPath returns the path of the project team file.
func TeamConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".foreman", "team.yaml")
}

// DefaultTeam returns the team used when no team file exists: a single
// CLI-backed builder role with conservative budgets.
func DefaultTeam() *TeamConfig {
	return &TeamConfig{
		Roles: []RoleConfig{
			{
				Name:             "builder",
				Backend:          "cli",
				MaxTurns:         40,
				MaxContextTokens: 150_000,
			},
		},
	}
}

// LoadTeam reads the team file under projectRoot, falling back to
// DefaultTeam when the file does not exist.
func LoadTeam(projectRoot string) (*TeamConfig, error) {
	path := TeamConfigPath(projectRoot)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultTeam(), nil
	}
	return LoadTeamFile(path)
}

// LoadTeamFile reads a team definition from an explicit path. Unlike
// LoadTeam the file must exist.
func LoadTeamFile(path string) (*TeamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team file: %w", err)
	}

	var team TeamConfig
	if err := yaml.Unmarshal(data, &team); err != nil {
		return nil, fmt.Errorf("parse team file %s: %w", path, err)
	}
	if err := team.Validate(); err != nil {
		return nil, fmt.Errorf("team file %s: %w", path, err)
	}
	return &team, nil
}

// Validate checks role names and backends.
func (t *TeamConfig) Validate() error {
	if len(t.Roles) == 0 {
		return fmt.Errorf("no roles defined")
	}

	seen := make(map[string]bool, len(t.Roles))
	for i, role := range t.Roles {
		if role.Name == "" {
			return fmt.Errorf("role %d has no name", i)
		}
		if seen[role.Name] {
			return fmt.Errorf("duplicate role %q", role.Name)
		}
		seen[role.Name] = true
		if err := validBackend(role.Backend); err != nil {
			return fmt.Errorf("role %q: %w", role.Name, err)
		}
	}

	if t.Planner != nil {
		if err := validBackend(t.Planner.Backend); err != nil {
			return fmt.Errorf("planner: %w", err)
		}
	}
	if t.Summarizer != nil {
		if err := validBackend(t.Summarizer.Backend); err != nil {
			return fmt.Errorf("summarizer: %w", err)
		}
	}
	return nil
}

func validBackend(backend string) error {
	switch backend {
	case "cli", "api":
		return nil
	default:
		return fmt.Errorf("unknown backend %q (want cli or api)", backend)
	}
}

// RoleNames returns the task-executing role names in file order.
func (t *TeamConfig) RoleNames() []string {
	names := make([]string, len(t.Roles))
	for i, role := range t.Roles {
		names[i] = role.Name
	}
	return names
}
