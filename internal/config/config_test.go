package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
anthropic:
  api_key: test-key-123
orchestrator:
  max_cycles: 7
  max_parallel: 2
retry:
  max_attempts: 3
  base_delay: 10s
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Anthropic.APIKey != "test-key-123" {
		t.Errorf("APIKey = %q", cfg.Anthropic.APIKey)
	}
	if cfg.Orchestrator.MaxCycles != 7 {
		t.Errorf("MaxCycles = %d, want 7", cfg.Orchestrator.MaxCycles)
	}
	if cfg.Orchestrator.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", cfg.Orchestrator.MaxParallel)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 10*time.Second {
		t.Errorf("Retry.BaseDelay = %s, want 10s", cfg.Retry.BaseDelay)
	}
	// Defaults fill in what the file omits.
	if cfg.Orchestrator.MaxTasksPerCycle != 8 {
		t.Errorf("MaxTasksPerCycle = %d, want default 8", cfg.Orchestrator.MaxTasksPerCycle)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("Retry.Multiplier = %f, want default 2.0", cfg.Retry.Multiplier)
	}
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("TEST_FOREMAN_KEY", "expanded-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "anthropic:\n  api_key: ${TEST_FOREMAN_KEY}\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Anthropic.APIKey != "expanded-key" {
		t.Errorf("APIKey = %q, want expanded-key", cfg.Anthropic.APIKey)
	}
}

func TestLoadTeam(t *testing.T) {
	root := t.TempDir()
	writeFile(t, TeamConfigPath(root), `
roles:
  - name: builder
    backend: cli
    max_turns: 30
    max_context_tokens: 120000
  - name: reviewer
    backend: api
    model: claude-sonnet-4-20250514
    fresh_conversation: true
planner:
  backend: api
  model: claude-sonnet-4-20250514
`)

	team, err := LoadTeam(root)
	if err != nil {
		t.Fatalf("LoadTeam: %v", err)
	}

	if len(team.Roles) != 2 {
		t.Fatalf("roles = %d, want 2", len(team.Roles))
	}
	builder := team.Roles[0]
	if builder.Name != "builder" || builder.Backend != "cli" || builder.MaxTurns != 30 {
		t.Errorf("builder = %+v", builder)
	}
	reviewer := team.Roles[1]
	if !reviewer.FreshConversation || reviewer.Backend != "api" {
		t.Errorf("reviewer = %+v", reviewer)
	}
	if team.Planner == nil || team.Planner.Backend != "api" {
		t.Errorf("planner = %+v", team.Planner)
	}
	if names := team.RoleNames(); len(names) != 2 || names[0] != "builder" || names[1] != "reviewer" {
		t.Errorf("RoleNames = %v", names)
	}
}

func TestLoadTeamMissingFileUsesDefault(t *testing.T) {
	team, err := LoadTeam(t.TempDir())
	if err != nil {
		t.Fatalf("LoadTeam: %v", err)
	}
	if len(team.Roles) != 1 || team.Roles[0].Name != "builder" {
		t.Errorf("default team = %+v", team.Roles)
	}
}

func TestLoadTeamFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alt-team.yaml")
	writeFile(t, path, `
roles:
  - name: scout
    backend: api
`)

	team, err := LoadTeamFile(path)
	if err != nil {
		t.Fatalf("LoadTeamFile: %v", err)
	}
	if len(team.Roles) != 1 || team.Roles[0].Name != "scout" {
		t.Errorf("team = %+v", team.Roles)
	}

	// An explicit path must exist; no default fallback.
	if _, err := LoadTeamFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadTeamFile on a missing file should fail")
	}
}

func TestTeamValidate(t *testing.T) {
	tests := []struct {
		name string
		team TeamConfig
	}{
		{"no roles", TeamConfig{}},
		{"unnamed role", TeamConfig{Roles: []RoleConfig{{Backend: "cli"}}}},
		{"bad backend", TeamConfig{Roles: []RoleConfig{{Name: "x", Backend: "grpc"}}}},
		{"duplicate role", TeamConfig{Roles: []RoleConfig{
			{Name: "x", Backend: "cli"}, {Name: "x", Backend: "api"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.team.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
