package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// CheckClaudeCLI verifies that the 'claude' CLI is available in PATH.
// Returns an error with installation instructions if not found.
func CheckClaudeCLI() error {
	_, err := exec.LookPath("claude")
	if err != nil {
		return fmt.Errorf("claude CLI not found in PATH\n\n" +
			"Foreman drives CLI-backed agents through the Claude Code CLI.\n\n" +
			"Install it with:\n" +
			"  npm install -g @anthropic-ai/claude-code\n\n" +
			"For more information, visit:\n" +
			"  https://docs.anthropic.com/en/docs/claude-code")
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Agent team orchestrator",
	Long: `Foreman runs a team of model-backed agents against a goal.

A planner breaks the goal into tasks, a dispatcher runs them in
parallel respecting dependencies, and each cycle ends with a summary
that feeds the next planning pass. Progress is checkpointed to a
project-local SQLite database so interrupted runs can be resumed.

Core capabilities:
- Plans each cycle as a dependency-aware task batch
- Runs independent tasks in parallel with a concurrency bound
- Verifies completion claims before declaring a run done
- Checkpoints after every task, resumable with 'foreman resume'
- Tracks token usage and cost per role, cycle, and billing bucket`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(costsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}
