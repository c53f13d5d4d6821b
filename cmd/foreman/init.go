package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sgoodwin/foreman/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	initForce           bool
	initSkipClaudeCheck bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a Foreman project",
	Long: `Initialize a directory for use with Foreman.

This command sets up everything needed to run Foreman:
  - Verifies prerequisites (claude CLI, API key)
  - Creates the .foreman directory structure
  - Writes a starter team definition and project config

The directory argument is optional and defaults to the current directory.

Examples:
  foreman init              # Initialize current directory
  foreman init ./myproject  # Initialize specific directory
  foreman init --force      # Rewrite starter files even if present`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Rewrite starter files even if present")
	initCmd.Flags().BoolVar(&initSkipClaudeCheck, "skip-claude-check", false, "Skip Claude CLI availability check")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing Foreman in %s...\n\n", absPath)

	if !initSkipClaudeCheck {
		if err := CheckClaudeCLI(); err != nil {
			printStatus("✗", "Claude Code CLI not found", color.FgRed)
			return err
		}
		printStatus("✓", "Claude Code CLI found", color.FgGreen)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (needed for api-backed roles)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	foremanDir := filepath.Join(absPath, ".foreman")
	for _, dir := range []string{foremanDir, filepath.Join(foremanDir, "logs"), filepath.Join(foremanDir, "signals")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .foreman directory structure", color.FgGreen)

	created, err := writeTeamTemplate(absPath)
	if err != nil {
		return fmt.Errorf("writing team definition: %w", err)
	}
	if created {
		printStatus("✓", "Created .foreman/team.yaml with a starter team", color.FgGreen)
	} else {
		printStatus("✓", ".foreman/team.yaml already present", color.FgGreen)
	}

	created, err = writeProjectConfig(absPath)
	if err != nil {
		return fmt.Errorf("writing project config: %w", err)
	}
	if created {
		printStatus("✓", "Created .foreman.yaml template", color.FgGreen)
	}

	if err := updateGitignore(absPath); err != nil {
		return fmt.Errorf("updating .gitignore: %w", err)
	}
	printStatus("✓", "Updated .gitignore with Foreman entries", color.FgGreen)

	fmt.Printf("\n%s Foreman initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	if apiKey == "" {
		fmt.Println("  1. Set your API key (for api-backed roles):")
		fmt.Println("     export ANTHROPIC_API_KEY=your-key-here")
		fmt.Println()
	}
	fmt.Println("  2. Adjust the team in .foreman/team.yaml")
	fmt.Println()
	fmt.Println("  3. Run a goal:")
	fmt.Println("     foreman run \"your goal here\"")

	return nil
}

// writeTeamTemplate writes the default team definition unless one
// already exists. Reports whether a file was written.
func writeTeamTemplate(projectRoot string) (bool, error) {
	path := config.TeamConfigPath(projectRoot)
	if _, err := os.Stat(path); err == nil && !initForce {
		return false, nil
	}

	data, err := yaml.Marshal(config.DefaultTeam())
	if err != nil {
		return false, fmt.Errorf("marshal team: %w", err)
	}

	header := []byte("# Foreman team definition.\n" +
		"# Each role is an agent the planner can assign tasks to.\n" +
		"# backend: \"cli\" uses the claude CLI (flat-rate subscription usage);\n" +
		"# backend: \"api\" calls the Anthropic API directly (metered usage).\n")
	return true, os.WriteFile(path, append(header, data...), 0644)
}

// writeProjectConfig creates a commented .foreman.yaml unless one
// already exists.
func writeProjectConfig(projectRoot string) (bool, error) {
	path := filepath.Join(projectRoot, ".foreman.yaml")
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	template := `# Foreman project configuration.
# Overrides defaults from ~/.config/foreman/config.yaml

# orchestrator:
#   max_cycles: 20
#   max_parallel: 3
#   max_tasks_per_cycle: 8
#   max_verify_rejections: 3
#   max_barren_cycles: 3

# retry:
#   max_attempts: 5
#   base_delay: 30s
#   max_delay: 5m

# bedrock:
#   enabled: false
#   region: us-east-1
`
	return true, os.WriteFile(path, []byte(template), 0644)
}

// updateGitignore adds Foreman entries to .gitignore if not present.
func updateGitignore(projectRoot string) error {
	gitignorePath := filepath.Join(projectRoot, ".gitignore")

	var existing string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	entries := []string{
		".foreman/state.db*",
		".foreman/logs/",
		".foreman/signals/",
	}

	needsUpdate := false
	for _, entry := range entries {
		if !strings.Contains(existing, entry) {
			needsUpdate = true
			break
		}
	}
	if !needsUpdate {
		return nil
	}

	var out strings.Builder
	out.WriteString(existing)
	if len(existing) > 0 && !strings.HasSuffix(existing, "\n") {
		out.WriteString("\n")
	}
	out.WriteString("\n# Foreman\n")
	for _, entry := range entries {
		if !strings.Contains(existing, entry) {
			out.WriteString(entry + "\n")
		}
	}
	return os.WriteFile(gitignorePath, []byte(out.String()), 0644)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
