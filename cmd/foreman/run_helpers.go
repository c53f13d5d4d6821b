package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sgoodwin/foreman/internal/checkpoint"
	"github.com/sgoodwin/foreman/internal/config"
	"github.com/sgoodwin/foreman/internal/cost"
	"github.com/sgoodwin/foreman/internal/orchestrator"
	"github.com/sgoodwin/foreman/pkg/models"
)

// runtime bundles everything a run or resume needs, wired from project
// configuration.
type runtime struct {
	cfg     *config.Config
	workdir string
	db      *checkpoint.DB
	store   *checkpoint.Store
	orch    *orchestrator.Orchestrator
	emitter *orchestrator.EventEmitter
	signals *orchestrator.SignalWatcher
}

// runOptions carries command-line overrides on top of project
// configuration. Zero values leave the configured settings alone.
type runOptions struct {
	maxCycles   int
	maxParallel int
	teamFile    string
	backend     string
}

// buildRuntime loads configuration and assembles the orchestrator for
// the given project directory.
func buildRuntime(workdir string, opts runOptions) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.maxCycles > 0 {
		cfg.Orchestrator.MaxCycles = opts.maxCycles
	}
	if opts.maxParallel > 0 {
		cfg.Orchestrator.MaxParallel = opts.maxParallel
	}

	var teamCfg *config.TeamConfig
	if opts.teamFile != "" {
		teamCfg, err = config.LoadTeamFile(opts.teamFile)
	} else {
		teamCfg, err = config.LoadTeam(workdir)
	}
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	if opts.backend != "" {
		forceBackend(teamCfg, opts.backend)
	}
	if err := teamCfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate team: %w", err)
	}

	if teamUsesCLI(teamCfg) {
		if err := CheckClaudeCLI(); err != nil {
			return nil, err
		}
	}

	db, err := checkpoint.OpenProject(workdir)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	store := checkpoint.NewStore(db)

	team, err := orchestrator.BuildTeam(cfg, teamCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build team: %w", err)
	}

	plannerSess, err := orchestrator.BuildPlannerSession(cfg, teamCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build planner session: %w", err)
	}
	planner := orchestrator.NewPlanner(plannerSess, teamCfg.RoleNames(), cfg.Orchestrator.MaxTasksPerCycle)

	summarizerSess, err := orchestrator.BuildSummarizerSession(cfg, teamCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build summarizer session: %w", err)
	}

	// The verifier gets its own session, built with the planner's
	// settings, so the check never shares the planner's conversation.
	verifierSess, err := orchestrator.BuildPlannerSession(cfg, teamCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build verifier session: %w", err)
	}

	signals, err := orchestrator.NewSignalWatcher(workdir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("watch signals: %w", err)
	}
	signals.ClearSignals()

	emitter := orchestrator.NewEventEmitter(256)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Team:       team,
		Planner:    planner,
		Summarizer: orchestrator.NewSummarizer(summarizerSess),
		Verifier:   orchestrator.NewSessionVerifier(verifierSess),
		Store:      store,
		Accountant: cost.NewAccountant(store),
		Emitter:    emitter,
		Signals:    signals,
		Workdir:    workdir,
	})
	if err != nil {
		signals.Close()
		db.Close()
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		workdir: workdir,
		db:      db,
		store:   store,
		orch:    orch,
		emitter: emitter,
		signals: signals,
	}, nil
}

func (rt *runtime) close() {
	rt.signals.Close()
	rt.db.Close()
}

// teamUsesCLI reports whether any role, the planner, or the summarizer
// talks to a CLI backend.
func teamUsesCLI(team *config.TeamConfig) bool {
	for _, role := range team.Roles {
		if role.Backend == "cli" {
			return true
		}
	}
	if team.Planner != nil && team.Planner.Backend == "cli" {
		return true
	}
	return team.Summarizer != nil && team.Summarizer.Backend == "cli"
}

// forceBackend moves every role, plus the planner and summarizer when
// configured, onto one backend. Validation afterwards catches a bad
// backend name.
func forceBackend(team *config.TeamConfig, backend string) {
	for i := range team.Roles {
		team.Roles[i].Backend = backend
	}
	if team.Planner != nil {
		team.Planner.Backend = backend
	}
	if team.Summarizer != nil {
		team.Summarizer.Backend = backend
	}
}

// streamEvents prints run events until the emitter closes. The
// returned channel is closed when the stream drains.
func streamEvents(emitter *orchestrator.EventEmitter) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range emitter.Events() {
			printEvent(event)
		}
	}()
	return done
}

func printEvent(e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventRunStarted:
		fmt.Printf("%s run %s: %s\n", color.CyanString("▶"), shortID(e.RunID), e.Message)
	case orchestrator.EventCycleStarted:
		fmt.Printf("\nCycle %d\n", e.CycleIndex+1)
	case orchestrator.EventPlanReady:
		fmt.Printf("  plan: %s\n", e.Message)
	case orchestrator.EventTaskStarted:
		fmt.Printf("  %s [%s] %s\n", color.CyanString("→"), e.Role, e.Message)
	case orchestrator.EventTaskSucceeded:
		fmt.Printf("  %s [%s] %s\n", color.GreenString("✓"), e.Role, e.Message)
	case orchestrator.EventTaskFailed:
		fmt.Printf("  %s [%s] %s: %s\n", color.RedString("✗"), e.Role, e.Message, e.Err)
	case orchestrator.EventTaskSkipped:
		fmt.Printf("  %s [%s] skipped: %s\n", color.YellowString("−"), e.Role, e.Message)
	case orchestrator.EventCycleSummarized:
		fmt.Printf("  summary: %s\n", firstLineOf(e.Message))
	case orchestrator.EventVerifyRejected:
		fmt.Printf("  %s completion claim rejected: %s\n", color.YellowString("⚠"), e.Err)
	case orchestrator.EventRunDone:
		fmt.Printf("\n%s Run complete.\n", color.GreenString("✓"))
	case orchestrator.EventRunEscalated:
		fmt.Printf("\n%s Run escalated: %s\n", color.RedString("⚠"), e.Err)
	case orchestrator.EventRunCancelled:
		fmt.Printf("\n%s Run cancelled.\n", color.YellowString("■"))
	}
}

// printRunSummary reports the terminal state and totals for a run.
func printRunSummary(run *models.Run, totals cost.Totals) {
	fmt.Println()
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", colorStatus(run.Status))
	fmt.Printf("Cycles:   %d\n", len(run.Cycles))
	fmt.Printf("Tokens:   %s\n", formatNumber(int(totals.TotalTokens())))
	fmt.Printf("Cost:     $%.4f (metered usage only)\n", totals.CostUSD)
	if run.CompletedAt != nil {
		fmt.Printf("Duration: %s\n", formatDuration(run.CompletedAt.Sub(run.StartedAt)))
	}
	if run.FinalSummary != "" {
		fmt.Printf("\n%s\n", run.FinalSummary)
	}
	if run.EscalationReason != "" {
		fmt.Printf("\nEscalation: %s\n", run.EscalationReason)
		fmt.Println("Resume with 'foreman run' after addressing the blocker, or inspect 'foreman status'.")
	}
}

func colorStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusDone:
		return color.GreenString(string(status))
	case models.RunStatusEscalated:
		return color.RedString(string(status))
	case models.RunStatusCancelled:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func workingDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatNumber formats a number with commas.
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	offset := len(s) % 3
	if offset > 0 {
		result.WriteString(s[:offset])
		if len(s) > offset {
			result.WriteString(",")
		}
	}
	for i := offset; i < len(s); i += 3 {
		result.WriteString(s[i : i+3])
		if i+3 < len(s) {
			result.WriteString(",")
		}
	}
	return result.String()
}
