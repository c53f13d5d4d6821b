package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sgoodwin/foreman/internal/checkpoint"
	"github.com/sgoodwin/foreman/pkg/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run state",
	Long: `Display the state of runs in this project.

Shows:
  - The most recent run, its cycles and task outcomes
  - Token usage and cost so far
  - Recent finished runs`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	workdir, err := workingDir()
	if err != nil {
		return err
	}

	dbPath := checkpoint.ProjectDBPath(workdir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No runs yet. Run 'foreman run <goal>' to start.")
		return nil
	}

	db, err := checkpoint.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}
	store := checkpoint.NewStore(db)

	runs, err := store.Runs()
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet. Run 'foreman run <goal>' to start.")
		return nil
	}

	displayRun(store, runs[0])

	if len(runs) > 1 {
		recent := runs[1:]
		if len(recent) > 5 {
			recent = recent[:5]
		}
		fmt.Println("\nRecent runs:")
		for _, run := range recent {
			elapsed := formatDuration(time.Since(run.StartedAt))
			fmt.Printf("  %s: %s (%s ago) %s\n", shortID(run.ID), run.Status, elapsed, firstLineOf(run.Goal))
		}
	}
	return nil
}

func displayRun(store *checkpoint.Store, run *models.Run) {
	fmt.Printf("Run %s: %s\n", shortID(run.ID), colorStatus(run.Status))
	fmt.Printf("  Goal: %s\n", run.Goal)
	fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(run.StartedAt)))

	snap, err := store.LoadLatest(run.ID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return
	}
	if err != nil {
		fmt.Printf("  (checkpoint unreadable: %v)\n", err)
		return
	}

	// The runs table only carries identity; totals and cycles live in
	// the snapshot payload.
	full := snap.Run
	fmt.Printf("  Cycles: %d\n", len(full.Cycles))
	fmt.Printf("  Tokens: %s\n", formatNumber(int(full.TotalTokens)))
	fmt.Printf("  Cost: $%.4f\n", full.TotalCostUSD)

	if cycle := full.CurrentCycle(); cycle != nil && cycle.CompletedAt != nil {
		fmt.Printf("  Last cycle: %d succeeded, %d failed, %d skipped\n",
			cycle.Succeeded, cycle.Failed, cycle.Skipped)
	}

	if len(snap.Tasks) > 0 {
		fmt.Println("  Tasks:")
		for _, task := range snap.Tasks {
			marker := string(task.Status)
			if task.Status == models.TaskStatusSkipped && task.SkipReason != "" {
				marker = fmt.Sprintf("skipped (%s)", task.SkipReason)
			}
			fmt.Printf("    [%s] %s\n", marker, task.Title)
		}
	}

	if full.EscalationReason != "" {
		fmt.Printf("  Escalation: %s\n", full.EscalationReason)
	}
}
