package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sgoodwin/foreman/internal/checkpoint"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume an interrupted run",
	Long: `Resume a run from its latest checkpoint.

Tasks that already finished keep their outcomes; only incomplete tasks
are dispatched again. CLI-backed agent conversations are reattached by
conversation ID where the backend still has them.

With no argument, resumes the most recent run that was still in
progress. Use 'foreman status' to list run IDs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: resumeRun,
}

func resumeRun(cmd *cobra.Command, args []string) error {
	workdir, err := workingDir()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(workdir, runOptions{})
	if err != nil {
		return err
	}
	defer rt.close()

	var runID string
	if len(args) > 0 {
		runID = args[0]
	} else {
		runID, err = rt.store.LatestRunID()
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("no interrupted run to resume")
		}
		if err != nil {
			return fmt.Errorf("find latest run: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drained := streamEvents(rt.emitter)

	run, runErr := rt.orch.Resume(ctx, runID)
	rt.emitter.Close()
	<-drained

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("resume: %w", runErr)
	}

	printRunSummary(run, rt.orch.Accountant().Total())
	return nil
}
