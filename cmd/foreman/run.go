package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run a goal with the agent team",
	Long: `Run a goal using the configured agent team.

Each cycle the planner turns the goal plus prior progress into a task
batch, the dispatcher executes it in parallel respecting dependencies,
and a summarizer condenses the results for the next pass. The run ends
when a completion claim survives verification, or escalates when
progress stalls.

State is checkpointed to .foreman/state.db after every task, so an
interrupted run can be picked up with 'foreman resume'.

Team composition comes from .foreman/team.yaml; run 'foreman init' to
scaffold it. Ctrl-C cancels gracefully, leaving the run resumable.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

var runOpts runOptions

func init() {
	runCmd.Flags().IntVar(&runOpts.maxCycles, "max-cycles", 0, "override the configured cycle budget")
	runCmd.Flags().IntVar(&runOpts.maxParallel, "max-parallel", 0, "override the configured parallel task limit")
	runCmd.Flags().StringVar(&runOpts.teamFile, "team", "", "path to an alternate team definition file")
	runCmd.Flags().StringVar(&runOpts.backend, "backend", "", "force every role onto one backend (cli or api)")
}

func runGoal(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")

	workdir, err := workingDir()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(workdir, runOpts)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drained := streamEvents(rt.emitter)

	run, runErr := rt.orch.Run(ctx, goal)
	rt.emitter.Close()
	<-drained

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run: %w", runErr)
	}

	printRunSummary(run, rt.orch.Accountant().Total())
	return nil
}
