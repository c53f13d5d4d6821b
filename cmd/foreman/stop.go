package main

import (
	"fmt"

	"github.com/sgoodwin/foreman/internal/orchestrator"
	"github.com/spf13/cobra"
)

var stopPause bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running orchestrator to stop",
	Long: `Signal the orchestrator running in this project.

By default requests a graceful cancel: in-flight tasks stop, state is
checkpointed, and the run can be picked up later with 'foreman resume'.

With --pause the run holds between tasks instead; delete the pause
signal file or start a new foreman command to clear it.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopPause, "pause", false, "Pause between tasks instead of cancelling")
}

func runStop(cmd *cobra.Command, args []string) error {
	workdir, err := workingDir()
	if err != nil {
		return err
	}

	if stopPause {
		if err := orchestrator.SendPause(workdir); err != nil {
			return fmt.Errorf("send pause signal: %w", err)
		}
		fmt.Println("Pause signal sent. The run will hold after in-flight tasks finish.")
		return nil
	}

	if err := orchestrator.SendCancel(workdir); err != nil {
		return fmt.Errorf("send cancel signal: %w", err)
	}
	fmt.Println("Cancel signal sent. The run will checkpoint and stop.")
	return nil
}
