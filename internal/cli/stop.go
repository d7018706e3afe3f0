package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskq/internal/runstate"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Request a cooperative scheduler stop",
		Long:  "Flips the run-state marker to stopped. The dispatcher finishes in-flight tasks and exits; running children are not killed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			states := runStates(cfgMgr.Get())
			cur, err := states.Get()
			if err != nil {
				return fmt.Errorf("read run state: %w", err)
			}
			if cur != runstate.Running {
				fmt.Println("Scheduler is not running.")
				return nil
			}
			if err := states.Set(runstate.Stopped); err != nil {
				return fmt.Errorf("write run state: %w", err)
			}
			fmt.Println("Stopping scheduler...")
			return nil
		},
	}
}
