package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the scheduler run state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cur, err := runStates(cfgMgr.Get()).Get()
			if err != nil {
				return fmt.Errorf("read run state: %w", err)
			}
			fmt.Printf("Scheduler status: %s\n", cur)
			return nil
		},
	}
}
