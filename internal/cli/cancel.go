package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"taskq/internal/scheduler"
	"taskq/internal/store"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}

			st, err := openStore(cfgMgr.Get())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			err = scheduler.Cancel(cmd.Context(), st, log, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("task %d not found", id)
			case errors.Is(err, scheduler.ErrNotCancellable):
				return fmt.Errorf("task %d cannot be cancelled: %v", id, err)
			case err != nil:
				return fmt.Errorf("cancel task %d: %w", id, err)
			}

			fmt.Printf("Task %d cancelled.\n", id)
			return nil
		},
	}
}
