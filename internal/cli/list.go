package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskq/internal/task"
)

func newListCmd() *cobra.Command {
	var flagStatus []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks ordered by priority and age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]task.Status, 0, len(flagStatus))
			for _, s := range flagStatus {
				st, err := task.ParseStatus(s)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}

			st, err := openStore(cfgMgr.Get())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			tasks, err := st.ListTasks(cmd.Context(), statuses...)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			fmt.Printf("%-6s  %-20s  %-4s  %-9s  %-19s  %-19s  %-19s  %s\n",
				"ID", "NAME", "PRIO", "STATUS", "CREATED", "STARTED", "ENDED", "PID")
			for _, t := range tasks {
				fmt.Printf("%-6d  %-20s  %-4d  %-9s  %-19s  %-19s  %-19s  %s\n",
					t.ID, truncate(t.Name, 20), t.Priority, t.Status,
					fmtTime(t.CreatedAt), fmtTime(t.StartTime), fmtTime(t.EndTime), fmtPID(t.PID))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&flagStatus, "status", nil, "Filter by status (repeatable: pending, running, completed, cancelled, failed)")

	return cmd
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

// truncate shortens by runes; slicing bytes could split a multibyte name.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
