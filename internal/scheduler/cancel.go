package scheduler

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"taskq/internal/store"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// ErrNotCancellable is returned when the task is already terminal.
var ErrNotCancellable = errors.New("task is not pending or running")

// Cancel flips a pending or running task to cancelled. For a running task it
// additionally SIGTERMs the recorded process group; signal delivery failure
// (the process may already be gone) never blocks the transition.
func Cancel(ctx context.Context, st store.Store, log logx.Logger, id int64) error {
	t, err := st.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := task.Transition(t.Status, task.StatusCancelled); err != nil {
		return fmt.Errorf("%w (status: %s)", ErrNotCancellable, t.Status)
	}
	if err := st.UpdateStatus(ctx, id, task.StatusCancelled); err != nil {
		return err
	}
	if t.Status == task.StatusRunning && t.PID > 0 {
		if err := syscall.Kill(-t.PID, syscall.SIGTERM); err != nil {
			log.Warn("cancel signal failed; process likely exited",
				logx.Int64("task", id), logx.Int("pid", t.PID), logx.Err(err))
		} else {
			log.Info("cancel signal sent", logx.Int64("task", id), logx.Int("pid", t.PID))
		}
	}
	return nil
}
