package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"taskq/internal/store"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// Executor runs exactly one task to completion.
//
// It stamps running/start_time/pid on the way in and returns an Outcome; the
// terminal status and end_time are written by the dispatcher's finish step so
// the state machine has a single consumer.
type Executor struct {
	store store.Store
	log   logx.Logger
}

func NewExecutor(st store.Store, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{store: st, log: log}
}

// Execute runs t's command as a /bin/sh child process.
//
// Bookkeeping writes use a detached context so a shutdown mid-run cannot
// leave the row half-written. The child is started in its own process group;
// on timeout the whole group is SIGKILLed so shell pipelines die with it.
func (e *Executor) Execute(ctx context.Context, t *task.Task) Outcome {
	wctx := context.WithoutCancel(ctx)
	log := e.log.With(logx.Int64("task", t.ID), logx.String("name", t.Name))

	// Re-read at pickup: an out-of-band cancel may have raced the queue.
	cur, err := e.store.GetTask(wctx, t.ID)
	if err != nil {
		log.Warn("task pickup read failed", logx.Err(err))
		return Outcome{Kind: OutcomeSkipped}
	}
	if cur.Status != task.StatusPending {
		log.Debug("task no longer pending; skipping", logx.String("status", cur.Status.String()))
		return Outcome{Kind: OutcomeSkipped}
	}

	if err := e.store.UpdateStatus(wctx, t.ID, task.StatusRunning); err != nil {
		log.Error("marking task running failed", logx.Err(err))
		return Outcome{Kind: OutcomeSkipped}
	}
	start := time.Now()
	if err := e.store.UpdateStartTime(wctx, t.ID, start); err != nil {
		// Documented limitation: the running transition succeeded but a
		// follow-up write failed; the row may be inconsistent.
		log.Warn("stamping start_time failed", logx.Err(err))
	}

	if err := validate(t); err != nil {
		log.Warn("task validation failed", logx.Err(err))
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	fout, ferr, err := openCapture(t)
	if err != nil {
		log.Warn("opening capture files failed", logx.Err(err))
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	defer fout.Close()
	defer ferr.Close()

	cmd := exec.Command("/bin/sh", "-c", t.Command)
	cmd.Dir = t.Cwd
	if len(t.Environment) > 0 {
		cmd.Env = envSlice(t.Environment)
	}
	cmd.Stdout = fout
	cmd.Stderr = ferr
	// Own process group so cancel/timeout signals reach shell children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		log.Warn("spawn failed", logx.Err(err))
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("spawn: %w", err)}
	}
	pid := cmd.Process.Pid
	if err := e.store.UpdatePID(wctx, t.ID, pid); err != nil {
		log.Warn("recording pid failed", logx.Int("pid", pid), logx.Err(err))
	}
	log.Info("task started", logx.Int("pid", pid), logx.String("command", t.Command))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	if t.Timeout > 0 {
		tmr := time.NewTimer(t.Timeout)
		select {
		case waitErr = <-done:
			tmr.Stop()
		case <-tmr.C:
			timedOut = true
			// Kill the group, not just the shell: orphaned children are a defect.
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-done
		}
	} else {
		waitErr = <-done
	}

	dur := time.Since(start)
	switch {
	case timedOut:
		log.Warn("task timed out", logx.Duration("timeout", t.Timeout), logx.Duration("dur", dur))
		return Outcome{Kind: OutcomeTimedOut, Err: fmt.Errorf("timed out after %s", t.Timeout)}
	case waitErr == nil:
		log.Info("task exited", logx.Int("exit_code", 0), logx.Duration("dur", dur))
		return Outcome{Kind: OutcomeCompleted}
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			log.Warn("task exited", logx.Int("exit_code", code), logx.Duration("dur", dur))
			return Outcome{Kind: OutcomeFailed, ExitCode: code, Err: fmt.Errorf("exit code %d", code)}
		}
		log.Warn("wait failed", logx.Err(waitErr), logx.Duration("dur", dur))
		return Outcome{Kind: OutcomeFailed, Err: waitErr}
	}
}

func validate(t *task.Task) error {
	if t.Cwd != "" {
		fi, err := os.Stat(t.Cwd)
		if err != nil {
			return fmt.Errorf("working directory %q: %w", t.Cwd, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("working directory %q is not a directory", t.Cwd)
		}
	}
	for k := range t.Environment {
		if k == "" {
			return errors.New("environment contains an empty variable name")
		}
	}
	return nil
}

// openCapture opens stdout/stderr files in append mode so multiple task
// generations writing to the same path accumulate rather than overwrite.
func openCapture(t *task.Task) (fout, ferr *os.File, err error) {
	fout, err = openAppend(t.StdoutFile)
	if err != nil {
		return nil, nil, fmt.Errorf("stdout file: %w", err)
	}
	ferr, err = openAppend(t.StderrFile)
	if err != nil {
		fout.Close()
		return nil, nil, fmt.Errorf("stderr file: %w", err)
	}
	return fout, ferr, nil
}

func openAppend(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
