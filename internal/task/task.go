package task

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ParseStatus validates a status string from config, CLI flags, or storage.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is legal:
//
//	pending -> running -> {completed, failed}
//	pending|running -> cancelled
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// Transition checks the edge cur -> next and returns a descriptive error when
// it is illegal. Callers perform the actual store write on success.
func Transition(cur, next Status) error {
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("illegal task transition %s -> %s", cur, next)
	}
	return nil
}

// Task is one queued unit of work: a shell command plus the execution
// metadata snapshotted at submission time.
//
// ID, Name, Command, Priority, CreatedAt, Environment, Cwd, StdoutFile,
// StderrFile and Timeout are immutable after submission. Status, PID,
// StartTime and EndTime are written by the dispatcher/executor (or an
// explicit cancel request).
type Task struct {
	ID        int64
	Name      string
	Command   string
	Priority  int
	CreatedAt time.Time
	Status    Status

	Environment map[string]string
	Cwd         string
	StdoutFile  string
	StderrFile  string

	// Timeout bounds the executor's wait; zero means unbounded.
	Timeout time.Duration

	// PID is the child process id, set once after spawn; zero means absent.
	PID int

	// StartTime/EndTime are zero until the executor stamps them.
	StartTime time.Time
	EndTime   time.Time
}
