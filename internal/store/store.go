package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

var (
	ErrNotFound = errors.New("task not found")
)

// Config configures storage.
type Config struct {
	// Driver selects the backend: "sqlite" (default) or "memory".
	Driver string

	// Path is the sqlite database file.
	Path string

	// BusyTimeout is applied as PRAGMA busy_timeout.
	BusyTimeout time.Duration
}

// Store is the persistence API consumed by the dispatcher, the executor and
// the CLI. The executor owning a task is the only writer of that row's
// status/pid/start_time/end_time while it runs, so per-row serialization by
// the backend is sufficient.
type Store interface {
	// InsertTask persists a new pending task and returns its assigned id.
	InsertTask(ctx context.Context, t *task.Task) (int64, error)

	// GetTask returns the task with the given id, or ErrNotFound.
	GetTask(ctx context.Context, id int64) (*task.Task, error)

	// ListTasks returns tasks ordered by (priority asc, created_at asc, id asc),
	// optionally filtered to the given statuses.
	ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)

	UpdateStatus(ctx context.Context, id int64, st task.Status) error
	UpdatePID(ctx context.Context, id int64, pid int) error
	UpdateStartTime(ctx context.Context, id int64, ts time.Time) error
	UpdateEndTime(ctx context.Context, id int64, ts time.Time) error

	// PruneTerminal deletes completed/failed/cancelled tasks that ended before
	// the cutoff and reports how many rows went away.
	PruneTerminal(ctx context.Context, before time.Time) (int64, error)

	// Migrate applies the schema; it is idempotent.
	Migrate(ctx context.Context) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
