package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskq/internal/task"
	logx "taskq/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

const taskColumns = `id, name, command, priority, created_at, status,
	environment, cwd, stdout_file, stderr_file, pid, timeout_seconds, start_time, end_time`

// Timestamps are stored as fixed-width UTC text so that lexicographic
// comparison (ORDER BY created_at, end_time < cutoff) matches chronological
// order. RFC3339Nano would trim trailing fractional zeros and break ordering
// on sub-second ties.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertTask(ctx context.Context, t *task.Task) (int64, error) {
	envJSON, err := marshalEnv(t.Environment)
	if err != nil {
		return 0, fmt.Errorf("marshal environment: %w", err)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := t.Status
	if status == "" {
		status = task.StatusPending
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(name, command, priority, created_at, status, environment, cwd, stdout_file, stderr_file, timeout_seconds)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.Name, t.Command, t.Priority, encodeTime(createdAt), string(status),
		nullStr(envJSON), nullStr(t.Cwd), nullStr(t.StdoutFile), nullStr(t.StderrFile),
		nullSeconds(t.Timeout),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	t.CreatedAt = createdAt
	t.Status = status
	return id, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	q += ` ORDER BY priority ASC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id int64, st task.Status) error {
	return s.updateField(ctx, id, `UPDATE tasks SET status = ? WHERE id = ?`, string(st))
}

func (s *sqliteStore) UpdatePID(ctx context.Context, id int64, pid int) error {
	return s.updateField(ctx, id, `UPDATE tasks SET pid = ? WHERE id = ?`, pid)
}

func (s *sqliteStore) UpdateStartTime(ctx context.Context, id int64, ts time.Time) error {
	return s.updateField(ctx, id, `UPDATE tasks SET start_time = ? WHERE id = ?`, encodeTime(ts))
}

func (s *sqliteStore) UpdateEndTime(ctx context.Context, id int64, ts time.Time) error {
	return s.updateField(ctx, id, `UPDATE tasks SET end_time = ? WHERE id = ?`, encodeTime(ts))
}

func (s *sqliteStore) updateField(ctx context.Context, id int64, q string, v any) error {
	res, err := s.db.ExecContext(ctx, q, v, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE status IN (?,?,?) AND end_time IS NOT NULL AND end_time < ?`,
		string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCancelled),
		encodeTime(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		createdAt string
		env       sql.NullString
		cwd       sql.NullString
		stdout    sql.NullString
		stderr    sql.NullString
		pid       sql.NullInt64
		timeout   sql.NullInt64
		start     sql.NullString
		end       sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Name, &t.Command, &t.Priority, &createdAt, &status,
		&env, &cwd, &stdout, &stderr, &pid, &timeout, &start, &end); err != nil {
		return nil, err
	}

	st, err := task.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	t.Status = st

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %d created_at: %w", t.ID, err)
	}
	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &t.Environment); err != nil {
			return nil, fmt.Errorf("task %d environment: %w", t.ID, err)
		}
	}
	t.Cwd = cwd.String
	t.StdoutFile = stdout.String
	t.StderrFile = stderr.String
	if pid.Valid {
		t.PID = int(pid.Int64)
	}
	if timeout.Valid {
		t.Timeout = time.Duration(timeout.Int64) * time.Second
	}
	if start.Valid && start.String != "" {
		if t.StartTime, err = parseTime(start.String); err != nil {
			return nil, fmt.Errorf("task %d start_time: %w", t.ID, err)
		}
	}
	if end.Valid && end.String != "" {
		if t.EndTime, err = parseTime(end.String); err != nil {
			return nil, fmt.Errorf("task %d end_time: %w", t.ID, err)
		}
	}
	return &t, nil
}

func marshalEnv(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullSeconds(d time.Duration) any {
	if d <= 0 {
		return nil
	}
	return int64(d / time.Second)
}
