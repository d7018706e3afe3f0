package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"taskq/internal/task"
)

// memoryStore keeps tasks in a map guarded by a mutex. It backs tests and
// mirrors the sqlite listing contract exactly.
type memoryStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*task.Task
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{nextID: 1, tasks: map[int64]*task.Task{}}
}

func (s *memoryStore) InsertTask(_ context.Context, t *task.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneTask(t)
	cp.ID = s.nextID
	s.nextID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = task.StatusPending
	}
	s.tasks[cp.ID] = cp

	t.ID = cp.ID
	t.CreatedAt = cp.CreatedAt
	t.Status = cp.Status
	return cp.ID, nil
}

func (s *memoryStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *memoryStore) ListTasks(_ context.Context, statuses ...task.Status) ([]*task.Task, error) {
	want := map[task.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	var out []*task.Task
	for _, t := range s.tasks {
		if len(want) > 0 && !want[t.Status] {
			continue
		}
		out = append(out, cloneTask(t))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, id int64, st task.Status) error {
	return s.update(id, func(t *task.Task) { t.Status = st })
}

func (s *memoryStore) UpdatePID(_ context.Context, id int64, pid int) error {
	return s.update(id, func(t *task.Task) { t.PID = pid })
}

func (s *memoryStore) UpdateStartTime(_ context.Context, id int64, ts time.Time) error {
	return s.update(id, func(t *task.Task) { t.StartTime = ts })
}

func (s *memoryStore) UpdateEndTime(_ context.Context, id int64, ts time.Time) error {
	return s.update(id, func(t *task.Task) { t.EndTime = ts })
}

func (s *memoryStore) update(id int64, fn func(*task.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	fn(t)
	return nil
}

func (s *memoryStore) PruneTerminal(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && !t.EndTime.IsZero() && t.EndTime.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Migrate(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	if t.Environment != nil {
		cp.Environment = maps.Clone(t.Environment)
	}
	return &cp
}
