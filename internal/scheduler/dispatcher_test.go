package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"taskq/internal/resource"
	"taskq/internal/runstate"
	"taskq/internal/store"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// stubMonitor answers admission questions without touching the host.
type stubMonitor struct {
	mu         sync.Mutex
	load       resource.Load
	overloaded bool
	err        error
}

func (m *stubMonitor) Sample(context.Context) (resource.Load, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load, m.err
}

func (m *stubMonitor) Overloaded(context.Context, float64, float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return true, m.err
	}
	return m.overloaded, nil
}

func (m *stubMonitor) set(over bool) {
	m.mu.Lock()
	m.overloaded = over
	m.mu.Unlock()
}

func testCfg() Config {
	return Config{
		Workers:          4,
		BatchSize:        4,
		ReleaseStagger:   time.Millisecond,
		IdleBackoffBase:  10 * time.Millisecond,
		IdleBackoffMax:   40 * time.Millisecond,
		OverloadCooldown: 20 * time.Millisecond,
	}
}

// runDispatcher starts Run in the background and returns a stop function that
// flips the marker and waits for the loop to drain.
func runDispatcher(t *testing.T, d *Dispatcher, states runstate.Store) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			require.NoError(t, states.Set(runstate.Stopped))
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(15 * time.Second):
				t.Fatal("dispatcher did not drain in time")
			}
			cancel()
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitTerminal(t *testing.T, st store.Store, ids ...int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			got, err := st.GetTask(context.Background(), id)
			if err != nil || !got.Status.Terminal() {
				return false
			}
		}
		return true
	}, 15*time.Second, 10*time.Millisecond)
}

func TestRunExecutesByPriority(t *testing.T) {
	st := store.NewMemory()
	states := runstate.NewMemStore(runstate.Stopped)
	orderFile := filepath.Join(t.TempDir(), "order")

	var ids []int64
	for _, prio := range []int{3, 1, 2} {
		id, err := st.InsertTask(context.Background(), &task.Task{
			Name:     fmt.Sprintf("p%d", prio),
			Command:  fmt.Sprintf("echo p%d >> %s", prio, orderFile),
			Priority: prio,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	cfg := testCfg()
	cfg.Workers = 1 // serialize execution so release order is observable
	d := New(cfg, st, states, &stubMonitor{load: resource.Load{CPUPercent: 10, MemPercent: 10}}, logx.Nop())
	stop := runDispatcher(t, d, states)

	waitTerminal(t, st, ids...)
	stop()

	b, err := os.ReadFile(orderFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, strings.Fields(string(b)))

	for _, id := range ids {
		got, err := st.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.False(t, got.StartTime.IsZero())
		assert.False(t, got.EndTime.IsZero())
		assert.False(t, got.EndTime.Before(got.StartTime))
	}
}

func TestRunOverloadedAdmitsNothing(t *testing.T) {
	st := store.NewMemory()
	states := runstate.NewMemStore(runstate.Stopped)
	mon := &stubMonitor{load: resource.Load{CPUPercent: 95, MemPercent: 90}, overloaded: true}

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := st.InsertTask(context.Background(), &task.Task{Name: "t", Command: "true"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	d := New(testCfg(), st, states, mon, logx.Nop())
	stop := runDispatcher(t, d, states)

	// Several cooldown cycles pass without a single admission.
	time.Sleep(100 * time.Millisecond)
	for _, id := range ids {
		got, err := st.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
	}

	// Pressure lifts, the backlog drains.
	mon.set(false)
	waitTerminal(t, st, ids...)
	stop()
}

func TestRunBoundsConcurrency(t *testing.T) {
	st := store.NewMemory()
	states := runstate.NewMemStore(runstate.Stopped)

	var ids []int64
	for i := 0; i < 12; i++ {
		id, err := st.InsertTask(context.Background(), &task.Task{
			Name:    fmt.Sprintf("t%d", i),
			Command: "sleep 0.25",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	d := New(testCfg(), st, states, &stubMonitor{}, logx.Nop())
	stop := runDispatcher(t, d, states)

	maxRunning := 0
	require.Eventually(t, func() bool {
		running, err := st.ListTasks(context.Background(), task.StatusRunning)
		if err != nil {
			return false
		}
		if len(running) > maxRunning {
			maxRunning = len(running)
		}
		done, err := st.ListTasks(context.Background(), task.StatusCompleted)
		return err == nil && len(done) == len(ids)
	}, 30*time.Second, 5*time.Millisecond)
	stop()

	assert.LessOrEqual(t, maxRunning, 4)
	assert.Positive(t, maxRunning)
}

func TestRunTimeoutEndsFailed(t *testing.T) {
	st := store.NewMemory()
	states := runstate.NewMemStore(runstate.Stopped)
	id, err := st.InsertTask(context.Background(), &task.Task{
		Name:    "hung",
		Command: "sleep 30",
		Timeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)

	d := New(testCfg(), st, states, &stubMonitor{}, logx.Nop())
	stop := runDispatcher(t, d, states)

	waitTerminal(t, st, id)
	stop()

	got, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.False(t, got.StartTime.IsZero())
	require.False(t, got.EndTime.IsZero())
	// The duration reflects the deadline, not the command's full runtime.
	assert.Less(t, got.EndTime.Sub(got.StartTime), 5*time.Second)
}

func TestRunDrainsInFlightOnStop(t *testing.T) {
	st := store.NewMemory()
	states := runstate.NewMemStore(runstate.Stopped)
	id, err := st.InsertTask(context.Background(), &task.Task{Name: "slow", Command: "sleep 0.3"})
	require.NoError(t, err)

	cfg := testCfg()
	cfg.Workers = 1
	d := New(cfg, st, states, &stubMonitor{}, logx.Nop())
	stop := runDispatcher(t, d, states)

	require.Eventually(t, func() bool {
		got, err := st.GetTask(context.Background(), id)
		return err == nil && got.Status == task.StatusRunning
	}, 10*time.Second, 5*time.Millisecond)

	// Stop while the child runs: the loop drains instead of killing it.
	stop()

	got, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.False(t, got.EndTime.IsZero())

	cur, err := states.Get()
	require.NoError(t, err)
	assert.Equal(t, runstate.Stopped, cur)
}

func TestDispatchBatchSkipsInFlight(t *testing.T) {
	st := store.NewMemory()
	for i := 0; i < 2; i++ {
		_, err := st.InsertTask(context.Background(), &task.Task{Name: "t", Command: "true"})
		require.NoError(t, err)
	}

	d := New(testCfg(), st, runstate.NewMemStore(runstate.Stopped), &stubMonitor{}, logx.Nop())
	queue := make(chan *task.Task, 8)
	limiter := rate.NewLimiter(rate.Inf, 1)

	released, pending, err := d.dispatchBatch(context.Background(), d.config(), limiter, queue)
	require.NoError(t, err)
	assert.Equal(t, 2, released)
	assert.Equal(t, 2, pending)

	// Nothing finished yet, so a second poll must not re-release.
	released, pending, err = d.dispatchBatch(context.Background(), d.config(), limiter, queue)
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Zero(t, pending)
}

func TestDispatchBatchHonorsBatchSize(t *testing.T) {
	st := store.NewMemory()
	for i := 0; i < 7; i++ {
		_, err := st.InsertTask(context.Background(), &task.Task{Name: "t", Command: "true"})
		require.NoError(t, err)
	}

	cfg := testCfg()
	cfg.BatchSize = 3
	d := New(cfg, st, runstate.NewMemStore(runstate.Stopped), &stubMonitor{}, logx.Nop())
	queue := make(chan *task.Task, 8)

	released, pending, err := d.dispatchBatch(context.Background(), d.config(), rate.NewLimiter(rate.Inf, 1), queue)
	require.NoError(t, err)
	assert.Equal(t, 3, released)
	assert.Equal(t, 7, pending)
}

func TestFinishKeepsCancelled(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	tk := &task.Task{Name: "raced", Command: "true"}
	_, err := st.InsertTask(ctx, tk)
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, tk.ID, task.StatusRunning))
	require.NoError(t, st.UpdateStatus(ctx, tk.ID, task.StatusCancelled))

	d := New(testCfg(), st, runstate.NewMemStore(runstate.Stopped), &stubMonitor{}, logx.Nop())
	d.finish(ctx, tk, Outcome{Kind: OutcomeFailed, ExitCode: 1})

	got, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.False(t, got.EndTime.IsZero())
}

func TestFinishSkippedWritesNothing(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	tk := &task.Task{Name: "untouched", Command: "true"}
	_, err := st.InsertTask(ctx, tk)
	require.NoError(t, err)

	d := New(testCfg(), st, runstate.NewMemStore(runstate.Stopped), &stubMonitor{}, logx.Nop())
	d.finish(ctx, tk, Outcome{Kind: OutcomeSkipped})

	got, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.True(t, got.EndTime.IsZero())
}

func TestChooseWorkers(t *testing.T) {
	states := runstate.NewMemStore(runstate.Stopped)
	cfg := testCfg()
	ctx := context.Background()

	d := New(cfg, store.NewMemory(), states, &stubMonitor{load: resource.Load{CPUPercent: 10, MemPercent: 10}}, logx.Nop())
	assert.Equal(t, 4, d.chooseWorkers(ctx, d.config()))

	// Near a threshold the pool starts halved.
	d = New(cfg, store.NewMemory(), states, &stubMonitor{load: resource.Load{CPUPercent: 75, MemPercent: 10}}, logx.Nop())
	assert.Equal(t, 2, d.chooseWorkers(ctx, d.config()))

	// A broken probe also halves, never below one worker.
	cfg.Workers = 1
	d = New(cfg, store.NewMemory(), states, &stubMonitor{err: fmt.Errorf("probe broken")}, logx.Nop())
	assert.Equal(t, 1, d.chooseWorkers(ctx, d.config()))
}

func TestCancel(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	log := logx.Nop()

	id, err := st.InsertTask(ctx, &task.Task{Name: "a", Command: "true"})
	require.NoError(t, err)

	require.NoError(t, Cancel(ctx, st, log, id))
	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// Cancel is not idempotent: a second request reports the terminal state.
	assert.ErrorIs(t, Cancel(ctx, st, log, id), ErrNotCancellable)

	done, err := st.InsertTask(ctx, &task.Task{Name: "b", Command: "true"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, done, task.StatusRunning))
	require.NoError(t, st.UpdateStatus(ctx, done, task.StatusCompleted))
	assert.ErrorIs(t, Cancel(ctx, st, log, done), ErrNotCancellable)

	assert.ErrorIs(t, Cancel(ctx, st, log, 999), store.ErrNotFound)
}

func TestSweepPrunesOldTerminal(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	old := &task.Task{Name: "old", Command: "true"}
	_, err := st.InsertTask(ctx, old)
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, old.ID, task.StatusRunning))
	require.NoError(t, st.UpdateStatus(ctx, old.ID, task.StatusCompleted))
	require.NoError(t, st.UpdateEndTime(ctx, old.ID, time.Now().Add(-72*time.Hour)))

	fresh := &task.Task{Name: "fresh", Command: "true"}
	_, err = st.InsertTask(ctx, fresh)
	require.NoError(t, err)

	cfg := testCfg()
	cfg.RetentionEnabled = true
	cfg.RetentionKeep = 24 * time.Hour
	d := New(cfg, st, runstate.NewMemStore(runstate.Stopped), &stubMonitor{}, logx.Nop())
	d.sweep(ctx)

	_, err = st.GetTask(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetTask(ctx, fresh.ID)
	assert.NoError(t, err)
}
