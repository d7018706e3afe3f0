package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskq/internal/resource"
	"taskq/internal/runstate"
	"taskq/internal/store"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// Dispatcher is the polling loop. It is the sole component that releases
// pending tasks for execution; cancel requests are the only out-of-band
// status writers.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	store   store.Store
	states  runstate.Store
	monitor resource.Monitor
	exec    *Executor
	log     logx.Logger

	// inflight holds ids released to the pool whose execution has not
	// finished yet, so the next poll cannot release them twice.
	inflightMu sync.Mutex
	inflight   map[int64]struct{}
}

func New(cfg Config, st store.Store, states runstate.Store, mon resource.Monitor, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    st,
		states:   states,
		monitor:  mon,
		exec:     NewExecutor(st, log),
		log:      log,
		inflight: map[int64]struct{}{},
	}
}

// Apply swaps the loop configuration; thresholds, batch size and cooldowns
// take effect on the next iteration. The worker count is fixed per Run.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Run blocks until the run-state marker flips to stopped or ctx is done.
// On exit it waits for all in-flight executions to finish before marking the
// run-state stopped: no task is abandoned mid-spawn, and a stop request never
// kills children already running.
func (d *Dispatcher) Run(ctx context.Context) error {
	cfg := d.config()

	if err := d.states.Set(runstate.Running); err != nil {
		return err
	}

	workers := d.chooseWorkers(ctx, cfg)
	// Fresh queue and in-flight set per run so a stop/start toggle cannot
	// execute stale releases.
	queue := make(chan *task.Task, cfg.BatchSize)
	stopCh := make(chan struct{})
	d.inflightMu.Lock()
	d.inflight = map[int64]struct{}{}
	d.inflightMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in dispatcher worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			d.worker(ctx, stopCh, queue, idx)
		}()
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("batch_size", cfg.BatchSize))

	sweeper := d.startRetention(ctx, cfg)

	limiter := rate.NewLimiter(rate.Every(cfg.ReleaseStagger), 1)
	idle := cfg.IdleBackoffBase

loop:
	for {
		if ctx.Err() != nil {
			d.log.Info("context cancelled; draining")
			break
		}

		st, err := d.states.Get()
		if err != nil {
			// A broken marker read must not crash the loop.
			d.log.Warn("run-state read failed", logx.Err(err))
			if !sleepCtx(ctx, cfg.IdleBackoffBase) {
				break
			}
			continue
		}
		if st != runstate.Running {
			d.log.Info("stop requested; draining")
			break
		}

		cfg = d.config()

		over, err := d.monitor.Overloaded(ctx, cfg.CPUThreshold, cfg.MemThreshold)
		if err != nil {
			// Fail closed: a broken probe must not cause runaway admission.
			d.log.Warn("resource probe failed; treating as overloaded", logx.Err(err))
			over = true
		}
		if over {
			d.log.Debug("system overloaded; skipping dispatch", logx.Duration("cooldown", cfg.OverloadCooldown))
			if !sleepCtx(ctx, cfg.OverloadCooldown) {
				break
			}
			continue
		}

		released, pending, err := d.dispatchBatch(ctx, cfg, limiter, queue)
		switch {
		case err != nil:
			d.log.Warn("poll failed", logx.Err(err))
			if !sleepCtx(ctx, cfg.IdleBackoffBase) {
				break loop
			}
		case pending == 0:
			// Idle: back off exponentially up to the ceiling.
			d.log.Trace("no pending tasks", logx.Duration("idle", idle))
			if !sleepCtx(ctx, idle) {
				break loop
			}
			idle *= 2
			if idle > cfg.IdleBackoffMax {
				idle = cfg.IdleBackoffMax
			}
			continue
		case released == 0:
			// Pool saturated; wait for a worker to free up.
			if !sleepCtx(ctx, cfg.IdleBackoffBase) {
				break loop
			}
		}
		idle = cfg.IdleBackoffBase
	}

	close(stopCh)
	wg.Wait()
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	if err := d.states.Set(runstate.Stopped); err != nil {
		d.log.Error("marking run-state stopped failed", logx.Err(err))
		return err
	}
	d.log.Info("dispatcher stopped")
	return nil
}

// dispatchBatch releases at most cfg.BatchSize eligible pending tasks to the
// pool, pacing releases with the limiter. It reports how many tasks were
// released and how many eligible pending tasks were seen.
func (d *Dispatcher) dispatchBatch(ctx context.Context, cfg Config, limiter *rate.Limiter, queue chan<- *task.Task) (released, pending int, err error) {
	tasks, err := d.store.ListTasks(ctx, task.StatusPending)
	if err != nil {
		return 0, 0, err
	}

	for _, t := range tasks {
		if d.tracked(t.ID) {
			continue
		}
		pending++
		if released >= cfg.BatchSize {
			continue
		}
		if released > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return released, pending, nil
			}
		}
		d.track(t.ID)
		select {
		case queue <- t:
			released++
			d.log.Debug("task released", logx.Int64("task", t.ID), logx.Int("priority", t.Priority))
		default:
			// Pool and its queue are full; the task stays pending.
			d.untrack(t.ID)
			return released, pending, nil
		}
	}
	return released, pending, nil
}

func (d *Dispatcher) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan *task.Task, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case t := <-queue:
			out := d.exec.Execute(ctx, t)
			d.finish(ctx, t, out)
			d.untrack(t.ID)
		}
	}
}

// finish consumes the executor's outcome and performs the terminal state
// transition. A row flipped to cancelled while the child ran keeps cancelled
// and only gains an end_time.
func (d *Dispatcher) finish(ctx context.Context, t *task.Task, out Outcome) {
	if out.Kind == OutcomeSkipped {
		return
	}
	wctx := context.WithoutCancel(ctx)
	log := d.log.With(logx.Int64("task", t.ID), logx.String("name", t.Name))

	cur, err := d.store.GetTask(wctx, t.ID)
	if err != nil {
		log.Error("reading task for reconciliation failed", logx.Err(err))
		return
	}

	end := time.Now()
	if cur.Status == task.StatusCancelled {
		if cur.EndTime.IsZero() {
			if err := d.store.UpdateEndTime(wctx, t.ID, end); err != nil {
				log.Error("stamping end_time failed", logx.Err(err))
			}
		}
		log.Info("task cancelled while running", logx.String("outcome", out.Kind.String()))
		return
	}

	next := task.StatusFailed
	if out.Kind == OutcomeCompleted {
		next = task.StatusCompleted
	}
	if err := task.Transition(cur.Status, next); err != nil {
		log.Error("refusing terminal write", logx.Err(err), logx.String("status", cur.Status.String()))
		return
	}
	if err := d.store.UpdateStatus(wctx, t.ID, next); err != nil {
		log.Error("terminal status write failed", logx.Err(err))
		return
	}
	if err := d.store.UpdateEndTime(wctx, t.ID, end); err != nil {
		log.Error("stamping end_time failed", logx.Err(err))
	}

	switch out.Kind {
	case OutcomeCompleted:
		log.Info("task completed")
	case OutcomeTimedOut:
		log.Warn("task failed (timeout)", logx.Err(out.Err))
	default:
		log.Warn("task failed", logx.Int("exit_code", out.ExitCode), logx.Err(out.Err))
	}
}

// chooseWorkers picks the pool size once per loop start: fewer workers when
// the host is already near a threshold.
func (d *Dispatcher) chooseWorkers(ctx context.Context, cfg Config) int {
	workers := cfg.Workers
	load, err := d.monitor.Sample(ctx)
	if err != nil {
		d.log.Warn("load sample failed; starting with a reduced pool", logx.Err(err))
		workers /= 2
	} else if load.CPUPercent > cfg.CPUThreshold-10 || load.MemPercent > cfg.MemThreshold-10 {
		d.log.Info("host near overload; starting with a reduced pool",
			logx.Float64("cpu", load.CPUPercent), logx.Float64("mem", load.MemPercent))
		workers /= 2
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (d *Dispatcher) track(id int64) {
	d.inflightMu.Lock()
	d.inflight[id] = struct{}{}
	d.inflightMu.Unlock()
}

func (d *Dispatcher) untrack(id int64) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

func (d *Dispatcher) tracked(id int64) bool {
	d.inflightMu.Lock()
	_, ok := d.inflight[id]
	d.inflightMu.Unlock()
	return ok
}

// sleepCtx sleeps for dur, returning false if ctx ended first.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	tmr := time.NewTimer(dur)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
