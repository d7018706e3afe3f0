package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskq/pkg/logx"
)

// startRetention schedules the terminal-task sweep for the lifetime of one
// Run. Returns nil when retention is disabled.
func (d *Dispatcher) startRetention(ctx context.Context, cfg Config) *cron.Cron {
	if !cfg.RetentionEnabled {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(cfg.RetentionSchedule, func() { d.sweep(ctx) })
	if err != nil {
		d.log.Warn("retention schedule invalid; sweep disabled",
			logx.String("schedule", cfg.RetentionSchedule), logx.Err(err))
		return nil
	}
	c.Start()
	d.log.Info("retention sweep scheduled",
		logx.String("schedule", cfg.RetentionSchedule), logx.Duration("keep", cfg.RetentionKeep))
	return c
}

// sweep deletes terminal tasks that ended before the retention cutoff.
func (d *Dispatcher) sweep(ctx context.Context) {
	cfg := d.config()
	cutoff := time.Now().Add(-cfg.RetentionKeep)
	n, err := d.store.PruneTerminal(context.WithoutCancel(ctx), cutoff)
	if err != nil {
		d.log.Warn("retention sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		d.log.Info("retention sweep pruned tasks", logx.Int64("pruned", n), logx.Time("cutoff", cutoff))
	}
}
