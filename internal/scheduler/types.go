package scheduler

import (
	"time"

	"taskq/internal/config"
)

// Config controls the dispatcher loop and the executor pool.
type Config struct {
	// Workers bounds the executor pool; chosen once per loop start and halved
	// when the load sample is already near a threshold.
	Workers int

	// BatchSize caps releases per poll iteration regardless of queue depth.
	BatchSize int

	// ReleaseStagger spaces process starts within a batch.
	ReleaseStagger time.Duration

	// IdleBackoffBase/IdleBackoffMax bound the exponential sleep when no
	// pending work is found.
	IdleBackoffBase time.Duration
	IdleBackoffMax  time.Duration

	// OverloadCooldown is slept after the resource monitor reports overload.
	OverloadCooldown time.Duration

	CPUThreshold float64
	MemThreshold float64

	RetentionEnabled  bool
	RetentionSchedule string
	RetentionKeep     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.ReleaseStagger <= 0 {
		c.ReleaseStagger = 500 * time.Millisecond
	}
	if c.IdleBackoffBase <= 0 {
		c.IdleBackoffBase = time.Second
	}
	if c.IdleBackoffMax <= 0 {
		c.IdleBackoffMax = 60 * time.Second
	}
	if c.OverloadCooldown <= 0 {
		c.OverloadCooldown = 30 * time.Second
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = 80
	}
	if c.MemThreshold <= 0 {
		c.MemThreshold = 75
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = "0 3 * * *"
	}
	if c.RetentionKeep <= 0 {
		c.RetentionKeep = 30 * 24 * time.Hour
	}
	return c
}

// FromFile maps the resolved file configuration onto a scheduler Config.
func FromFile(c *config.Config) Config {
	return Config{
		Workers:           c.Workers(),
		BatchSize:         c.BatchSize(),
		ReleaseStagger:    c.ReleaseStagger(),
		IdleBackoffBase:   c.IdleBackoffBase(),
		IdleBackoffMax:    c.IdleBackoffMax(),
		OverloadCooldown:  c.OverloadCooldown(),
		CPUThreshold:      c.CPUThreshold(),
		MemThreshold:      c.MemThreshold(),
		RetentionEnabled:  c.Retention.Enabled,
		RetentionSchedule: c.RetentionSchedule(),
		RetentionKeep:     c.RetentionKeep(),
	}
}

// OutcomeKind classifies how one execution ended.
type OutcomeKind int

const (
	// OutcomeSkipped means the task was no longer pending when the executor
	// picked it up (e.g. cancelled while queued); nothing was run or written.
	OutcomeSkipped OutcomeKind = iota

	// OutcomeCompleted means the child exited with code zero.
	OutcomeCompleted

	// OutcomeFailed covers validation failures, spawn errors and non-zero exits.
	OutcomeFailed

	// OutcomeTimedOut means the timeout expired and the process group was killed.
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the executor's report for one task run. The dispatcher consumes
// it to drive the state machine; errors never travel as panics.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Err      error
}
