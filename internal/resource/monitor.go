// Package resource samples system load for admission control.
//
// The production monitor reads CPU and memory utilization through gopsutil.
// Sampling failures are reported to the caller; the dispatcher treats them as
// overloaded (fail closed) so a broken probe can never cause runaway
// admission.
package resource

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Load is one utilization sample, both values in percent.
type Load struct {
	CPUPercent float64
	MemPercent float64
}

// Monitor answers the overload question for admission control.
type Monitor interface {
	// Sample returns current CPU and memory utilization.
	Sample(ctx context.Context) (Load, error)

	// Overloaded reports whether either utilization exceeds its threshold.
	Overloaded(ctx context.Context, cpuMax, memMax float64) (bool, error)
}

// SystemMonitor samples the host via gopsutil.
type SystemMonitor struct {
	// SampleInterval is the CPU measurement window; defaults to one second.
	SampleInterval time.Duration

	// sample is swappable for tests.
	sample func(ctx context.Context, interval time.Duration) (Load, error)
}

func NewSystemMonitor(interval time.Duration) *SystemMonitor {
	return &SystemMonitor{SampleInterval: interval, sample: sampleSystem}
}

func (m *SystemMonitor) Sample(ctx context.Context) (Load, error) {
	interval := m.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	fn := m.sample
	if fn == nil {
		fn = sampleSystem
	}
	return fn(ctx, interval)
}

func (m *SystemMonitor) Overloaded(ctx context.Context, cpuMax, memMax float64) (bool, error) {
	load, err := m.Sample(ctx)
	if err != nil {
		return true, err
	}
	return load.CPUPercent > cpuMax || load.MemPercent > memMax, nil
}

func sampleSystem(ctx context.Context, interval time.Duration) (Load, error) {
	percents, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return Load{}, err
	}
	if len(percents) == 0 {
		return Load{}, errors.New("cpu sample returned no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Load{}, err
	}
	return Load{CPUPercent: percents[0], MemPercent: vm.UsedPercent}, nil
}
