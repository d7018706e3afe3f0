package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel())
	assert.True(t, cfg.LogConsole())
	assert.Equal(t, 5, cfg.Workers())
	assert.Equal(t, 5, cfg.BatchSize())
	assert.Equal(t, 500*time.Millisecond, cfg.ReleaseStagger())
	assert.Equal(t, time.Second, cfg.IdleBackoffBase())
	assert.Equal(t, 60*time.Second, cfg.IdleBackoffMax())
	assert.Equal(t, 30*time.Second, cfg.OverloadCooldown())
	assert.Equal(t, float64(80), cfg.CPUThreshold())
	assert.Equal(t, float64(75), cfg.MemThreshold())
	assert.Equal(t, time.Second, cfg.SampleInterval())
	assert.Equal(t, 5*time.Second, cfg.StoreBusyTimeout())
	assert.Equal(t, "0 3 * * *", cfg.RetentionSchedule())
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionKeep())

	dir := cfg.ResolvedDataDir()
	assert.NotEmpty(t, dir)
	assert.Equal(t, filepath.Join(dir, "taskq.db"), cfg.StorePath())
	assert.Equal(t, filepath.Join(dir, "scheduler.state"), cfg.RunStatePath())
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.TaskLogDir())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
data_dir: /var/lib/taskq
logging:
  level: debug
  console: false
dispatcher:
  workers: 8
  batch_size: 3
  release_stagger: 250ms
resources:
  cpu_threshold: 90
  mem_threshold: 60
retention:
  enabled: true
  keep: 168h
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/taskq", cfg.ResolvedDataDir())
	assert.Equal(t, "debug", cfg.LogLevel())
	assert.False(t, cfg.LogConsole())
	assert.Equal(t, 8, cfg.Workers())
	assert.Equal(t, 3, cfg.BatchSize())
	assert.Equal(t, 250*time.Millisecond, cfg.ReleaseStagger())
	assert.Equal(t, float64(90), cfg.CPUThreshold())
	assert.Equal(t, float64(60), cfg.MemThreshold())
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionKeep())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("dispatcher:\n  worker_count: 4\n"))
	assert.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("dispatcher:\n  release_stagger: soon\n"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "release_stagger")
}

func TestValidateBounds(t *testing.T) {
	cfg := Default()
	cfg.Resources.CPUThreshold = 120
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Dispatcher.Workers = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadFileMissingYieldsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  workers: 2\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers())
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("dispatcher.release_stagger", " 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = parseDuration("dispatcher.release_stagger", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = parseDuration("retention.keep", "-5s")
	assert.Error(t, err)

	_, err = parseDuration("retention.keep", "soonish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention.keep")

	assert.Equal(t, 7*time.Second, mustDuration("", 7*time.Second))
	assert.Equal(t, 2*time.Second, mustDuration("2s", 7*time.Second))
}
