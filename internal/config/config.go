package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the on-disk YAML configuration. Durations are Go duration
// strings (e.g. "500ms", "30s"); use the accessor methods for parsed values
// with defaults applied.
type Config struct {
	// DataDir holds the database, the run-state marker and default task logs.
	// Defaults to ~/.taskq.
	DataDir string `yaml:"data_dir,omitempty"`

	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	Dispatcher DispatcherConfig `yaml:"dispatcher,omitempty"`
	Resources  ResourcesConfig  `yaml:"resources,omitempty"`
	Retention  RetentionConfig  `yaml:"retention,omitempty"`
}

type LoggingConfig struct {
	Level   string        `yaml:"level,omitempty"`
	Console *bool         `yaml:"console,omitempty"`
	File    LogFileConfig `yaml:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver,omitempty"`
	Path        string `yaml:"path,omitempty"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

// DispatcherConfig controls the polling loop and the executor pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 5
//   - batch_size: 5
//   - release_stagger: "500ms"
//   - idle_backoff_base: "1s"
//   - idle_backoff_max: "60s"
//   - overload_cooldown: "30s"
type DispatcherConfig struct {
	Workers          int    `yaml:"workers,omitempty"`
	BatchSize        int    `yaml:"batch_size,omitempty"`
	ReleaseStagger   string `yaml:"release_stagger,omitempty"`
	IdleBackoffBase  string `yaml:"idle_backoff_base,omitempty"`
	IdleBackoffMax   string `yaml:"idle_backoff_max,omitempty"`
	OverloadCooldown string `yaml:"overload_cooldown,omitempty"`
}

type ResourcesConfig struct {
	CPUThreshold   float64 `yaml:"cpu_threshold,omitempty"`
	MemThreshold   float64 `yaml:"mem_threshold,omitempty"`
	SampleInterval string  `yaml:"sample_interval,omitempty"`
}

type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Schedule string `yaml:"schedule,omitempty"`
	Keep     string `yaml:"keep,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{}
}

// Parse decodes YAML strictly: unknown keys are rejected so typos surface
// instead of silently falling back to defaults.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses the config file; a missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks everything that can fail before components start.
func (c *Config) Validate() error {
	for _, f := range []struct{ path, raw string }{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"dispatcher.release_stagger", c.Dispatcher.ReleaseStagger},
		{"dispatcher.idle_backoff_base", c.Dispatcher.IdleBackoffBase},
		{"dispatcher.idle_backoff_max", c.Dispatcher.IdleBackoffMax},
		{"dispatcher.overload_cooldown", c.Dispatcher.OverloadCooldown},
		{"resources.sample_interval", c.Resources.SampleInterval},
		{"retention.keep", c.Retention.Keep},
	} {
		if _, err := parseDuration(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if c.Dispatcher.BatchSize < 0 {
		return fmt.Errorf("dispatcher.batch_size must be >= 0")
	}
	if c.Resources.CPUThreshold < 0 || c.Resources.CPUThreshold > 100 {
		return fmt.Errorf("resources.cpu_threshold must be within 0..100")
	}
	if c.Resources.MemThreshold < 0 || c.Resources.MemThreshold > 100 {
		return fmt.Errorf("resources.mem_threshold must be within 0..100")
	}
	return nil
}

// ---- Resolved accessors (defaults applied) ----

func (c *Config) ResolvedDataDir() string {
	dir := strings.TrimSpace(c.DataDir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".taskq"
		}
		return filepath.Join(home, ".taskq")
	}
	return dir
}

func (c *Config) LogLevel() string {
	if strings.TrimSpace(c.Logging.Level) == "" {
		return "info"
	}
	return c.Logging.Level
}

func (c *Config) LogConsole() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}

func (c *Config) StorePath() string {
	if strings.TrimSpace(c.Store.Path) != "" {
		return c.Store.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "taskq.db")
}

func (c *Config) StoreBusyTimeout() time.Duration {
	return mustDuration(c.Store.BusyTimeout, 5*time.Second)
}

func (c *Config) Workers() int {
	if c.Dispatcher.Workers <= 0 {
		return 5
	}
	return c.Dispatcher.Workers
}

func (c *Config) BatchSize() int {
	if c.Dispatcher.BatchSize <= 0 {
		return 5
	}
	return c.Dispatcher.BatchSize
}

func (c *Config) ReleaseStagger() time.Duration {
	return mustDuration(c.Dispatcher.ReleaseStagger, 500*time.Millisecond)
}

func (c *Config) IdleBackoffBase() time.Duration {
	return mustDuration(c.Dispatcher.IdleBackoffBase, time.Second)
}

func (c *Config) IdleBackoffMax() time.Duration {
	return mustDuration(c.Dispatcher.IdleBackoffMax, 60*time.Second)
}

func (c *Config) OverloadCooldown() time.Duration {
	return mustDuration(c.Dispatcher.OverloadCooldown, 30*time.Second)
}

func (c *Config) CPUThreshold() float64 {
	if c.Resources.CPUThreshold <= 0 {
		return 80
	}
	return c.Resources.CPUThreshold
}

func (c *Config) MemThreshold() float64 {
	if c.Resources.MemThreshold <= 0 {
		return 75
	}
	return c.Resources.MemThreshold
}

func (c *Config) SampleInterval() time.Duration {
	return mustDuration(c.Resources.SampleInterval, time.Second)
}

func (c *Config) RetentionSchedule() string {
	if strings.TrimSpace(c.Retention.Schedule) == "" {
		return "0 3 * * *"
	}
	return c.Retention.Schedule
}

func (c *Config) RetentionKeep() time.Duration {
	return mustDuration(c.Retention.Keep, 30*24*time.Hour)
}

// RunStatePath is the scheduler run-state marker file.
func (c *Config) RunStatePath() string {
	return filepath.Join(c.ResolvedDataDir(), "scheduler.state")
}

// TaskLogDir is where submit places default stdout/stderr capture files.
func (c *Config) TaskLogDir() string {
	return filepath.Join(c.ResolvedDataDir(), "logs")
}

// parseDuration validates one duration-string field against its YAML path.
// Empty means unset; negative values are rejected because every duration here
// is a sleep, a timeout or a retention window.
func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. \"500ms\", \"30s\"): %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

// mustDuration is only called on fields Validate() already checked.
func mustDuration(raw string, def time.Duration) time.Duration {
	d, err := parseDuration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
