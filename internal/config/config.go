package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	PollInterval time.Duration   `yaml:"-"`
	RawInterval  string          `yaml:"poll_interval"`
	LogFile      string          `yaml:"log_file"`
	P4           P4Config        `yaml:"p4"`
	Limits       LimitsConfig    `yaml:"limits"`
	Reconcile    ReconcileConfig `yaml:"reconcile"`
	Swarm        SwarmConfig     `yaml:"swarm"`
	Watch        WatchConfig     `yaml:"watch"`
	Log          LogConfig       `yaml:"log"`
}

// P4Config holds connection settings. Empty values fall back to the p4
// environment (P4PORT, P4USER, P4CLIENT, P4CONFIG).
type P4Config struct {
	Binary  string `yaml:"binary"`
	Port    string `yaml:"port"`
	User    string `yaml:"user"`
	Client  string `yaml:"client"`
	Charset string `yaml:"charset"`
}

type LimitsConfig struct {
	QueryConcurrency     int `yaml:"query_concurrency"`
	WorkspaceConcurrency int `yaml:"workspace_concurrency"`
	DetailConcurrency    int `yaml:"detail_concurrency"`
	RelationConcurrency  int `yaml:"relation_concurrency"`
}

type ReconcileConfig struct {
	SafetyCeiling     int           `yaml:"safety_ceiling"`
	BatchSize         int           `yaml:"batch_size"`
	HeartbeatInterval time.Duration `yaml:"-"`
	RawHeartbeat      string        `yaml:"heartbeat_interval"`
	SourceDirs        []string      `yaml:"source_dirs"`
}

type SwarmConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"-"`
	RawTimeout string        `yaml:"timeout"`
}

type WatchConfig struct {
	Enabled     *bool         `yaml:"enabled,omitempty"`
	Debounce    time.Duration `yaml:"-"`
	RawDebounce string        `yaml:"debounce"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	if err := cfg.setDefaults(); err != nil {
		panic(err)
	}
	return &cfg
}

// WatchEnabled reports whether the workspace watcher should run.
func (c *Config) WatchEnabled() bool {
	return c.Watch.Enabled == nil || *c.Watch.Enabled
}

func parseDuration(key, raw, def string) (time.Duration, error) {
	if raw == "" {
		raw = def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}

func (c *Config) setDefaults() error {
	var err error
	if c.PollInterval, err = parseDuration("poll_interval", c.RawInterval, "30s"); err != nil {
		return err
	}
	if c.Reconcile.HeartbeatInterval, err = parseDuration("reconcile.heartbeat_interval", c.Reconcile.RawHeartbeat, "1s"); err != nil {
		return err
	}
	if c.Swarm.Timeout, err = parseDuration("swarm.timeout", c.Swarm.RawTimeout, "5s"); err != nil {
		return err
	}
	if c.Watch.Debounce, err = parseDuration("watch.debounce", c.Watch.RawDebounce, "750ms"); err != nil {
		return err
	}

	if c.P4.Binary == "" {
		c.P4.Binary = "p4"
	}
	if c.LogFile == "" {
		c.LogFile = defaultLogFile()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Limits.QueryConcurrency == 0 {
		c.Limits.QueryConcurrency = 10
	}
	if c.Limits.WorkspaceConcurrency == 0 {
		c.Limits.WorkspaceConcurrency = 5
	}
	if c.Limits.DetailConcurrency == 0 {
		c.Limits.DetailConcurrency = 5
	}
	if c.Limits.RelationConcurrency == 0 {
		c.Limits.RelationConcurrency = 5
	}

	if c.Reconcile.SafetyCeiling == 0 {
		c.Reconcile.SafetyCeiling = 5000
	}
	if c.Reconcile.BatchSize == 0 {
		c.Reconcile.BatchSize = 100
	}
	if c.Watch.Enabled == nil {
		defaultTrue := true
		c.Watch.Enabled = &defaultTrue
	}

	return nil
}

func defaultLogFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "p4desk", "p4desk.log")
}

func (c *Config) validate() error {
	limits := map[string]int{
		"limits.query_concurrency":     c.Limits.QueryConcurrency,
		"limits.workspace_concurrency": c.Limits.WorkspaceConcurrency,
		"limits.detail_concurrency":    c.Limits.DetailConcurrency,
		"limits.relation_concurrency":  c.Limits.RelationConcurrency,
		"reconcile.safety_ceiling":     c.Reconcile.SafetyCeiling,
		"reconcile.batch_size":         c.Reconcile.BatchSize,
	}
	for key, v := range limits {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", key, v)
		}
	}
	if c.Reconcile.BatchSize > c.Reconcile.SafetyCeiling {
		return fmt.Errorf("reconcile.batch_size (%d) exceeds reconcile.safety_ceiling (%d)", c.Reconcile.BatchSize, c.Reconcile.SafetyCeiling)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (debug|info|warn|error)", c.Log.Level)
	}
	return nil
}
