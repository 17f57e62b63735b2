// ============================================================================
// Durable Exec - configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: load process settings for the serve, worker and demo commands.
//
// Sources, lowest precedence first:
//   1. Default()
//   2. YAML file (configs/default.yaml unless --config says otherwise)
//   3. DURABLE_* environment variables, e.g. DURABLE_WORKER_COUNT=8,
//      DURABLE_STORE_BACKEND=sqlite, DURABLE_METRICS_ENABLED=false
//   4. command line flags, applied by internal/cli
//
// Schedules can only come from the file.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	apperrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// ErrCodeInvalid tags validation failures.
const ErrCodeInvalid = "CONFIG_INVALID"

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "DURABLE_"

// Store backends.
const (
	BackendWAL    = "wal"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config represents the complete process configuration.
type Config struct {
	Store struct {
		Backend      string `yaml:"backend" env:"BACKEND"`
		Dir          string `yaml:"dir" env:"DIR"`
		SyncOnAppend bool   `yaml:"sync_on_append" env:"SYNC_ON_APPEND"`
		SQLitePath   string `yaml:"sqlite_path" env:"SQLITE_PATH"`
		RedisAddr    string `yaml:"redis_addr" env:"REDIS_ADDR"`
		RedisPrefix  string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	} `yaml:"store" envPrefix:"STORE_"`

	Worker struct {
		WorkerCount       int           `yaml:"worker_count" env:"COUNT"`
		TaskTimeout       time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	} `yaml:"worker" envPrefix:"WORKER_"`

	Dispatch struct {
		RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
		Burst     int     `yaml:"burst" env:"BURST"`
	} `yaml:"dispatch" envPrefix:"DISPATCH_"`

	Snapshot struct {
		Path            string `yaml:"path" env:"PATH"`
		IntervalSeconds int    `yaml:"interval_seconds" env:"INTERVAL_SECONDS"`
		RetentionCount  int    `yaml:"retention_count" env:"RETENTION_COUNT"`
	} `yaml:"snapshot" envPrefix:"SNAPSHOT_"`

	Server struct {
		Addr        string        `yaml:"addr" env:"ADDR"`
		PollTimeout time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`
		Port    int  `yaml:"port" env:"PORT"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Engine struct {
		// SuggestContinueAsNew is the history length past which
		// orchestration code is told to continue as new.
		SuggestContinueAsNew int `yaml:"suggest_continue_as_new" env:"SUGGEST_CONTINUE_AS_NEW"`
	} `yaml:"engine" envPrefix:"ENGINE_"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	Schedules []Schedule `yaml:"schedules" env:"-"`
}

// Schedule starts an execution on a cron expression.
type Schedule struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Workflow string `yaml:"workflow"`
	// Input is encoded as the workflow input of every start.
	Input map[string]any `yaml:"input"`
	// Overlap allows a new start while the previous execution still runs.
	Overlap bool `yaml:"overlap"`
}

// Default returns the settings used when nothing else is given.
func Default() *Config {
	var c Config
	c.Store.Backend = BackendWAL
	c.Store.Dir = "data/wal"
	c.Store.SyncOnAppend = true
	c.Store.SQLitePath = "data/events.db"
	c.Store.RedisAddr = "localhost:6379"
	c.Store.RedisPrefix = "durable"
	c.Worker.WorkerCount = 4
	c.Worker.TaskTimeout = time.Minute
	c.Worker.HeartbeatInterval = 5 * time.Second
	c.Snapshot.Path = "data/snapshot.json"
	c.Snapshot.IntervalSeconds = 30
	c.Snapshot.RetentionCount = 3
	c.Server.Addr = ":50051"
	c.Server.PollTimeout = 30 * time.Second
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	c.LogLevel = "info"
	return &c
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result. An empty path skips the
// file; a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the DURABLE_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every problem at once as a CONFIG_INVALID error whose
// metadata carries the list under "problems".
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch c.Store.Backend {
	case BackendWAL:
		if c.Store.Dir == "" {
			add("store.dir is required for the wal backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			add("store.redis_addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		add("store.backend %q is not one of wal, sqlite, redis, memory", c.Store.Backend)
	}
	if c.Worker.WorkerCount < 0 {
		add("worker.worker_count must not be negative")
	}
	if c.Worker.TaskTimeout < 0 || c.Worker.HeartbeatInterval < 0 {
		add("worker timeouts must not be negative")
	}
	if c.Dispatch.RateLimit < 0 || c.Dispatch.Burst < 0 {
		add("dispatch.rate_limit and dispatch.burst must not be negative")
	}
	if c.Snapshot.IntervalSeconds < 0 || c.Snapshot.RetentionCount < 0 {
		add("snapshot.interval_seconds and snapshot.retention_count must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		add("metrics.port %d is out of range", c.Metrics.Port)
	}
	if c.Engine.SuggestContinueAsNew < 0 {
		add("engine.suggest_continue_as_new must not be negative")
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		switch {
		case s.Name == "":
			add("schedules[%d].name is required", i)
		case seen[s.Name]:
			add("schedules[%d].name %q is used twice", i, s.Name)
		}
		seen[s.Name] = true
		if s.Cron == "" || s.Workflow == "" {
			add("schedules[%d] needs cron and workflow", i)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return apperrors.New(fmt.Sprintf("invalid configuration: %d problem(s)", len(problems)), apperrors.CategoryValidation).
		WithTextCode(ErrCodeInvalid).
		WithMetadata(map[string]any{"problems": problems})
}

// SnapshotInterval converts the configured seconds.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalSeconds) * time.Second
}

// Problems extracts the validation problems from an error returned by
// Validate or Load.
func Problems(err error) []string {
	var ge *apperrors.Error
	if !errors.As(err, &ge) || ge.TextCode != ErrCodeInvalid {
		return nil
	}
	problems, _ := ge.Metadata["problems"].([]string)
	return problems
}
