// ============================================================================
// Durable Exec CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the engine
//
// Command Structure:
//   durable                        # Root command
//   ├── serve                      # Run the engine with the order workflows
//   ├── worker                     # Run a remote worker pool
//   │   └── --server              # Address of the work service
//   ├── history                    # Print the event log of a run
//   │   ├── --run                 # Run number (0 means latest)
//   │   └── --stats               # Validate and summarise a WAL file
//   ├── replay                     # Check a stored run against current code
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// serve Command:
//   1. Load config (file, then DURABLE_* environment)
//   2. Open the event store for the configured backend
//   3. Start the metrics endpoint (if enabled)
//   4. Start the engine, the work service and the cron schedules
//   5. On SIGINT or SIGTERM stop schedules, the service and the engine,
//      then close the store
//
// worker Command:
//   Connects to a serve node and runs the order work handlers on a local
//   pool. The node can run with worker_count 0 so every attempt is
//   executed remotely.
//
// history and replay Commands:
//   Read the store directly. Point them at a store no serve process has
//   open; the WAL backend is single-process.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/durable-exec/internal/config"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/internal/storage/redislog"
	"github.com/ChuLiYu/durable-exec/internal/storage/sqlitelog"
	"github.com/ChuLiYu/durable-exec/internal/storage/wal"
)

// Version is reported by --version.
const Version = "0.3.0"

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "durable",
		Short: "Durable Exec: a durable workflow execution engine",
		Long: `Durable Exec runs long-lived workflows that survive crashes:
- Append-only event log per run (WAL, SQLite or Redis)
- Deterministic replay of orchestration code
- Work dispatch with retries, timeouts and compensation
- Signals, queries and updates routed into running executions`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildReplayCommand())

	return rootCmd
}

// loadConfig reads the config file when it exists and falls back to the
// defaults plus environment otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		if problems := config.Problems(err); len(problems) > 0 {
			return nil, fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openStore opens the event store named by cfg.Store.Backend.
//
// Parameters:
//   - ctx: bounds opening and migrating the SQLite database
//   - cfg: loaded configuration
//
// Returns:
//   - eventlog.Store: the store; the caller closes it
//   - error: if the backend is unknown or cannot be opened
func openStore(ctx context.Context, cfg *config.Config) (eventlog.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendWAL:
		return wal.NewWAL(cfg.Store.Dir, cfg.Store.SyncOnAppend)
	case config.BackendSQLite:
		return sqlitelog.Open(ctx, cfg.Store.SQLitePath)
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
		}
		return redislog.New(rdb, cfg.Store.RedisPrefix), nil
	case config.BackendMemory:
		return eventlog.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
