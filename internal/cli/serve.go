package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/durable-exec/internal/config"
	"github.com/ChuLiYu/durable-exec/internal/dispatch"
	"github.com/ChuLiYu/durable-exec/internal/engine"
	"github.com/ChuLiYu/durable-exec/internal/metrics"
	"github.com/ChuLiYu/durable-exec/internal/orders"
	"github.com/ChuLiYu/durable-exec/internal/schedule"
	"github.com/ChuLiYu/durable-exec/internal/server"
	"github.com/ChuLiYu/durable-exec/internal/worker"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

// shutdownTimeout bounds the graceful stop of a serve node.
const shutdownTimeout = 30 * time.Second

// demoStock seeds the in-memory inventory of the order handlers.
var demoStock = map[string]int{
	"sku-keyboard": 100,
	"sku-mouse":    250,
	"sku-monitor":  40,
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and the work service",
		Long:  "Recover executions from the configured store, run local workers and accept remote ones over gRPC.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// engineConfig maps process settings onto the engine.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		SnapshotPath:         cfg.Snapshot.Path,
		SnapshotInterval:     cfg.SnapshotInterval(),
		SnapshotBackups:      cfg.Snapshot.RetentionCount,
		SuggestContinueAsNew: cfg.Engine.SuggestContinueAsNew,
		Dispatch: dispatch.Config{
			RateLimit: cfg.Dispatch.RateLimit,
			Burst:     cfg.Dispatch.Burst,
		},
		Workers: cfg.Worker.WorkerCount,
		Worker:  workerConfig(cfg),
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	wc := worker.DefaultConfig()
	wc.DefaultTimeout = cfg.Worker.TaskTimeout
	wc.HeartbeatInterval = cfg.Worker.HeartbeatInterval
	return wc
}

// orderRegistries registers the order workflow and its work handlers.
func orderRegistries() (*workflow.Registry, *worker.Registry, error) {
	workflows := workflow.NewRegistry()
	if err := orders.Register(workflows); err != nil {
		return nil, nil, err
	}
	handlers := worker.NewRegistry()
	if err := orders.NewServices(demoStock).Register(handlers); err != nil {
		return nil, nil, err
	}
	return workflows, handlers, nil
}

// serve runs a node until ctx ends, then shuts it down in reverse order.
func serve(ctx context.Context, cfg *config.Config) error {
	log := newLogger(os.Stderr, cfg.LogLevel)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Closing store failed", "error", err)
		}
	}()

	workflows, handlers, err := orderRegistries()
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithLogger(log), engine.WithHandlers(handlers)}
	var metricsErr chan error
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, engine.WithMetrics(metrics.NewCollector(reg)))

		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		metricsErr = make(chan error, 1)
		go func() { metricsErr <- metrics.StartServer(ctx, addr, reg) }()
		log.Info("Metrics server started", "addr", addr)
	}

	e := engine.New(store, workflows, engineConfig(cfg), opts...)
	if err := e.Start(ctx); err != nil {
		stopEngine(e, log)
		return fmt.Errorf("failed to start engine: %w", err)
	}

	sched := schedule.New(e.Client(), time.Local, schedule.WithLogger(log))
	for _, s := range cfg.Schedules {
		if err := sched.Add(s); err != nil {
			stopEngine(e, log)
			return err
		}
	}
	sched.Start()

	srv := server.NewServer(e.Dispatcher(), server.WithLogger(log), server.WithPollTimeout(cfg.Server.PollTimeout))
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, cfg.Server.Addr) }()

	log.Info("Node started",
		"backend", cfg.Store.Backend,
		"workers", cfg.Worker.WorkerCount,
		"addr", cfg.Server.Addr,
		"schedules", len(cfg.Schedules))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully")
	case runErr = <-serveErr:
		log.Error("Work service failed", "error", runErr)
	case runErr = <-metricsErr:
		log.Error("Metrics server failed", "error", runErr)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Warn("Scheduler did not stop in time", "error", err)
	}
	stopEngine(e, log)
	log.Info("Node stopped")
	return runErr
}

func stopEngine(e *engine.Engine, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Stop(ctx); err != nil && !errors.Is(err, engine.ErrEngineNotStarted) {
		log.Error("Engine stop failed", "error", err)
	}
}
