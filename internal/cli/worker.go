package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/durable-exec/internal/worker"
)

func buildWorkerCommand() *cobra.Command {
	var serverAddr string
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a remote worker pool",
		Long:  "Poll a serve node for work attempts and run them with the order handlers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if serverAddr == "" {
				serverAddr = cfg.Server.Addr
			}
			if count <= 0 {
				count = cfg.Worker.WorkerCount
			}
			if count <= 0 {
				return fmt.Errorf("worker count must be positive")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := newLogger(os.Stderr, cfg.LogLevel)
			conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
			}
			defer conn.Close()

			_, handlers, err := orderRegistries()
			if err != nil {
				return err
			}

			workerID := "worker-" + uuid.NewString()
			pool := worker.NewPool(worker.NewGrpcSource(conn, workerID), handlers, workerConfig(cfg), worker.WithLogger(log))
			if err := pool.Start(count); err != nil {
				return fmt.Errorf("failed to start worker pool: %w", err)
			}
			log.Info("Worker pool started", "id", workerID, "server", serverAddr, "workers", count)

			<-ctx.Done()
			log.Info("Stopping worker pool")
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return pool.Stop(stopCtx)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "work service address (default: server.addr from config)")
	cmd.Flags().IntVarP(&count, "workers", "w", 0, "number of workers (default: worker.worker_count from config)")
	return cmd
}
