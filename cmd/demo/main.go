package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ChuLiYu/durable-exec/internal/config"
	"github.com/ChuLiYu/durable-exec/internal/engine"
	"github.com/ChuLiYu/durable-exec/internal/orders"
	"github.com/ChuLiYu/durable-exec/internal/storage/wal"
	"github.com/ChuLiYu/durable-exec/internal/worker"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

// orderCount orders are started by "start". Shipping is slowed down so that
// a Ctrl+C catches most of them mid-flight.
const (
	orderCount = 200
	shipDelay  = 3 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := wal.NewWAL(cfg.Store.Dir, cfg.Store.SyncOnAppend)
	if err != nil {
		log.Fatalf("Failed to open WAL: %v", err)
	}
	defer store.Close()

	workflows := workflow.NewRegistry()
	if err := orders.Register(workflows); err != nil {
		log.Fatalf("Failed to register workflows: %v", err)
	}
	svc := orders.NewServices(map[string]int{"sku-demo": orderCount * 2})
	svc.SlowShipping(shipDelay)
	handlers := worker.NewRegistry()
	if err := svc.Register(handlers); err != nil {
		log.Fatalf("Failed to register handlers: %v", err)
	}

	e := engine.New(store, workflows, engine.Config{
		SnapshotPath:     cfg.Snapshot.Path,
		SnapshotInterval: cfg.SnapshotInterval(),
		SnapshotBackups:  cfg.Snapshot.RetentionCount,
		Workers:          16,
		Worker:           worker.Config{HeartbeatInterval: time.Second},
	},
		engine.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
		engine.WithHandlers(handlers))

	begin := time.Now()
	if err := e.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	fmt.Printf("✓ Engine started in %s (mode: %s)\n", time.Since(begin).Round(time.Millisecond), mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	client := e.Client()

	switch mode {
	case "start":
		if existing := client.List(); len(existing) > 0 {
			fmt.Printf("\n⚠️  Found %d executions from a previous run (recovered from the log)\n", len(existing))
			printStatus("Current status (after recovery)", client)
			fmt.Println("\n💡 Remove the WAL directory to start fresh")
			break
		}
		stamp := time.Now().Unix()
		for i := 1; i <= orderCount; i++ {
			id := fmt.Sprintf("demo-order-%03d-%d", i, stamp)
			order := orders.Order{
				ID:         id,
				CustomerID: fmt.Sprintf("cust-%d", i%17),
				Items:      []orders.Item{{SKU: "sku-demo", Quantity: 1, PriceCents: int64(1000 + i)}},
				Address:    "1 Demo Street Testville",
			}
			if _, err := client.Start(ctx, types.ExecutionID(id), orders.WorkflowName, order, engine.StartOptions{}); err != nil {
				log.Fatalf("Failed to start %s: %v", id, err)
			}
		}
		fmt.Printf("✓ Started %d orders, shipping takes %s each\n", orderCount, shipDelay)
		fmt.Println("💡 Press Ctrl+C now to stop mid-flight, then run 'recover'")

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
	watch:
		for {
			select {
			case <-ctx.Done():
				break watch
			case <-ticker.C:
				counts := countStatuses(client)
				fmt.Printf("📊 running=%d completed=%d failed=%d\n",
					counts[types.StatusRunning], counts[types.StatusCompleted], counts[types.StatusFailed])
				if counts[types.StatusRunning] == 0 && counts[types.StatusPending] == 0 {
					fmt.Println("\n⚠️  Every order finished before the interrupt")
					break watch
				}
			}
		}

	case "recover":
		printStatus("Status right after recovery", client)
		fmt.Println("\n⏳ Waiting for recovered executions to finish...")
	wait:
		for {
			counts := countStatuses(client)
			if counts[types.StatusRunning] == 0 && counts[types.StatusPending] == 0 {
				break
			}
			select {
			case <-ctx.Done():
				break wait
			case <-time.After(500 * time.Millisecond):
			}
		}
		printStatus("Final status", client)

	default:
		log.Fatalf("unknown mode %q, want start or recover", mode)
	}

	fmt.Println("\nStopping gracefully...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		log.Printf("Engine stop: %v", err)
	}
	fmt.Println("✓ Engine stopped")
}

func configPath() string {
	if _, err := os.Stat("configs/default.yaml"); err == nil {
		return "configs/default.yaml"
	}
	return ""
}

func countStatuses(c *engine.Client) map[types.Status]int {
	counts := make(map[types.Status]int)
	for _, rec := range c.List() {
		counts[rec.Status]++
	}
	return counts
}

func printStatus(title string, c *engine.Client) {
	counts := countStatuses(c)
	statuses := make([]string, 0, len(counts))
	total := 0
	for s, n := range counts {
		statuses = append(statuses, string(s))
		total += n
	}
	sort.Strings(statuses)

	fmt.Printf("\n📊 %s:\n", title)
	for _, s := range statuses {
		fmt.Printf("  %-18s %d\n", s, counts[types.Status(s)])
	}
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  %-18s %d\n", "total", total)
}
