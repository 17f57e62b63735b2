package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/internal/worker"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	epoch   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

const waitFor = 5 * time.Second

type order struct {
	Amount     int           `json:"amount"`
	ShipWithin time.Duration `json:"ship_within,omitempty"`
}

type orderResult struct {
	Status string `json:"status"`
}

// orderFlow charges, then ships, and refunds the charge if shipping fails.
func orderFlow(ctx workflow.Context, in order) (orderResult, error) {
	comp := workflow.NewCompensationStack()

	var receipt string
	if err := workflow.ExecuteWork(ctx, workflow.WorkRequest{Name: "charge", Input: in.Amount}).Get(ctx, &receipt); err != nil {
		return orderResult{}, err
	}
	comp.Push("charge", workflow.WorkRequest{Name: "refund", Input: receipt})

	ship := workflow.WorkRequest{Name: "ship", ScheduleToClose: in.ShipWithin}
	if err := workflow.ExecuteWork(ctx, ship).Get(ctx, nil); err != nil {
		return orderResult{}, comp.Compensate(ctx, err)
	}
	return orderResult{Status: "done"}, nil
}

// approvalFlow waits for one "approve" signal.
func approvalFlow(ctx workflow.Context, _ struct{}) (string, error) {
	var who string
	if err := ctx.SignalChannel("approve").Receive(ctx, &who); err != nil {
		return "", err
	}
	return "approved by " + who, nil
}

// collectFlow returns the first n signals named "item" in delivery order.
func collectFlow(ctx workflow.Context, n int) ([]string, error) {
	ch := ctx.SignalChannel("item")
	var got []string
	workflow.SetQueryHandler(ctx, "received", func(struct{}) (int, error) { return len(got), nil })
	for len(got) < n {
		var v string
		if err := ch.Receive(ctx, &v); err != nil {
			return nil, err
		}
		got = append(got, v)
	}
	return got, nil
}

// cartFlow accepts "add" updates until a "checkout" signal arrives.
func cartFlow(ctx workflow.Context, _ struct{}) ([]string, error) {
	var items []string
	workflow.SetQueryHandler(ctx, "items", func(struct{}) ([]string, error) { return items, nil })
	workflow.SetUpdateHandler(ctx, "add",
		func(ctx workflow.Context, item string) (int, error) {
			if err := workflow.ExecuteWork(ctx, workflow.WorkRequest{Name: "reserve", Input: item}).Get(ctx, nil); err != nil {
				return 0, err
			}
			items = append(items, item)
			return len(items), nil
		},
		func(item string) error {
			if item == "" {
				return errors.New("item is required")
			}
			return nil
		})

	var done bool
	if err := ctx.SignalChannel("checkout").Receive(ctx, &done); err != nil {
		return nil, err
	}
	return items, nil
}

// ledgerFlow numbers "append" updates in the order it handles them.
func ledgerFlow(ctx workflow.Context, _ struct{}) ([]string, error) {
	var entries []string
	workflow.SetUpdateHandler(ctx, "append", func(_ workflow.Context, entry string) (int, error) {
		entries = append(entries, entry)
		return len(entries), nil
	}, nil)

	var done bool
	if err := ctx.SignalChannel("close").Receive(ctx, &done); err != nil {
		return nil, err
	}
	return entries, nil
}

// countFlow continues as new until it reaches three.
func countFlow(_ workflow.Context, n int) (int, error) {
	if n < 3 {
		return 0, workflow.NewContinueAsNewError(n + 1)
	}
	return n, nil
}

func testWorkflows(t *testing.T) *workflow.Registry {
	t.Helper()
	reg := workflow.NewRegistry()
	require.NoError(t, workflow.Register(reg, "order", orderFlow))
	require.NoError(t, workflow.Register(reg, "approval", approvalFlow))
	require.NoError(t, workflow.Register(reg, "collect", collectFlow))
	require.NoError(t, workflow.Register(reg, "cart", cartFlow))
	require.NoError(t, workflow.Register(reg, "ledger", ledgerFlow))
	require.NoError(t, workflow.Register(reg, "count", countFlow))
	return reg
}

func testHandlers(t *testing.T) *worker.Registry {
	t.Helper()
	reg := worker.NewRegistry()
	require.NoError(t, worker.Register(reg, "charge", func(_ context.Context, amount int) (string, error) {
		return fmt.Sprintf("receipt-%d", amount), nil
	}))
	require.NoError(t, worker.Register(reg, "ship", func(context.Context, struct{}) (string, error) {
		return "shipped", nil
	}))
	require.NoError(t, worker.Register(reg, "refund", func(context.Context, string) (string, error) {
		return "refunded", nil
	}))
	require.NoError(t, worker.Register(reg, "reserve", func(context.Context, string) (bool, error) {
		return true, nil
	}))
	return reg
}

// startEngine starts an engine with two local workers and stops it at the
// end of the test.
func startEngine(t *testing.T, store eventlog.Store, wf *workflow.Registry, handlers *worker.Registry, cfg Config, opts ...Option) *Engine {
	t.Helper()
	if handlers != nil && cfg.Workers == 0 {
		cfg.Workers = 2
	}
	opts = append([]Option{WithLogger(discard), WithHandlers(handlers)}, opts...)
	e := New(store, wf, cfg, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func kinds(events []types.Event) []types.EventKind {
	out := make([]types.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

// hasEvent reports whether the current run's log contains a matching event.
func hasEvent(t *testing.T, c *Client, id types.ExecutionID, match func(types.Event) bool) bool {
	t.Helper()
	events, err := c.History(context.Background(), id, 0)
	if err != nil {
		return false
	}
	for _, ev := range events {
		if match(ev) {
			return true
		}
	}
	return false
}

func scheduled(name string) func(types.Event) bool {
	return func(ev types.Event) bool {
		return ev.Kind == types.EventWorkScheduled && ev.WorkItem != nil && ev.WorkItem.Name == name
	}
}

func completed(name string) func(types.Event) bool {
	return func(ev types.Event) bool {
		return ev.Kind == types.EventWorkCompleted && strings.HasPrefix(ev.WorkItemID, name+"-")
	}
}
