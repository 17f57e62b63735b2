package replay

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ============================================================================
// Test Helpers
// ============================================================================

// recordingEffects remembers what the executor asked the dispatcher for.
type recordingEffects struct {
	mu        sync.Mutex
	scheduled []types.WorkItem
	timers    map[string]time.Time
}

func (e *recordingEffects) Schedule(_ context.Context, _ types.RunKey, item types.WorkItem) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.scheduled {
		if s.ID == item.ID && s.Attempt == item.Attempt {
			return s.ID, nil
		}
	}
	e.scheduled = append(e.scheduled, item)
	return item.ID, nil
}

func (e *recordingEffects) StartTimer(_ context.Context, _ types.RunKey, id string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timers == nil {
		e.timers = make(map[string]time.Time)
	}
	e.timers[id] = at
	return nil
}

type harness struct {
	t        *testing.T
	store    *eventlog.MemoryStore
	registry *workflow.Registry
	clock    *clock.Manual
	effects  *recordingEffects
	x        *Executor
	key      types.RunKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    eventlog.NewMemoryStore(),
		registry: workflow.NewRegistry(),
		clock:    clock.NewManual(epoch),
		effects:  &recordingEffects{},
		key:      types.RunKey{ExecutionID: "order-1", RunID: 1},
	}
	h.x = New(h.store, h.registry, h.effects, h.clock)
	return h
}

func (h *harness) register(name string, fn workflow.Func) {
	h.t.Helper()
	require.NoError(h.t, h.registry.RegisterFunc(name, fn))
}

func (h *harness) start(name string, input any, extra ...types.Event) {
	h.t.Helper()
	started := types.Event{Kind: types.EventExecutionStarted, Workflow: name, Payload: codec.MustEncode(input)}
	h.append(append([]types.Event{started}, extra...)...)
}

// append stamps events with the clock and writes them after the current tail.
func (h *harness) append(events ...types.Event) {
	h.t.Helper()
	_, err := eventlog.AppendWith(context.Background(), h.store, h.key, func([]types.Event) ([]types.Event, error) {
		out := append([]types.Event(nil), events...)
		for i := range out {
			out[i].Timestamp = h.clock.Now()
		}
		return out, nil
	})
	require.NoError(h.t, err)
}

func (h *harness) drive() *Result {
	h.t.Helper()
	res, err := h.x.Drive(context.Background(), h.key)
	require.NoError(h.t, err)
	return res
}

func (h *harness) complete(id string, attempt int, out any) {
	h.append(types.Event{Kind: types.EventWorkCompleted, WorkItemID: id, Attempt: attempt, Payload: codec.MustEncode(out)})
}

func (h *harness) fail(id string, attempt int, f *types.Failure) {
	h.append(types.Event{Kind: types.EventWorkFailed, WorkItemID: id, Attempt: attempt, Failure: f})
}

func (h *harness) fire(timerID string) {
	h.append(types.Event{Kind: types.EventTimerFired, TimerID: timerID})
}

func (h *harness) signal(name string, v any) {
	h.append(message(types.MessageSignal, name, "", v))
}

func (h *harness) history() []types.Event {
	h.t.Helper()
	events, err := eventlog.ReadAll(context.Background(), h.store, h.key)
	require.NoError(h.t, err)
	return events
}

// pendingWork lists scheduled attempts that have no outcome yet.
func (h *harness) pendingWork() []types.WorkItem {
	done := make(map[workKey]bool)
	var items []types.WorkItem
	for _, ev := range h.history() {
		switch ev.Kind {
		case types.EventWorkScheduled:
			items = append(items, *ev.WorkItem)
		case types.EventWorkCompleted, types.EventWorkFailed:
			done[workKey{id: ev.WorkItemID, attempt: ev.Attempt}] = true
		}
	}
	out := items[:0]
	for _, it := range items {
		if !done[workKey{id: it.ID, attempt: it.Attempt}] {
			out = append(out, it)
		}
	}
	return out
}

// pendingTimers lists started timers that have not fired, by timer id.
func (h *harness) pendingTimers() []string {
	started := map[string]bool{}
	for _, ev := range h.history() {
		switch ev.Kind {
		case types.EventTimerStarted:
			started[ev.TimerID] = true
		case types.EventTimerFired:
			delete(started, ev.TimerID)
		}
	}
	ids := make([]string, 0, len(started))
	for id := range started {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func message(kind types.MessageKind, name, id string, v any) types.Event {
	return types.Event{Kind: types.EventMessageReceived, Message: &types.Message{
		Kind: kind, Name: name, ID: id, Payload: codec.MustEncode(v),
	}}
}

func kinds(events []types.Event) []types.EventKind {
	out := make([]types.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func terminal(t *testing.T, events []types.Event) types.Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Kind.IsTerminal(), "run is still open, last event %s", last.Kind)
	return last
}

// runToEnd drives the run, resolving every pending work item with outcome
// (nil means success) and firing every timer, until the run closes.
func (h *harness) runToEnd(outcome func(types.WorkItem) *types.Failure) types.Event {
	h.t.Helper()
	for i := 0; i < 500; i++ {
		res := h.drive()
		if res.Terminal != nil {
			return *res.Terminal
		}
		work, timers := h.pendingWork(), h.pendingTimers()
		require.False(h.t, len(work) == 0 && len(timers) == 0, "run is blocked on nothing")
		for _, it := range work {
			if f := outcome(it); f != nil {
				h.fail(it.ID, it.Attempt, f)
			} else {
				h.complete(it.ID, it.Attempt, it.Name+" done")
			}
		}
		for _, id := range timers {
			h.fire(id)
		}
	}
	h.t.Fatal("run did not finish")
	return types.Event{}
}

func succeed(types.WorkItem) *types.Failure { return nil }
