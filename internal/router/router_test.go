package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/internal/executions"
	"github.com/ChuLiYu/durable-exec/internal/replay"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeReplayer validates updates against the log tail and answers queries
// with a fixed payload.
type fakeReplayer struct {
	store  eventlog.Store
	reject string
}

func (f *fakeReplayer) Query(_ context.Context, _ types.RunKey, name string, _ types.Payload) (types.Payload, error) {
	if name != "status" {
		return types.Payload{}, replay.ErrUnknownQuery
	}
	return codec.MustEncode("ok"), nil
}

func (f *fakeReplayer) ValidateUpdate(ctx context.Context, key types.RunKey, msg types.Message) (*replay.Validation, error) {
	history, err := eventlog.ReadAll(ctx, f.store, key)
	if err != nil {
		return nil, err
	}
	if eventlog.Closed(history) {
		return nil, eventlog.ErrRunClosed
	}
	if f.reject != "" {
		return nil, &failure.MessageRejectedError{Name: msg.Name, Reason: f.reject}
	}
	v := &replay.Validation{LastSeq: uint64(len(history))}
	for i := range history {
		ev := history[i]
		if ev.Kind == types.EventMessageReceived && ev.Message.ID == msg.ID {
			v.Duplicate = true
		}
		if ev.Kind == types.EventUpdateCompleted && ev.MessageID == msg.ID {
			v.Completed = &ev
		}
	}
	return v, nil
}

type countingObserver struct {
	mu       sync.Mutex
	messages map[types.MessageKind]int
	rejected int
}

func (o *countingObserver) RecordMessage(kind types.MessageKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages[kind]++
}

func (o *countingObserver) RecordRejected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

type fixture struct {
	t        *testing.T
	store    *eventlog.MemoryStore
	execs    *executions.Manager
	replayer *fakeReplayer
	observer *countingObserver
	router   *Router

	mu    sync.Mutex
	woken []types.ExecutionID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    eventlog.NewMemoryStore(),
		execs:    executions.NewManager(),
		observer: &countingObserver{messages: make(map[types.MessageKind]int)},
	}
	f.replayer = &fakeReplayer{store: f.store}
	f.router = New(f.store, f.execs, f.replayer, clock.NewManual(epoch), f.wake,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(f.observer))
	return f
}

func (f *fixture) wake(id types.ExecutionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, id)
}

func (f *fixture) wakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.woken)
}

// open starts run 1 of id with a bare ExecutionStarted.
func (f *fixture) open(id types.ExecutionID) types.RunKey {
	f.t.Helper()
	key := types.RunKey{ExecutionID: id, RunID: 1}
	f.append(key, types.Event{Kind: types.EventExecutionStarted, Workflow: "wf"})
	_, err := f.execs.Open(id, "wf", epoch)
	require.NoError(f.t, err)
	return key
}

func (f *fixture) append(key types.RunKey, events ...types.Event) {
	f.t.Helper()
	_, err := eventlog.AppendWith(context.Background(), f.store, key, func([]types.Event) ([]types.Event, error) {
		return append([]types.Event(nil), events...), nil
	})
	require.NoError(f.t, err)
}

func (f *fixture) history(key types.RunKey) []types.Event {
	f.t.Helper()
	events, err := eventlog.ReadAll(context.Background(), f.store, key)
	require.NoError(f.t, err)
	return events
}

// ============================================================================
// Signals
// ============================================================================

func TestSignalToUnstartedExecutionIsBuffered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Signal(ctx, "ex-1", "approve", codec.MustEncode("a")))
	require.NoError(t, f.router.Signal(ctx, "ex-1", "approve", codec.MustEncode("b")))

	rec, err := f.execs.Get("ex-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Equal(t, 2, rec.Buffered)

	inbox := f.history(types.InboxKey("ex-1"))
	require.Len(t, inbox, 2)
	assert.Equal(t, "approve", inbox[0].Message.Name)
	assert.Equal(t, 0, f.wakes(), "nothing to drive yet")
	assert.Equal(t, 2, f.observer.messages[types.MessageSignal])
}

func TestSignalToOpenRun(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-2")

	require.NoError(t, f.router.Signal(context.Background(), "ex-2", "poke", codec.MustEncode(1)))

	history := f.history(key)
	require.Len(t, history, 2)
	assert.Equal(t, types.EventMessageReceived, history[1].Kind)
	assert.Equal(t, types.MessageSignal, history[1].Message.Kind)
	assert.Equal(t, 1, f.wakes())
}

func TestSignalToClosedRun(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-3")
	f.append(key, types.Event{Kind: types.EventExecutionCompleted})
	require.NoError(t, f.execs.Close(key, types.StatusCompleted, types.Payload{}, nil, epoch))

	err := f.router.Signal(context.Background(), "ex-3", "poke", types.Payload{})
	assert.ErrorIs(t, err, executions.ErrNotRunning)
}

func TestSignalFollowsContinueAsNew(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-4")
	// The run has closed in the log, but the table has not moved on yet.
	f.append(key, types.Event{Kind: types.EventExecutionContinuedAsNew, NextRunID: 2})

	done := make(chan error, 1)
	go func() {
		done <- f.router.Signal(context.Background(), "ex-4", "poke", codec.MustEncode("late"))
	}()

	next := types.RunKey{ExecutionID: "ex-4", RunID: 2}
	f.append(next, types.Event{Kind: types.EventExecutionStarted, Workflow: "wf"})
	_, err := f.execs.ContinueAsNew(key, epoch)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("signal never landed")
	}
	history := f.history(next)
	require.Len(t, history, 2)
	assert.Equal(t, "poke", history[1].Message.Name)
}

// ============================================================================
// Queries
// ============================================================================

func TestQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Query(ctx, "missing", "status", types.Payload{})
	assert.ErrorIs(t, err, executions.ErrExecutionNotFound)

	require.NoError(t, f.router.Signal(ctx, "pending", "x", types.Payload{}))
	_, err = f.router.Query(ctx, "pending", "status", types.Payload{})
	assert.ErrorIs(t, err, executions.ErrNotRunning)

	key := f.open("ex-5")
	out, err := f.router.Query(ctx, "ex-5", "status", types.Payload{})
	require.NoError(t, err)
	var s string
	require.NoError(t, codec.Decode(out, &s))
	assert.Equal(t, "ok", s)
	assert.Len(t, f.history(key), 1, "queries never append")

	_, err = f.router.Query(ctx, "ex-5", "other", types.Payload{})
	assert.ErrorIs(t, err, replay.ErrUnknownQuery)
}

// ============================================================================
// Updates
// ============================================================================

// complete plays the drive that finishes an update: it waits for the
// message, appends UpdateCompleted and hands it to Observe.
func (f *fixture) complete(key types.RunKey, msgID string, result any) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		for _, ev := range f.history(key) {
			if ev.Kind == types.EventMessageReceived && ev.Message.ID == msgID {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	ev := types.Event{Kind: types.EventUpdateCompleted, MessageID: msgID, Payload: codec.MustEncode(result)}
	f.append(key, ev)
	f.router.Observe(key, []types.Event{ev})
}

func TestUpdateWaitsForCompletion(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-6")

	done := make(chan types.Payload, 1)
	go func() {
		out, err := f.router.Update(context.Background(), "ex-6", "add", "u-1", codec.MustEncode("apple"))
		assert.NoError(t, err)
		done <- out
	}()
	f.complete(key, "u-1", 1)

	select {
	case out := <-done:
		var n int
		require.NoError(t, codec.Decode(out, &n))
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("update never returned")
	}

	// Retrying with the same ID returns the recorded result without a new message.
	before := len(f.history(key))
	out, err := f.router.Update(context.Background(), "ex-6", "add", "u-1", codec.MustEncode("apple"))
	require.NoError(t, err)
	var n int
	require.NoError(t, codec.Decode(out, &n))
	assert.Equal(t, 1, n)
	assert.Len(t, f.history(key), before)
}

func TestUpdateRejected(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-7")
	f.replayer.reject = "too many items"

	_, err := f.router.Update(context.Background(), "ex-7", "add", "", codec.MustEncode("x"))
	var rejected *failure.MessageRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "too many items", rejected.Reason)
	assert.Len(t, f.history(key), 1)
	assert.Equal(t, 1, f.observer.rejected)
}

func TestUpdateFailsWhenRunCloses(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-8")

	errCh := make(chan error, 1)
	go func() {
		_, err := f.router.Update(context.Background(), "ex-8", "add", "u-2", types.Payload{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(f.history(key)) == 2 }, 5*time.Second, 5*time.Millisecond)

	end := types.Event{Kind: types.EventExecutionCompleted}
	f.append(key, end)
	f.router.Observe(key, []types.Event{end})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRunClosedBeforeUpdate)
	case <-time.After(5 * time.Second):
		t.Fatal("update never returned")
	}
}

func TestUpdateHonorsContext(t *testing.T) {
	f := newFixture(t)
	f.open("ex-9")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.router.Update(ctx, "ex-9", "add", "u-3", types.Payload{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConcurrentUpdatesAreSerialised(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-11")
	const n = 40

	// A drive appending in the background makes the update appends conflict.
	stop := make(chan struct{})
	driveDone := make(chan struct{})
	go func() {
		defer close(driveDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = eventlog.AppendWith(context.Background(), f.store, key, func([]types.Event) ([]types.Event, error) {
				return []types.Event{{Kind: types.EventTimerStarted, TimerID: "tick"}}, nil
			})
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("u-%02d", i)
		go func() {
			_, err := f.router.Update(ctx, "ex-11", "add", id, codec.MustEncode(id))
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		got := 0
		for _, ev := range f.history(key) {
			if ev.Kind == types.EventMessageReceived {
				got++
			}
		}
		return got == n
	}, 5*time.Second, 5*time.Millisecond)
	close(stop)
	<-driveDone

	for i := 0; i < n; i++ {
		f.complete(key, fmt.Sprintf("u-%02d", i), i)
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}

	seen := make(map[string]int)
	for i, ev := range f.history(key) {
		assert.Equal(t, uint64(i+1), ev.Seq)
		if ev.Kind == types.EventMessageReceived {
			seen[ev.Message.ID]++
		}
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "update %s recorded once", id)
	}
	assert.Equal(t, n, f.observer.messages[types.MessageUpdate])
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelAppendsOnce(t *testing.T) {
	f := newFixture(t)
	key := f.open("ex-10")
	ctx := context.Background()

	require.NoError(t, f.router.Cancel(ctx, "ex-10", "first"))
	require.NoError(t, f.router.Cancel(ctx, "ex-10", "second"))

	history := f.history(key)
	require.Len(t, history, 2)
	assert.Equal(t, types.MessageCancel, history[1].Message.Kind)
	var reason string
	require.NoError(t, codec.Decode(history[1].Message.Payload, &reason))
	assert.Equal(t, "first", reason)
	assert.Equal(t, 1, f.wakes())

	err := f.router.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, executions.ErrExecutionNotFound)
}
