// ============================================================================
// Durable Exec - task dispatcher
// ============================================================================
//
// Package: internal/dispatch
// File: dispatcher.go
// Purpose: hand scheduled work to workers, record outcomes exactly once and
// fire durable timers.
//
// Flow of one attempt:
//   Schedule ──> queue ──Poll──> in flight ──Report──> WorkCompleted|WorkFailed
//                  │                 │
//                  └── ScheduleToClose / StartToClose timers ──> WorkFailed(WorkTimeout)
//
// The dispatcher owns two event kinds: work outcomes and TimerFired. Both
// are appended with eventlog.AppendWith after checking the history, so a
// duplicate report, a late worker or a timer racing a report can never
// record a second outcome for the same (work item, attempt).
//
// Everything in memory here is rebuilt by the next drive of each run: the
// executor calls Schedule and StartTimer again for every item and timer that
// has no outcome in the log, and both calls are idempotent.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

var (
	// ErrInvalidToken is returned for tokens this dispatcher did not issue.
	ErrInvalidToken = errors.New("dispatch: invalid task token")
	// ErrUnknownWork is returned when a report names an attempt that was
	// never scheduled in the run's log.
	ErrUnknownWork = errors.New("dispatch: work attempt not scheduled")
	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("dispatch: dispatcher closed")
)

// Observer receives dispatch metrics. All methods must be cheap.
type Observer interface {
	WorkScheduled(name string)
	WorkDispatched(name string, queued time.Duration)
	WorkRecorded(name string, outcome string, elapsed time.Duration)
	QueueDepth(n int)
	TimerFired()
}

// Config tunes the dispatcher.
type Config struct {
	// RateLimit caps dispatches per second. Zero disables the limit.
	RateLimit float64
	// Burst is the limiter bucket size.
	Burst int
}

// Dispatcher implements the task queue and timer facility.
type Dispatcher struct {
	store   eventlog.Store
	clock   clock.Clock
	log     *slog.Logger
	limiter *rate.Limiter

	// notify is told about every run that received an outcome or a fired
	// timer, so that it can be driven.
	notify func(types.RunKey)

	observer Observer

	mu       sync.Mutex
	queue    []*task
	tasks    map[Token]*task
	recorded map[Token]struct{}
	timers   map[timerKey]clock.Timer
	wake     chan struct{}
	closed   bool
}

type task struct {
	token      Token
	key        types.RunKey
	item       types.WorkItem
	queuedAt   time.Time
	startedAt  time.Time
	dispatched bool
	timers     []clock.Timer
}

type timerKey struct {
	key types.RunKey
	id  string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// WithNotify sets the callback run after an outcome or timer is recorded.
func WithNotify(f func(types.RunKey)) Option { return func(d *Dispatcher) { d.notify = f } }

// New creates a dispatcher writing to store.
func New(store eventlog.Store, clk clock.Clock, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		clock:    clk,
		log:      slog.Default(),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		notify:   func(types.RunKey) {},
		observer: nopObserver{},
		tasks:    make(map[Token]*task),
		recorded: make(map[Token]struct{}),
		timers:   make(map[timerKey]clock.Timer),
		wake:     make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Schedule queues an attempt for the worker pool. Scheduling an attempt
// that is already queued, in flight or recorded returns its token and does
// nothing else.
//
// Parameters:
//   - key: run that owns the work
//   - item: the attempt, as recorded in its WorkScheduled event
//
// Returns:
//   - the attempt's token
func (d *Dispatcher) Schedule(_ context.Context, key types.RunKey, item types.WorkItem) (string, error) {
	token := NewToken(key, item)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrDispatcherClosed
	}
	if _, ok := d.recorded[token]; ok {
		return token.String(), nil
	}
	if _, ok := d.tasks[token]; ok {
		return token.String(), nil
	}

	t := &task{token: token, key: key, item: item, queuedAt: d.clock.Now()}
	if deadline := item.Deadline(); !deadline.IsZero() {
		wait := deadline.Sub(t.queuedAt)
		t.timers = append(t.timers, d.clock.AfterFunc(wait, func() {
			d.expire(token, types.TimeoutScheduleToClose)
		}))
	}
	d.tasks[token] = t
	d.queue = append(d.queue, t)
	d.signalLocked()

	d.observer.WorkScheduled(item.Name)
	d.observer.QueueDepth(len(d.queue))
	d.log.Debug("Work scheduled", "execution", key.ExecutionID, "run", key.RunID,
		"work", item.ID, "name", item.Name, "attempt", item.Attempt)
	return token.String(), nil
}

// Poll blocks until at least one task is available or ctx ends, and
// returns up to max tasks. Dispatches are paced by the rate limiter.
func (d *Dispatcher) Poll(ctx context.Context, max int) ([]types.WorkTask, error) {
	if max < 1 {
		max = 1
	}
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, ErrDispatcherClosed
		}
		if len(d.queue) > 0 {
			d.mu.Unlock()
			break
		}
		wake := d.wake
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}

	var out []types.WorkTask
	for len(out) < max {
		if err := d.limiter.Wait(ctx); err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		t := d.pop()
		if t == nil {
			break
		}
		out = append(out, types.WorkTask{
			Token:       t.token.String(),
			ExecutionID: t.key.ExecutionID,
			RunID:       t.key.RunID,
			Item:        t.item,
		})
	}
	return out, nil
}

// pop moves the head of the queue in flight and arms its StartToClose timer.
func (d *Dispatcher) pop() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	t := d.queue[0]
	d.queue = d.queue[1:]

	now := d.clock.Now()
	t.dispatched = true
	t.startedAt = now
	if stc := t.item.StartToClose; stc > 0 {
		token := t.token
		t.timers = append(t.timers, d.clock.AfterFunc(stc, func() {
			d.expire(token, types.TimeoutStartToClose)
		}))
	}
	d.observer.WorkDispatched(t.item.Name, now.Sub(t.queuedAt))
	d.observer.QueueDepth(len(d.queue))
	return t
}

// Report records the outcome of an attempt. Reporting twice, reporting for
// a closed run, or reporting after a timeout already failed the attempt is
// a no-op.
func (d *Dispatcher) Report(ctx context.Context, tokenStr string, outcome types.Outcome) error {
	token, err := ParseToken(tokenStr)
	if err != nil {
		return err
	}
	return d.record(ctx, token, outcome)
}

// Heartbeat tells a worker whether its attempt is still wanted. A task
// whose outcome was already recorded (by a timeout, for instance) should
// be abandoned.
func (d *Dispatcher) Heartbeat(_ context.Context, tokenStr string) (cancelled bool, err error) {
	token, err := ParseToken(tokenStr)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.recorded[token]; ok {
		return true, nil
	}
	_, ok := d.tasks[token]
	return !ok, nil
}

func (d *Dispatcher) expire(token Token, tt types.TimeoutType) {
	f := &types.Failure{
		Kind:         types.KindTimeout,
		Message:      fmt.Sprintf("work item %s exceeded %s timeout", token.WorkItemID, tt),
		TimeoutType:  tt,
		NonRetryable: tt == types.TimeoutScheduleToClose,
	}
	if err := d.record(context.Background(), token, types.Outcome{Failure: f}); err != nil {
		d.log.Error("Failed to record timeout", "execution", token.ExecutionID, "run", token.RunID,
			"work", token.WorkItemID, "attempt", token.Attempt, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, token Token, outcome types.Outcome) error {
	d.mu.Lock()
	_, done := d.recorded[token]
	d.mu.Unlock()
	if done {
		return nil
	}

	key := token.Key()
	now := d.clock.Now()
	var name string
	appended, err := eventlog.AppendWith(ctx, d.store, key, func(history []types.Event) ([]types.Event, error) {
		if eventlog.Closed(history) {
			return nil, nil
		}
		scheduled := findScheduled(history, token)
		if scheduled == nil {
			return nil, fmt.Errorf("%w: %s attempt %d in %s", ErrUnknownWork, token.WorkItemID, token.Attempt, key)
		}
		if hasOutcome(history, token) {
			return nil, nil
		}
		name = scheduled.Name

		ev := types.Event{
			Kind:       types.EventWorkCompleted,
			Timestamp:  now,
			WorkItemID: token.WorkItemID,
			Attempt:    token.Attempt,
			Payload:    outcome.Output,
		}
		if !outcome.Succeeded() {
			ev.Kind = types.EventWorkFailed
			ev.Payload = types.Payload{}
			ev.Failure = classify(outcome.Failure, scheduled)
		}
		return []types.Event{ev}, nil
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.recorded[token] = struct{}{}
	t := d.tasks[token]
	d.forgetLocked(token)
	d.mu.Unlock()

	if len(appended) == 0 {
		return nil
	}
	status := "completed"
	if appended[0].Kind == types.EventWorkFailed {
		status = "failed"
		if f := appended[0].Failure; f != nil && f.Kind == types.KindTimeout {
			status = "timed_out"
		}
	}
	var elapsed time.Duration
	if t != nil && t.dispatched {
		elapsed = now.Sub(t.startedAt)
	}
	d.observer.WorkRecorded(name, status, elapsed)
	d.log.Debug("Work outcome recorded", "execution", key.ExecutionID, "run", key.RunID,
		"work", token.WorkItemID, "attempt", token.Attempt, "outcome", status)
	d.notify(key)
	return nil
}

// classify marks failures the retry engine must not retry.
func classify(f *types.Failure, item *types.WorkItem) *types.Failure {
	out := *f
	if out.Kind == "" {
		out.Kind = types.KindApplication
	}
	if out.Kind == types.KindTimeout && out.TimeoutType == types.TimeoutScheduleToClose {
		out.NonRetryable = true
	}
	if item.RetryPolicy != nil && item.RetryPolicy.Excludes(out.Type) {
		out.NonRetryable = true
	}
	return &out
}

func findScheduled(history []types.Event, token Token) *types.WorkItem {
	for i := range history {
		ev := &history[i]
		if ev.Kind == types.EventWorkScheduled && ev.WorkItem != nil &&
			ev.WorkItem.ID == token.WorkItemID && ev.WorkItem.Attempt == token.Attempt {
			return ev.WorkItem
		}
	}
	return nil
}

func hasOutcome(history []types.Event, token Token) bool {
	for _, ev := range history {
		if (ev.Kind == types.EventWorkCompleted || ev.Kind == types.EventWorkFailed) &&
			ev.WorkItemID == token.WorkItemID && ev.Attempt == token.Attempt {
			return true
		}
	}
	return false
}

// StartTimer arms a durable timer. When it fires, TimerFired is appended
// once. Arming a timer that is already armed is a no-op; fireAt in the
// past fires at once.
func (d *Dispatcher) StartTimer(_ context.Context, key types.RunKey, timerID string, fireAt time.Time) error {
	tk := timerKey{key: key, id: timerID}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if _, ok := d.timers[tk]; ok {
		return nil
	}
	wait := fireAt.Sub(d.clock.Now())
	d.timers[tk] = d.clock.AfterFunc(wait, func() { d.fire(tk) })
	return nil
}

func (d *Dispatcher) fire(tk timerKey) {
	appended, err := eventlog.AppendWith(context.Background(), d.store, tk.key, func(history []types.Event) ([]types.Event, error) {
		if eventlog.Closed(history) {
			return nil, nil
		}
		for _, ev := range history {
			if ev.Kind == types.EventTimerFired && ev.TimerID == tk.id {
				return nil, nil
			}
		}
		return []types.Event{{Kind: types.EventTimerFired, Timestamp: d.clock.Now(), TimerID: tk.id}}, nil
	})
	if err != nil {
		d.log.Error("Failed to record timer", "execution", tk.key.ExecutionID, "run", tk.key.RunID,
			"timer", tk.id, "error", err)
		d.mu.Lock()
		delete(d.timers, tk)
		d.mu.Unlock()
		return
	}
	if len(appended) == 0 {
		return
	}
	d.observer.TimerFired()
	d.notify(tk.key)
}

// ForgetRun drops every queued task and armed timer of a closed run.
func (d *Dispatcher) ForgetRun(key types.RunKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for token, t := range d.tasks {
		if t.key == key {
			d.forgetLocked(token)
		}
	}
	for token := range d.recorded {
		if token.Key() == key {
			delete(d.recorded, token)
		}
	}
	for tk, timer := range d.timers {
		if tk.key == key {
			timer.Stop()
			delete(d.timers, tk)
		}
	}
	d.observer.QueueDepth(len(d.queue))
}

// forgetLocked removes a task from the queue and stops its timers.
func (d *Dispatcher) forgetLocked(token Token) {
	t, ok := d.tasks[token]
	if !ok {
		return
	}
	delete(d.tasks, token)
	for _, timer := range t.timers {
		timer.Stop()
	}
	if t.dispatched {
		return
	}
	for i, q := range d.queue {
		if q == t {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
}

// Stats reports queue depth and in-flight count.
func (d *Dispatcher) Stats() (queued, inFlight int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue), len(d.tasks) - len(d.queue)
}

// Close stops every timer and wakes blocked pollers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, t := range d.tasks {
		for _, timer := range t.timers {
			timer.Stop()
		}
	}
	for _, timer := range d.timers {
		timer.Stop()
	}
	d.signalLocked()
}

func (d *Dispatcher) signalLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

type nopObserver struct{}

func (nopObserver) WorkScheduled(string) {}
func (nopObserver) WorkDispatched(string, time.Duration) {}
func (nopObserver) WorkRecorded(string, string, time.Duration) {}
func (nopObserver) QueueDepth(int) {}
func (nopObserver) TimerFired() {}
