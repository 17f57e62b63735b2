// ============================================================================
// Durable Exec - message router
// ============================================================================
//
// Package: internal/router
// File: router.go
// Purpose: deliver signals, queries, updates and cancellations to the
// current run of an execution.
//
// Delivery rules:
//   Signal  open run        -> MessageReceived(signal) appended now
//           never started   -> appended to the pending inbox (run 0 log),
//                              flushed behind ExecutionStarted by Start
//           final           -> executions.ErrNotRunning
//   Query   read-only replay of the current run, never appends
//   Update  validate on a read-only replay -> append at the validated
//           sequence (conflict: validate again) -> wait for UpdateCompleted
//   Cancel  MessageReceived(cancel), at most once per run
//
// Every message is written under the per-execution lock of the execution
// table, the same lock Start and continue-as-new hold, so that a message
// is never appended to a run that is being replaced and concurrent
// messages to one execution land one after another. Inside the lock an
// append can still conflict with a drive or the dispatcher; those are
// retried until the caller's context ends.
//
// ============================================================================

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/internal/executions"
	"github.com/ChuLiYu/durable-exec/internal/replay"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ErrRunClosedBeforeUpdate is returned to an update caller whose run closed
// before the update handler finished.
var ErrRunClosedBeforeUpdate = errors.New("router: run closed before update completed")

// maxHandoffs bounds how often a signal follows continue-as-new.
const maxHandoffs = 8

// Replayer is the read-only side of the replay executor.
type Replayer interface {
	Query(ctx context.Context, key types.RunKey, name string, input types.Payload) (types.Payload, error)
	ValidateUpdate(ctx context.Context, key types.RunKey, msg types.Message) (*replay.Validation, error)
}

// Observer receives message metrics.
type Observer interface {
	RecordMessage(kind types.MessageKind)
	RecordRejected()
}

// Router implements the message surface of the engine.
type Router struct {
	store    eventlog.Store
	execs    *executions.Manager
	replayer Replayer
	clock    clock.Clock
	log      *slog.Logger
	observer Observer
	// wake asks for a drive of the execution.
	wake func(types.ExecutionID)

	mu      sync.Mutex
	waiters map[types.RunKey]map[string]*waiter
}

type waiter struct {
	done chan struct{}
	ev   types.Event
	err  error
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(r *Router) { r.observer = o } }

// New returns a router. wake is called after every append that the run's
// code has to see.
func New(store eventlog.Store, execs *executions.Manager, replayer Replayer, clk clock.Clock, wake func(types.ExecutionID), opts ...Option) *Router {
	r := &Router{
		store:    store,
		execs:    execs,
		replayer: replayer,
		clock:    clk,
		log:      slog.Default(),
		observer: nopObserver{},
		wake:     wake,
		waiters:  make(map[types.RunKey]map[string]*waiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Signal delivers a named signal.
//
// Parameters:
//   - id: target execution; it does not have to exist yet
//   - name: signal channel name
//   - payload: encoded signal body
//
// Returns:
//   - executions.ErrNotRunning when the execution has ended
func (r *Router) Signal(ctx context.Context, id types.ExecutionID, name string, payload types.Payload) error {
	msg := types.Message{Kind: types.MessageSignal, Name: name, Payload: payload}
	for i := 0; i < maxHandoffs; i++ {
		key, err := r.deliver(ctx, id, msg)
		if err == nil {
			r.observer.RecordMessage(types.MessageSignal)
			return nil
		}
		if !errors.Is(err, eventlog.ErrRunClosed) {
			return err
		}
		// The run closed under us. If it continued as new the next run takes
		// the signal once it is seeded; otherwise the execution is over.
		if !r.continuedAsNew(ctx, key) {
			return fmt.Errorf("%w: %s", executions.ErrNotRunning, id)
		}
		if _, err := r.execs.Wait(ctx, id, func(rec *types.ExecutionRecord) bool {
			return rec == nil || rec.RunID != key.RunID || rec.Status.IsFinal()
		}); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s kept continuing as new", executions.ErrNotRunning, id)
}

// deliver appends a signal under the execution lock and returns the run it
// targeted.
func (r *Router) deliver(ctx context.Context, id types.ExecutionID, msg types.Message) (types.RunKey, error) {
	unlock := r.execs.Lock(id)
	defer unlock()

	rec, err := r.execs.Get(id)
	switch {
	case errors.Is(err, executions.ErrExecutionNotFound) || (err == nil && rec.Status == types.StatusPending):
		inbox := types.InboxKey(id)
		ev := types.Event{Kind: types.EventMessageReceived, Timestamp: r.clock.Now(), Message: &msg}
		if _, err := eventlog.AppendWith(ctx, r.store, inbox, func([]types.Event) ([]types.Event, error) {
			return []types.Event{ev}, nil
		}); err != nil {
			return inbox, err
		}
		r.execs.Reserve(id)
		r.log.Debug("Buffered signal for unstarted execution", "execution", id, "signal", msg.Name)
		return inbox, nil
	case err != nil:
		return types.RunKey{}, err
	case rec.Status != types.StatusRunning:
		return rec.Key(), fmt.Errorf("%w: %s is %s", executions.ErrNotRunning, id, rec.Status)
	}

	key := rec.Key()
	if err := r.appendTo(ctx, key, msg); err != nil {
		return key, err
	}
	r.wake(id)
	return key, nil
}

func (r *Router) appendTo(ctx context.Context, key types.RunKey, msg types.Message) error {
	_, err := eventlog.AppendWith(ctx, r.store, key, func(history []types.Event) ([]types.Event, error) {
		if eventlog.Closed(history) {
			return nil, eventlog.ErrRunClosed
		}
		return []types.Event{{Kind: types.EventMessageReceived, Timestamp: r.clock.Now(), Message: &msg}}, nil
	})
	return err
}

func (r *Router) continuedAsNew(ctx context.Context, key types.RunKey) bool {
	last, ok := r.lastEvent(ctx, key)
	return ok && last.Kind == types.EventExecutionContinuedAsNew
}

// lastEvent returns the tail of a run's log.
func (r *Router) lastEvent(ctx context.Context, key types.RunKey) (types.Event, bool) {
	last, err := r.store.LastSeq(ctx, key)
	if err != nil || last == 0 {
		return types.Event{}, false
	}
	for ev, err := range r.store.Read(ctx, key, last) {
		if err != nil {
			return types.Event{}, false
		}
		return ev, true
	}
	return types.Event{}, false
}

// Query runs a query handler against the replayed state of the current
// run. It works on closed runs too.
func (r *Router) Query(ctx context.Context, id types.ExecutionID, name string, input types.Payload) (types.Payload, error) {
	rec, err := r.execs.Get(id)
	if err != nil {
		return types.Payload{}, err
	}
	if rec.Status == types.StatusPending {
		return types.Payload{}, fmt.Errorf("%w: %s has not started", executions.ErrNotRunning, id)
	}
	out, err := r.replayer.Query(ctx, rec.Key(), name, input)
	if err != nil {
		return types.Payload{}, err
	}
	r.observer.RecordMessage(types.MessageQuery)
	return out, nil
}

// Update validates, records and waits for an update. An empty msgID gets a
// random one. Sending the same msgID again returns the recorded result.
//
// Returns:
//   - the handler result
//   - *failure.MessageRejectedError when validation refused the update
//   - the handler error, rebuilt from its recorded failure
func (r *Router) Update(ctx context.Context, id types.ExecutionID, name, msgID string, payload types.Payload) (types.Payload, error) {
	if msgID == "" {
		msgID = uuid.NewString()
	}
	msg := types.Message{Kind: types.MessageUpdate, Name: name, ID: msgID, Payload: payload}

	key, w, completed, err := r.acceptUpdate(ctx, id, msg)
	if err != nil {
		return types.Payload{}, err
	}
	if completed != nil {
		return updateResult(*completed)
	}
	defer r.unregister(key, msgID, w)

	select {
	case <-w.done:
		if w.err != nil {
			return types.Payload{}, w.err
		}
		return updateResult(w.ev)
	case <-ctx.Done():
		return types.Payload{}, ctx.Err()
	}
}

// acceptUpdate validates and records an update under the execution lock.
// The returned waiter is registered before the append so that a fast
// handler cannot complete unseen. completed is set instead when the update
// finished earlier.
func (r *Router) acceptUpdate(ctx context.Context, id types.ExecutionID, msg types.Message) (key types.RunKey, w *waiter, completed *types.Event, err error) {
	unlock := r.execs.Lock(id)
	defer unlock()

	rec, err := r.execs.Get(id)
	if err != nil {
		return key, nil, nil, err
	}
	if rec.Status != types.StatusRunning {
		return key, nil, nil, fmt.Errorf("%w: %s is %s", executions.ErrNotRunning, id, rec.Status)
	}
	key = rec.Key()

	w = r.register(key, msg.ID)
	defer func() {
		if err != nil || completed != nil {
			r.unregister(key, msg.ID, w)
			w = nil
		}
	}()

	for {
		if err = ctx.Err(); err != nil {
			return key, w, nil, err
		}
		v, verr := r.replayer.ValidateUpdate(ctx, key, msg)
		if verr != nil {
			var rejected *failure.MessageRejectedError
			if errors.As(verr, &rejected) {
				r.observer.RecordRejected()
				r.log.Info("Update rejected", "execution", id, "update", msg.Name, "id", msg.ID, "reason", rejected.Reason)
			}
			if errors.Is(verr, eventlog.ErrRunClosed) {
				verr = fmt.Errorf("%w: %s", executions.ErrNotRunning, id)
			}
			return key, w, nil, verr
		}
		if v.Completed != nil {
			return key, w, v.Completed, nil
		}
		if v.Duplicate {
			// Received earlier and still running, unless the run has
			// closed since.
			if last, ok := r.lastEvent(ctx, key); ok && last.Kind.IsTerminal() {
				return key, w, nil, fmt.Errorf("%w: %s in %s", ErrRunClosedBeforeUpdate, msg.ID, key)
			}
			return key, w, nil, nil
		}

		ev := types.Event{Seq: v.LastSeq + 1, Kind: types.EventMessageReceived, Timestamp: r.clock.Now(), Message: &msg}
		if _, aerr := r.store.Append(ctx, key, ev); aerr != nil {
			if eventlog.IsConflict(aerr) {
				r.log.Debug("Update append conflicted, validating again", "execution", id, "id", msg.ID)
				continue
			}
			return key, w, nil, aerr
		}
		r.observer.RecordMessage(types.MessageUpdate)
		r.wake(id)
		return key, w, nil, nil
	}
}

func updateResult(ev types.Event) (types.Payload, error) {
	if ev.Failure != nil {
		return types.Payload{}, failure.FromFailure(ev.Failure)
	}
	return ev.Payload, nil
}

// Cancel requests cancellation of the current run. Repeated requests are
// no-ops.
func (r *Router) Cancel(ctx context.Context, id types.ExecutionID, reason string) error {
	unlock := r.execs.Lock(id)
	defer unlock()

	rec, err := r.execs.Get(id)
	if err != nil {
		return err
	}
	if rec.Status != types.StatusRunning {
		return fmt.Errorf("%w: %s is %s", executions.ErrNotRunning, id, rec.Status)
	}
	body, err := codec.Encode(reason)
	if err != nil {
		return err
	}
	msg := types.Message{Kind: types.MessageCancel, Payload: body}
	appended, err := eventlog.AppendWith(ctx, r.store, rec.Key(), func(history []types.Event) ([]types.Event, error) {
		if eventlog.Closed(history) {
			return nil, fmt.Errorf("%w: %s", executions.ErrNotRunning, id)
		}
		for _, ev := range history {
			if ev.Kind == types.EventMessageReceived && ev.Message != nil && ev.Message.Kind == types.MessageCancel {
				return nil, nil
			}
		}
		return []types.Event{{Kind: types.EventMessageReceived, Timestamp: r.clock.Now(), Message: &msg}}, nil
	})
	if err != nil {
		return err
	}
	if len(appended) > 0 {
		r.observer.RecordMessage(types.MessageCancel)
		r.log.Info("Cancellation requested", "execution", id, "run", rec.RunID, "reason", reason)
		r.wake(id)
	}
	return nil
}

// ============================================================================
// Update waiters
// ============================================================================

func (r *Router) register(key types.RunKey, msgID string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.waiters[key]
	if !ok {
		byID = make(map[string]*waiter)
		r.waiters[key] = byID
	}
	if w, ok := byID[msgID]; ok {
		return w
	}
	w := &waiter{done: make(chan struct{})}
	byID[msgID] = w
	return w
}

func (r *Router) unregister(key types.RunKey, msgID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byID, ok := r.waiters[key]; ok && byID[msgID] == w {
		delete(byID, msgID)
		if len(byID) == 0 {
			delete(r.waiters, key)
		}
	}
}

// Observe hands the events a drive appended to waiting update callers.
// A terminal event releases the callers whose updates never completed.
func (r *Router) Observe(key types.RunKey, appended []types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.waiters[key]
	if len(byID) == 0 {
		return
	}
	for _, ev := range appended {
		switch {
		case ev.Kind == types.EventUpdateCompleted:
			if w, ok := byID[ev.MessageID]; ok {
				w.ev = ev
				close(w.done)
				delete(byID, ev.MessageID)
			}
		case ev.Kind.IsTerminal():
			for msgID, w := range byID {
				w.err = fmt.Errorf("%w: %s in %s", ErrRunClosedBeforeUpdate, msgID, key)
				close(w.done)
			}
			delete(r.waiters, key)
			return
		}
	}
}

type nopObserver struct{}

func (nopObserver) RecordMessage(types.MessageKind) {}
func (nopObserver) RecordRejected()                 {}
