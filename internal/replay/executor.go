// ============================================================================
// Durable Exec - replay executor
// ============================================================================
//
// Package: internal/replay
// File: executor.go
// Purpose: rebuild the state of a run by re-executing its orchestration code
// against the run's history, and append the decisions it takes next.
//
// One drive:
//   1. read the full history of the run
//   2. start the code on ExecutionStarted and feed it every event in order;
//      decision events must match the commands the code emits, in order
//   3. after the last event the code runs live; commands left over are
//      appended at lastSeq+1 (a conflict starts the drive over)
//   4. every work item and timer without an outcome is handed to the
//      dispatcher again; both calls are idempotent
//
// The state lives only for the duration of a drive. Queries and update
// validation use the same replay without the append.
//
// ============================================================================

// Package replay implements the deterministic replay executor.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

var (
	// ErrNoHistory is returned for a run whose log is empty.
	ErrNoHistory = errors.New("replay: run has no history")
	// ErrNotStarted is returned when the first event is not ExecutionStarted.
	ErrNotStarted = errors.New("replay: history does not begin with ExecutionStarted")
	// ErrUnknownQuery is returned when no handler is registered for a query.
	ErrUnknownQuery = errors.New("replay: unknown query")
)

// DefaultSuggestContinueAsNew is the history length past which
// ContinueAsNewSuggested reports true.
const DefaultSuggestContinueAsNew = 10000

// Effects starts the side effects of appended decisions.
type Effects interface {
	Schedule(ctx context.Context, key types.RunKey, item types.WorkItem) (string, error)
	StartTimer(ctx context.Context, key types.RunKey, timerID string, fireAt time.Time) error
}

// Result is what one drive did.
type Result struct {
	// Appended holds the events this drive wrote, with sequence numbers.
	Appended []types.Event
	// Terminal is the closing event of the run, whether this drive wrote
	// it or found it in history.
	Terminal *types.Event
	// HistoryLength counts the events after the drive.
	HistoryLength int
}

// Executor drives runs. It keeps no state between calls.
type Executor struct {
	store        eventlog.Store
	registry     *workflow.Registry
	effects      Effects
	clock        clock.Clock
	log          *slog.Logger
	tracer       trace.Tracer
	suggestAfter int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger of the executor and of orchestration code.
func WithLogger(l *slog.Logger) Option { return func(x *Executor) { x.log = l } }

// WithSuggestContinueAsNew sets the ContinueAsNewSuggested threshold.
func WithSuggestContinueAsNew(n int) Option { return func(x *Executor) { x.suggestAfter = n } }

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option { return func(x *Executor) { x.tracer = t } }

// New returns an executor. effects may be nil for tools that only verify
// histories.
func New(store eventlog.Store, registry *workflow.Registry, effects Effects, clk clock.Clock, opts ...Option) *Executor {
	x := &Executor{
		store:        store,
		registry:     registry,
		effects:      effects,
		clock:        clk,
		log:          slog.Default(),
		tracer:       otel.Tracer("github.com/ChuLiYu/durable-exec/internal/replay"),
		suggestAfter: DefaultSuggestContinueAsNew,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Drive replays a run and appends the decisions its code takes next.
//
// Parameters:
//   - ctx: bounds reads and appends
//   - key: the run to drive
//
// Returns:
//   - the appended events and, once the run is closed, its terminal event
//   - *failure.ReplayDivergenceError when the code no longer matches history
func (x *Executor) Drive(ctx context.Context, key types.RunKey) (*Result, error) {
	ctx, span := x.tracer.Start(ctx, "replay.Drive", trace.WithAttributes(
		attribute.String("durable.execution_id", string(key.ExecutionID)),
		attribute.Int64("durable.run_id", int64(key.RunID)),
	))
	defer span.End()

	res, err := x.drive(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drive failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("durable.appended", len(res.Appended)))
	return res, nil
}

func (x *Executor) drive(ctx context.Context, key types.RunKey) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < eventlog.DefaultAppendAttempts; attempt++ {
		history, err := eventlog.ReadAll(ctx, x.store, key)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoHistory, key)
		}
		if eventlog.Closed(history) {
			last := history[len(history)-1]
			return &Result{Terminal: &last, HistoryLength: len(history)}, nil
		}

		s, err := x.replay(key, history, false)
		if err != nil {
			s.close()
			return nil, err
		}

		pending := s.pendingCommands()
		var appended []types.Event
		if len(pending) > 0 {
			now := x.clock.Now()
			for i := range pending {
				pending[i].Timestamp = now
			}
			eventlog.Sequence(history[len(history)-1].Seq, pending)
			if _, err := x.store.Append(ctx, key, pending...); err != nil {
				s.close()
				if eventlog.IsConflict(err) {
					lastErr = err
					continue
				}
				return nil, err
			}
			appended = pending
		}

		res := &Result{Appended: appended, HistoryLength: len(history) + len(appended)}
		if n := len(appended); n > 0 && appended[n-1].Kind.IsTerminal() {
			res.Terminal = &appended[n-1]
		} else {
			x.startEffects(ctx, key, s)
		}
		s.close()
		return res, nil
	}
	return nil, lastErr
}

// replay feeds history to the code. On return the code has run until it
// blocked past the last event; the caller must close the state.
func (x *Executor) replay(key types.RunKey, history []types.Event, silent bool) (*state, error) {
	s := newState(key, history, x.log, x.suggestAfter)
	s.silent = silent
	if history[0].Kind != types.EventExecutionStarted {
		return s, fmt.Errorf("%w: %s starts with %s", ErrNotStarted, key, history[0].Kind)
	}
	fn, err := x.registry.Lookup(history[0].Workflow)
	if err != nil {
		return s, err
	}
	s.fn = fn

	for s.pos < len(history) {
		ev := history[s.pos]
		s.pos++
		s.now = ev.Timestamp

		if ev.Kind.IsDecision() {
			if err := s.match(ev); err != nil {
				return s, err
			}
			continue
		}
		s.apply(ev)
		if s.timedOut {
			break
		}
		if !s.closing {
			s.sched.runUntilBlocked()
			s.failPanicked()
		}
	}
	return s, nil
}

// pendingCommands returns what the drive must append. A fired run timeout
// replaces whatever the code decided.
func (s *state) pendingCommands() []types.Event {
	if s.timedOut {
		return []types.Event{{
			Kind: types.EventExecutionTimedOut,
			Failure: &types.Failure{
				Kind:         types.KindRunTimeout,
				Message:      fmt.Sprintf("run exceeded its timeout of %s", s.runTimeout),
				NonRetryable: true,
			},
		}}
	}
	return append([]types.Event(nil), s.commands...)
}

// startEffects hands every outstanding work item and timer to the
// dispatcher. Items recorded before a crash are dispatched again here.
func (x *Executor) startEffects(ctx context.Context, key types.RunKey, s *state) {
	if x.effects == nil {
		return
	}
	items := make([]types.WorkItem, 0, len(s.pendingWork))
	for _, item := range s.pendingWork {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ID != items[j].ID {
			return items[i].ID < items[j].ID
		}
		return items[i].Attempt < items[j].Attempt
	})
	for _, item := range items {
		if _, err := x.effects.Schedule(ctx, key, item); err != nil {
			x.log.Error("Failed to schedule work", "execution", key.ExecutionID, "run", key.RunID,
				"work", item.ID, "attempt", item.Attempt, "error", err)
		}
	}
	for id, at := range s.pendingTimers {
		if err := x.effects.StartTimer(ctx, key, id, at); err != nil {
			x.log.Error("Failed to start timer", "execution", key.ExecutionID, "run", key.RunID,
				"timer", id, "error", err)
		}
	}
}

// Query replays a run without appending and answers a query from the
// reconstructed state. Closed runs can be queried.
func (x *Executor) Query(ctx context.Context, key types.RunKey, name string, input types.Payload) (types.Payload, error) {
	ctx, span := x.tracer.Start(ctx, "replay.Query", trace.WithAttributes(
		attribute.String("durable.execution_id", string(key.ExecutionID)),
		attribute.String("durable.query", name),
	))
	defer span.End()

	s, err := x.readOnlyReplay(ctx, key)
	if err != nil {
		span.RecordError(err)
		return types.Payload{}, err
	}
	defer s.close()

	h, ok := s.queries[name]
	if !ok {
		known := make([]string, 0, len(s.queries))
		for n := range s.queries {
			known = append(known, n)
		}
		sort.Strings(known)
		return types.Payload{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownQuery, name, known)
	}
	return s.invokeReadOnly(name, func() (types.Payload, error) { return h(input) })
}

// Validation is the outcome of an accepted update validation.
type Validation struct {
	// LastSeq is the sequence the validation saw. The update must be
	// appended right after it.
	LastSeq uint64
	// Completed is the recorded completion of an update with the same ID.
	Completed *types.Event
	// Duplicate reports that the update ID was already received.
	Duplicate bool
}

// ValidateUpdate runs the validator of an update against the current state
// of an open run. A rejection is a *failure.MessageRejectedError.
func (x *Executor) ValidateUpdate(ctx context.Context, key types.RunKey, msg types.Message) (*Validation, error) {
	history, err := eventlog.ReadAll(ctx, x.store, key)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, key)
	}
	v := &Validation{LastSeq: history[len(history)-1].Seq}
	for i, ev := range history {
		if ev.Kind == types.EventMessageReceived && ev.Message != nil && ev.Message.ID == msg.ID {
			v.Duplicate = true
		}
		if ev.Kind == types.EventUpdateCompleted && ev.MessageID == msg.ID {
			v.Completed = &history[i]
		}
	}
	if v.Duplicate {
		return v, nil
	}
	if eventlog.Closed(history) {
		return nil, eventlog.ErrRunClosed
	}

	s, err := x.replay(key, history, true)
	defer s.close()
	if err != nil {
		return nil, err
	}
	if s.closing {
		return nil, &failure.MessageRejectedError{Name: msg.Name, Reason: "execution is closing"}
	}
	h, ok := s.updates[msg.Name]
	if !ok {
		return nil, &failure.MessageRejectedError{Name: msg.Name, Reason: "no handler registered"}
	}
	if h.Validate == nil {
		return v, nil
	}
	_, err = s.invokeReadOnly(msg.Name, func() (types.Payload, error) {
		return types.Payload{}, h.Validate(msg.Payload)
	})
	if err != nil {
		return nil, &failure.MessageRejectedError{Name: msg.Name, Reason: err.Error(), Cause: err}
	}
	return v, nil
}

func (x *Executor) readOnlyReplay(ctx context.Context, key types.RunKey) (*state, error) {
	history, err := eventlog.ReadAll(ctx, x.store, key)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, key)
	}
	s, err := x.replay(key, history, true)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// ReplayHistory checks that the registered code still produces the
// decisions recorded in events. The workflow named by ExecutionStarted is
// used unless name overrides it.
func ReplayHistory(ctx context.Context, registry *workflow.Registry, name string, events []types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return ErrNoHistory
	}
	history := append([]types.Event(nil), events...)
	if name != "" && history[0].Kind == types.EventExecutionStarted {
		history[0].Workflow = name
	}
	key := types.RunKey{ExecutionID: "replay", RunID: 1}
	x := New(nil, registry, nil, clock.Real{})
	s, err := x.replay(key, history, true)
	s.close()
	return err
}
