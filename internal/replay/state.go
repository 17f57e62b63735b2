package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

// RunTimeoutTimerID is the reserved timer that bounds a whole run.
const RunTimeoutTimerID = "run-timeout"

const (
	patchMarkerPrefix = "patch:"
	sideEffectMarker  = "side-effect"
)

type workKey struct {
	id      string
	attempt int
}

// state is everything one replay of a run rebuilds from its history. It is
// only touched by the executor goroutine and the coroutine it is currently
// running, never by both at once.
type state struct {
	key     types.RunKey
	info    workflow.Info
	fn      workflow.Func
	input   types.Payload
	history []types.Event
	pos     int
	now     time.Time

	// decision is the index of the last command emitted.
	decision int
	// commands emitted by the code and not yet matched by a history event.
	commands []types.Event

	sched scheduler
	main  *coroutine

	work          map[workKey]workflow.Settable
	pendingWork   map[workKey]types.WorkItem
	timers        map[string]workflow.Settable
	pendingTimers map[string]time.Time
	runTimeout    time.Duration
	timedOut      bool

	channels map[string]*signalChannel
	queries  map[string]workflow.QueryHandler
	updates  map[string]workflow.UpdateHandler
	// running holds the ids of update handlers that have not completed.
	running     map[string]bool
	seenUpdates map[string]bool

	patches map[string]bool

	cancelRequested bool
	cancelDelivered bool
	cancelReason    string

	// closing is set once the terminal command has been emitted.
	closing bool
	// readOnly names the query handler or validator being run.
	readOnly string
	// silent mutes the code's logger for replays that never append.
	silent bool

	suggestAfter int
	logger       *slog.Logger
}

func newState(key types.RunKey, history []types.Event, base *slog.Logger, suggestAfter int) *state {
	s := &state{
		key:           key,
		history:       history,
		work:          make(map[workKey]workflow.Settable),
		pendingWork:   make(map[workKey]types.WorkItem),
		timers:        make(map[string]workflow.Settable),
		pendingTimers: make(map[string]time.Time),
		channels:      make(map[string]*signalChannel),
		queries:       make(map[string]workflow.QueryHandler),
		updates:       make(map[string]workflow.UpdateHandler),
		running:       make(map[string]bool),
		seenUpdates:   make(map[string]bool),
		patches:       make(map[string]bool),
		suggestAfter:  suggestAfter,
	}
	s.info.ExecutionID = key.ExecutionID
	s.info.RunID = key.RunID
	s.logger = slog.New(&replayHandler{inner: base.Handler(), replaying: func() bool { return s.silent || s.IsReplaying() }}).
		With("execution", string(key.ExecutionID), "run", uint64(key.RunID))
	return s
}

// IsReplaying reports whether the code is re-executing recorded history.
func (s *state) IsReplaying() bool {
	return s.pos < len(s.history)
}

// close unwinds every coroutine still parked.
func (s *state) close() {
	s.sched.kill()
}

// emit queues a command and returns its decision index.
func (s *state) emit(ev types.Event) int {
	s.guard(string(ev.Kind))
	if s.closing {
		panic(killed{})
	}
	s.decision++
	ev.Decision = s.decision
	s.commands = append(s.commands, ev)
	return s.decision
}

// guard rejects decisions taken from a read-only handler.
func (s *state) guard(op string) {
	if s.readOnly != "" {
		panic(&failure.ReadOnlyViolationError{Handler: s.readOnly, Operation: op})
	}
}

// lookahead finds the recorded decision with index k that has not been
// matched yet.
func (s *state) lookahead(k int) (types.Event, bool) {
	for _, ev := range s.history[s.pos:] {
		if ev.Kind.IsDecision() && ev.Decision == k {
			return ev, true
		}
	}
	return types.Event{}, false
}

// match pairs a recorded decision with the oldest pending command.
func (s *state) match(ev types.Event) error {
	if len(s.commands) == 0 {
		return s.diverged(ev.Decision, describe(ev), "no decision")
	}
	head := s.commands[0]
	if !sameDecision(head, ev) {
		return s.diverged(ev.Decision, describe(ev), describe(head))
	}
	s.commands = s.commands[1:]
	return nil
}

func (s *state) diverged(decision int, expected, actual string) error {
	return &failure.ReplayDivergenceError{
		ExecutionID:   s.key.ExecutionID,
		RunID:         s.key.RunID,
		DecisionIndex: decision,
		Expected:      expected,
		Actual:        actual,
	}
}

func sameDecision(cmd, ev types.Event) bool {
	if cmd.Kind != ev.Kind || cmd.Decision != ev.Decision {
		return false
	}
	switch ev.Kind {
	case types.EventWorkScheduled:
		a, b := cmd.WorkItem, ev.WorkItem
		return a != nil && b != nil && a.ID == b.ID && a.Name == b.Name && a.Attempt == b.Attempt
	case types.EventTimerStarted:
		return cmd.TimerID == ev.TimerID
	case types.EventMarkerRecorded:
		return cmd.Marker == ev.Marker
	case types.EventUpdateCompleted:
		return cmd.MessageID == ev.MessageID
	}
	return true
}

func describe(ev types.Event) string {
	switch ev.Kind {
	case types.EventWorkScheduled:
		if ev.WorkItem != nil {
			return fmt.Sprintf("%s(%s %s #%d)", ev.Kind, ev.WorkItem.Name, ev.WorkItem.ID, ev.WorkItem.Attempt)
		}
	case types.EventTimerStarted:
		return fmt.Sprintf("%s(%s)", ev.Kind, ev.TimerID)
	case types.EventMarkerRecorded:
		return fmt.Sprintf("%s(%s)", ev.Kind, ev.Marker)
	case types.EventUpdateCompleted:
		return fmt.Sprintf("%s(%s)", ev.Kind, ev.MessageID)
	}
	return string(ev.Kind)
}

// apply feeds one input event to the code.
func (s *state) apply(ev types.Event) {
	switch ev.Kind {
	case types.EventExecutionStarted:
		s.info.Workflow = ev.Workflow
		s.info.StartedAt = ev.Timestamp
		s.input = ev.Payload
		s.runTimeout = ev.RunTimeout
		if ev.RunTimeout > 0 {
			s.pendingTimers[RunTimeoutTimerID] = ev.Timestamp.Add(ev.RunTimeout)
		}
		ctx := &wfContext{s: s}
		s.main = s.sched.spawn("main", func() {
			out, err := s.fn(ctx, s.input)
			s.finish(ctx, out, err)
		})

	case types.EventWorkCompleted, types.EventWorkFailed:
		k := workKey{id: ev.WorkItemID, attempt: ev.Attempt}
		delete(s.pendingWork, k)
		if set, ok := s.work[k]; ok {
			delete(s.work, k)
			if ev.Kind == types.EventWorkCompleted {
				set.Set(ev.Payload, nil)
			} else {
				set.Set(types.Payload{}, failure.FromFailure(ev.Failure))
			}
		}

	case types.EventTimerFired:
		if ev.TimerID == RunTimeoutTimerID {
			s.timedOut = true
			return
		}
		delete(s.pendingTimers, ev.TimerID)
		if set, ok := s.timers[ev.TimerID]; ok {
			delete(s.timers, ev.TimerID)
			set.Set(types.Payload{}, nil)
		}

	case types.EventMessageReceived:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		switch msg.Kind {
		case types.MessageSignal:
			ch := s.channel(msg.Name)
			ch.buf = append(ch.buf, msg.Payload)
		case types.MessageUpdate:
			s.startUpdate(msg)
		case types.MessageCancel:
			s.cancelRequested = true
			if s.cancelReason == "" {
				_ = codec.Decode(msg.Payload, &s.cancelReason)
			}
		}
	}
}

func (s *state) channel(name string) *signalChannel {
	ch, ok := s.channels[name]
	if !ok {
		ch = &signalChannel{s: s, name: name}
		s.channels[name] = ch
	}
	return ch
}

// startUpdate runs an update handler as its own coroutine. The handler is
// looked up when the coroutine first runs, so registrations made by the
// code before it yields are visible.
func (s *state) startUpdate(msg types.Message) {
	if s.seenUpdates[msg.ID] {
		return
	}
	s.seenUpdates[msg.ID] = true
	s.running[msg.ID] = true
	ctx := &wfContext{s: s}
	s.sched.spawn("update:"+msg.ID, func() {
		var out types.Payload
		var err error
		h, ok := s.updates[msg.Name]
		if !ok || h.Handle == nil {
			err = &failure.MessageRejectedError{Name: msg.Name, Reason: "no handler registered"}
		} else {
			out, err = h.Handle(ctx, msg.Payload)
		}
		s.completeUpdate(msg.ID, out, err)
	})
}

func (s *state) completeUpdate(id string, out types.Payload, err error) {
	if !s.running[id] {
		return
	}
	ev := types.Event{Kind: types.EventUpdateCompleted, MessageID: id}
	if err != nil {
		ev.Failure = failure.ToFailure(err)
	} else {
		ev.Payload = out
	}
	s.emit(ev)
	delete(s.running, id)
}

// finish turns the return of the main function into the terminal command.
func (s *state) finish(ctx *wfContext, out types.Payload, err error) {
	var ev types.Event
	var can *workflow.ContinueAsNewError
	var canceled *failure.CanceledError
	switch {
	case err == nil:
		ev = types.Event{Kind: types.EventExecutionCompleted, Payload: out}
	case errors.As(err, &can):
		s.drainUpdates(ctx, can.DrainTimeout)
		ev = types.Event{
			Kind:       types.EventExecutionContinuedAsNew,
			Workflow:   s.info.Workflow,
			RunTimeout: s.runTimeout,
			NextRunID:  s.key.RunID + 1,
			Payload:    can.Input,
		}
	case errors.As(err, &canceled):
		ev = types.Event{Kind: types.EventExecutionCancelled, Failure: failure.ToFailure(err)}
	default:
		ev = types.Event{Kind: types.EventExecutionFailed, Failure: failure.ToFailure(err)}
	}
	s.emit(ev)
	s.closing = true
}

// drainUpdates waits for in-flight update handlers before the run closes.
// With a timeout, handlers still running when it expires are failed.
func (s *state) drainUpdates(ctx *wfContext, timeout time.Duration) {
	idle := func() bool { return len(s.running) == 0 }
	if idle() {
		return
	}
	if timeout > 0 {
		if ok, _ := ctx.AwaitWithTimeout(timeout, idle); !ok {
			for _, id := range s.runningIDs() {
				s.completeUpdate(id, types.Payload{}, failure.NewNonRetryableError("ContinueAsNew",
					"update handler did not finish before the run continued as new"))
			}
		}
		return
	}
	for !idle() {
		_ = ctx.Await(idle)
	}
}

// runningIDs lists in-flight updates in the order they were received.
func (s *state) runningIDs() []string {
	var ids []string
	for _, ev := range s.history[:s.pos] {
		if ev.Kind == types.EventMessageReceived && ev.Message != nil && s.running[ev.Message.ID] {
			ids = append(ids, ev.Message.ID)
		}
	}
	return ids
}

// failPanicked emits ExecutionFailed for the first coroutine that panicked.
func (s *state) failPanicked() {
	c := s.sched.failed
	if c == nil || s.closing {
		return
	}
	err := &failure.PanicError{Value: fmt.Sprintf("%v (in %s)", c.panicValue, c.name), Stack: c.panicStack}
	s.logger.Error("Orchestration code panicked", "coroutine", c.name, "panic", c.panicValue)
	s.emit(types.Event{Kind: types.EventExecutionFailed, Failure: failure.ToFailure(err)})
	s.closing = true
}

// cancelPending reports a cancellation not yet delivered to main.
func (s *state) cancelPending() bool {
	return s.cancelRequested && !s.cancelDelivered
}

// invokeReadOnly runs a query handler or validator with decisions blocked.
func (s *state) invokeReadOnly(name string, f func() (types.Payload, error)) (out types.Payload, err error) {
	s.readOnly = name
	defer func() {
		s.readOnly = ""
		if r := recover(); r != nil {
			if v, ok := r.(*failure.ReadOnlyViolationError); ok {
				err = v
				return
			}
			err = &failure.PanicError{Value: fmt.Sprint(r)}
		}
	}()
	return f()
}
