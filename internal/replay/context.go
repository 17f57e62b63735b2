package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

// wfContext implements workflow.Context on top of a replay state.
type wfContext struct {
	s *state
}

var _ workflow.Context = (*wfContext)(nil)

func (c *wfContext) Info() workflow.Info { return c.s.info }

func (c *wfContext) Now() time.Time { return c.s.now }

func (c *wfContext) Logger() *slog.Logger { return c.s.logger }

func (c *wfContext) IsReplaying() bool { return c.s.IsReplaying() }

func (c *wfContext) ScheduleWork(item types.WorkItem) (types.WorkItem, workflow.Future) {
	s := c.s
	s.guard("ScheduleWork")
	if item.ID == "" {
		item.ID = fmt.Sprintf("%s-%d", item.Name, s.decision+1)
	}
	if item.Attempt < 1 {
		item.Attempt = 1
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = s.now
	}
	recorded := item
	s.emit(types.Event{Kind: types.EventWorkScheduled, WorkItem: &recorded})

	f, set := workflow.NewFuture()
	k := workKey{id: item.ID, attempt: item.Attempt}
	s.work[k] = set
	s.pendingWork[k] = item
	return item, f
}

func (c *wfContext) NewTimer(d time.Duration) workflow.Future {
	s := c.s
	s.guard("NewTimer")
	f, set := workflow.NewFuture()
	if d <= 0 {
		set.Set(types.Payload{}, nil)
		return f
	}
	id := fmt.Sprintf("timer-%d", s.decision+1)
	fireAt := s.now.Add(d)
	s.emit(types.Event{Kind: types.EventTimerStarted, TimerID: id, FireAt: fireAt})
	s.timers[id] = set
	s.pendingTimers[id] = fireAt
	return f
}

func (c *wfContext) Sleep(d time.Duration) error {
	return c.NewTimer(d).Get(c, nil)
}

// Await parks the calling coroutine. The main coroutine also wakes for a
// pending cancellation, which it receives exactly once as *CanceledError.
func (c *wfContext) Await(cond func() bool) error {
	s := c.s
	s.guard("Await")
	if s.sched.current != s.main || s.main == nil {
		s.sched.await(cond)
		return nil
	}
	if s.cancelPending() {
		return c.deliverCancel()
	}
	s.sched.await(func() bool { return cond() || s.cancelPending() })
	if !cond() && s.cancelPending() {
		return c.deliverCancel()
	}
	return nil
}

func (c *wfContext) deliverCancel() error {
	c.s.cancelDelivered = true
	return &failure.CanceledError{Reason: c.s.cancelReason}
}

func (c *wfContext) AwaitWithTimeout(d time.Duration, cond func() bool) (bool, error) {
	if cond() {
		return true, nil
	}
	timer := c.NewTimer(d)
	if err := c.Await(func() bool { return cond() || timer.IsReady() }); err != nil {
		return false, err
	}
	return cond(), nil
}

func (c *wfContext) Go(name string, f func(ctx workflow.Context)) {
	s := c.s
	s.guard("Go")
	child := &wfContext{s: s}
	s.sched.spawn(name, func() { f(child) })
}

func (c *wfContext) SignalChannel(name string) workflow.ReceiveChannel {
	return c.s.channel(name)
}

func (c *wfContext) Patched(changeID string) bool {
	s := c.s
	if v, ok := s.patches[changeID]; ok {
		return v
	}
	s.guard("Patched")
	marker := patchMarkerPrefix + changeID
	rec, found := s.lookahead(s.decision + 1)
	patched := !found || (rec.Kind == types.EventMarkerRecorded && rec.Marker == marker)
	if patched {
		s.emit(types.Event{Kind: types.EventMarkerRecorded, Marker: marker})
	}
	s.patches[changeID] = patched
	return patched
}

func (c *wfContext) DeprecatePatch(changeID string) {
	s := c.s
	if _, ok := s.patches[changeID]; ok {
		return
	}
	s.guard("DeprecatePatch")
	marker := patchMarkerPrefix + changeID
	if rec, found := s.lookahead(s.decision + 1); found && rec.Kind == types.EventMarkerRecorded && rec.Marker == marker {
		s.emit(types.Event{Kind: types.EventMarkerRecorded, Marker: marker})
	}
	s.patches[changeID] = true
}

func (c *wfContext) SideEffect(f func() (any, error), ptr any) error {
	s := c.s
	s.guard("SideEffect")
	var p types.Payload
	rec, found := s.lookahead(s.decision + 1)
	if found && rec.Kind == types.EventMarkerRecorded && rec.Marker == sideEffectMarker {
		p = rec.Payload
	} else {
		v, err := f()
		if err != nil {
			return err
		}
		if p, err = codec.Encode(v); err != nil {
			return err
		}
	}
	s.emit(types.Event{Kind: types.EventMarkerRecorded, Marker: sideEffectMarker, Payload: p})
	return codec.Decode(p, ptr)
}

func (c *wfContext) CancelRequested() bool { return c.s.cancelRequested }

func (c *wfContext) HistoryLength() int { return c.s.pos }

func (c *wfContext) ContinueAsNewSuggested() bool {
	return c.s.suggestAfter > 0 && c.s.pos >= c.s.suggestAfter
}

func (c *wfContext) RegisterQuery(name string, h workflow.QueryHandler) {
	c.s.queries[name] = h
}

func (c *wfContext) RegisterUpdate(name string, h workflow.UpdateHandler) {
	c.s.updates[name] = h
}

// signalChannel buffers the signals of one name in log order.
type signalChannel struct {
	s    *state
	name string
	buf  []types.Payload
}

func (ch *signalChannel) Receive(ctx workflow.Context, ptr any) error {
	if err := ctx.Await(func() bool { return len(ch.buf) > 0 }); err != nil {
		return err
	}
	return ch.pop(ptr)
}

func (ch *signalChannel) ReceiveAsync(ptr any) bool {
	if len(ch.buf) == 0 {
		return false
	}
	if err := ch.pop(ptr); err != nil {
		ch.s.logger.Warn("Dropping undecodable signal", "signal", ch.name, "error", err)
	}
	return true
}

func (ch *signalChannel) Len() int { return len(ch.buf) }

func (ch *signalChannel) pop(ptr any) error {
	p := ch.buf[0]
	ch.buf = ch.buf[1:]
	return codec.Decode(p, ptr)
}

// replayHandler drops records while history is replayed so that each line
// is logged once, by the drive that first executes it.
type replayHandler struct {
	inner     slog.Handler
	replaying func() bool
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.replaying() && h.inner.Enabled(ctx, level)
}

func (h *replayHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{inner: h.inner.WithAttrs(attrs), replaying: h.replaying}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{inner: h.inner.WithGroup(name), replaying: h.replaying}
}
