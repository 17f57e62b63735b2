// ============================================================================
// Durable Exec - orchestration API
// ============================================================================
//
// Package: pkg/workflow
// File: context.go
// Purpose: the surface orchestration code is written against.
//
// Orchestration code must be deterministic: given the same history it has
// to take the same decisions in the same order. Everything that is not
// deterministic goes through Context:
//
//   time        ctx.Now(), ctx.Sleep(d), ctx.NewTimer(d)
//   work        ExecuteWork(ctx, req), ExecuteWithRetry(ctx, req, policy)
//   messages    ctx.SignalChannel(name), SetQueryHandler, SetUpdateHandler
//   branching   ctx.Patched(changeID), ctx.DeprecatePatch(changeID),
//               ctx.SideEffect(f, &v)
//   concurrency ctx.Go(name, f), ctx.Await(cond)
//
// Only one coroutine of an execution runs at a time, and it only yields
// inside the blocking calls above. Plain Go variables shared between
// coroutines need no locking.
//
// ============================================================================

// Package workflow is the API for writing orchestration functions.
package workflow

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Info describes the run a Context belongs to.
type Info struct {
	ExecutionID types.ExecutionID
	RunID       types.RunID
	Workflow    string
	StartedAt   time.Time
}

// Context is handed to orchestration code. It is bound to one coroutine:
// pass the Context given to a Go function, not the parent's.
type Context interface {
	Info() Info
	// Now is the timestamp of the last event applied, identical on replay.
	Now() time.Time
	// Logger drops records while history is being replayed.
	Logger() *slog.Logger
	IsReplaying() bool

	// ScheduleWork requests one attempt of a work item and returns the item
	// as recorded (with its ID assigned) and a future for its outcome. Most
	// code uses ExecuteWork instead.
	ScheduleWork(item types.WorkItem) (types.WorkItem, Future)

	// NewTimer starts a durable timer that fires after d.
	NewTimer(d time.Duration) Future
	// Sleep blocks on a durable timer.
	Sleep(d time.Duration) error

	// Await blocks until cond returns true. cond must only read state.
	Await(cond func() bool) error
	// AwaitWithTimeout is Await bounded by a durable timer. It reports
	// whether cond became true before the timeout.
	AwaitWithTimeout(d time.Duration, cond func() bool) (bool, error)

	// Go starts a coroutine. It runs at the next suspension of the caller.
	Go(name string, f func(ctx Context))

	// SignalChannel returns the channel of signals with the given name.
	SignalChannel(name string) ReceiveChannel

	// Patched reports whether the code path guarded by changeID is taken.
	// New runs take it; runs recorded before the change do not.
	Patched(changeID string) bool
	// DeprecatePatch retires a patch once no run of the old code is left:
	// replace `if ctx.Patched(id) { new } else { old }` with
	// `ctx.DeprecatePatch(id); new`. Runs that recorded the patch marker
	// still replay; new runs record nothing.
	DeprecatePatch(changeID string)
	// SideEffect runs f once, records its result and returns the recorded
	// value into ptr on every replay.
	SideEffect(f func() (any, error), ptr any) error

	// CancelRequested reports whether the execution was asked to cancel.
	CancelRequested() bool
	// HistoryLength is the number of events applied so far.
	HistoryLength() int
	// ContinueAsNewSuggested reports that history grew past the soft limit.
	ContinueAsNewSuggested() bool

	// RegisterQuery and RegisterUpdate install raw handlers. Prefer the
	// typed SetQueryHandler and SetUpdateHandler.
	RegisterQuery(name string, h QueryHandler)
	RegisterUpdate(name string, h UpdateHandler)
}

// Future is the eventual outcome of a work item, timer or coroutine.
type Future interface {
	// Get blocks until the future is ready and decodes its value into ptr
	// (which may be nil).
	Get(ctx Context, ptr any) error
	IsReady() bool
}

// ReceiveChannel delivers signals in the order they were recorded.
type ReceiveChannel interface {
	// Receive blocks until a message is available and decodes it into ptr.
	Receive(ctx Context, ptr any) error
	// ReceiveAsync decodes the next message if there is one.
	ReceiveAsync(ptr any) bool
	Len() int
}

// QueryHandler answers a query from reconstructed state. It receives no
// Context: queries cannot take decisions.
type QueryHandler func(input types.Payload) (types.Payload, error)

// UpdateHandler processes an update. Validate runs read-only before the
// update is recorded; Handle runs as a coroutine with full capability.
type UpdateHandler struct {
	Validate func(input types.Payload) error
	Handle   func(ctx Context, input types.Payload) (types.Payload, error)
}

// Func is the untyped signature of an orchestration function.
type Func func(ctx Context, input types.Payload) (types.Payload, error)
