// ============================================================================
// Durable Exec - work execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: run one dispatched attempt against its registered handler and
// report the outcome back to the source.
//
// Execution of one task:
//   ┌────────────────────────────────────────────┐
//   │ for task := range taskCh                   │
//   │   ├─ Lookup handler (unknown: non-retryable)│
//   │   ├─ Context with StartToClose deadline    │
//   │   ├─ Heartbeat ticker (stop on cancel)     │
//   │   ├─ handler(ctx, input), panics recovered │
//   │   └─ source.Report(token, outcome)         │
//   └────────────────────────────────────────────┘
//
// Timeouts:
//   The dispatcher owns the durable StartToClose timer. The local deadline
//   only stops the handler early; when it fires first the worker reports a
//   StartToClose timeout itself and the dispatcher ignores whichever of the
//   two outcomes arrives second.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Worker executes tasks received on taskCh one at a time.
type Worker struct {
	id       int
	pool     *Pool
	taskCh   <-chan types.WorkTask
	resultCh chan<- Result
}

func newWorker(id int, pool *Pool, taskCh <-chan types.WorkTask, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		pool:     pool,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run executes tasks until taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		outcome, reported := w.process(task)
		<-w.pool.slots
		if !reported {
			continue
		}
		select {
		case w.resultCh <- Result{Task: task, Outcome: outcome, Duration: time.Since(start)}:
		default:
			// Nobody is reading results; they are informational only.
		}
	}
}

// process executes task and reports its outcome. It returns false when the
// attempt was abandoned because the pool shut down mid-flight.
func (w *Worker) process(task types.WorkTask) (types.Outcome, bool) {
	p := w.pool
	log := p.log.With("worker", w.id, "execution", task.ExecutionID, "run", task.RunID,
		"work", task.Item.ID, "attempt", task.Item.Attempt)

	ctx, span := p.tracer.Start(p.execCtx, "work "+task.Item.Name, trace.WithAttributes(
		attribute.String("execution.id", string(task.ExecutionID)),
		attribute.String("work.id", task.Item.ID),
		attribute.Int("work.attempt", task.Item.Attempt),
	))
	defer span.End()

	outcome := w.execute(ctx, task)
	if outcome.Failure != nil {
		span.SetStatus(codes.Error, outcome.Failure.Message)
	}

	if p.execCtx.Err() != nil {
		log.Info("Abandoning attempt, pool stopped")
		return outcome, false
	}

	if err := p.source.Report(p.reportCtx, task.Token, outcome); err != nil {
		span.RecordError(err)
		log.Warn("Failed to report outcome", "error", err)
		return outcome, false
	}
	if outcome.Failure != nil {
		log.Info("Work attempt failed", "kind", outcome.Failure.Kind, "reason", outcome.Failure.Message)
	} else {
		log.Debug("Work attempt completed")
	}
	return outcome, true
}

// execute runs the handler under the attempt's deadline with heartbeats.
//
// Parameters:
//   - ctx: Parent context, canceled when the pool stops.
//   - task: The dispatched attempt.
//
// Returns:
//   - The outcome to report. Handler errors are converted with
//     failure.ToFailure; an unknown name is a non-retryable failure.
func (w *Worker) execute(ctx context.Context, task types.WorkTask) types.Outcome {
	p := w.pool
	h, ok := p.registry.Lookup(task.Item.Name)
	if !ok {
		err := failure.NewNonRetryableError("UnknownWork", fmt.Sprintf("no handler registered for %q", task.Item.Name))
		return types.Outcome{Failure: failure.ToFailure(err)}
	}

	timeout := task.Item.StartToClose
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	ctx = withInfo(ctx, TaskInfo{
		ExecutionID: task.ExecutionID,
		RunID:       task.RunID,
		WorkItemID:  task.Item.ID,
		Name:        task.Item.Name,
		Attempt:     task.Item.Attempt,
		Deadline:    deadline,
	})

	stop := w.heartbeat(ctx, cancel, task.Token)
	defer stop()

	out, err := invoke(ctx, h, task.Item.Input)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		err = &failure.TimeoutError{TimeoutType: types.TimeoutStartToClose}
	}
	if err != nil {
		return types.Outcome{Failure: failure.ToFailure(err)}
	}
	return types.Outcome{Output: out}
}

// heartbeat pings the source until the returned stop function is called.
// A cancelled response cancels the handler context.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, token string) func() {
	interval := w.pool.cfg.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelled, err := w.pool.source.Heartbeat(ctx, token)
				if err != nil {
					w.pool.log.Debug("Heartbeat failed", "worker", w.id, "error", err)
					continue
				}
				if cancelled {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func invoke(ctx context.Context, h Handler, input types.Payload) (out types.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &failure.PanicError{Value: fmt.Sprint(r), Stack: string(debug.Stack())}
		}
	}()
	return h(ctx, input)
}
