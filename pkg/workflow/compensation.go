package workflow

import (
	"errors"

	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// CompensationStack collects reversal actions as forward steps succeed and
// runs them newest first when the caller gives up. A reversal that fails is
// logged and reported; the ones below it still run.
type CompensationStack struct {
	entries []compensation
	policy  types.RetryPolicy
}

type compensation struct {
	name string
	req  *WorkRequest
	fn   func(ctx Context) error
}

// NewCompensationStack returns a stack whose work reversals retry with
// types.CompensationRetryPolicy.
func NewCompensationStack() *CompensationStack {
	return &CompensationStack{policy: types.CompensationRetryPolicy()}
}

// WithPolicy overrides the retry policy of work reversals.
func (s *CompensationStack) WithPolicy(p types.RetryPolicy) *CompensationStack {
	s.policy = p
	return s
}

// Push registers a reversal that runs as a work item.
func (s *CompensationStack) Push(name string, req WorkRequest) {
	s.entries = append(s.entries, compensation{name: name, req: &req})
}

// PushFunc registers a reversal written as orchestration code.
func (s *CompensationStack) PushFunc(name string, fn func(ctx Context) error) {
	s.entries = append(s.entries, compensation{name: name, fn: fn})
}

// Len returns the number of pending reversals.
func (s *CompensationStack) Len() int { return len(s.entries) }

// RunAll runs every reversal in LIFO order and empties the stack. It keeps
// going through cancellation requests.
func (s *CompensationStack) RunAll(ctx Context) []types.CompensationStep {
	entries := s.entries
	s.entries = nil
	steps := make([]types.CompensationStep, 0, len(entries))
	done := false

	ctx.Go("compensation", func(ctx Context) {
		for i := len(entries) - 1; i >= 0; i-- {
			steps = append(steps, s.run(ctx, entries[i]))
		}
		done = true
	})
	for !done {
		err := ctx.Await(func() bool { return done })
		var canceled *failure.CanceledError
		if err != nil && !errors.As(err, &canceled) {
			break
		}
	}
	return steps
}

func (s *CompensationStack) run(ctx Context, c compensation) types.CompensationStep {
	step := types.CompensationStep{Name: c.name, Attempts: 1}
	var err error
	if c.req != nil {
		item, fut, serr := scheduleFirst(ctx, *c.req, s.policy)
		if serr != nil {
			err = serr
		} else {
			_, step.Attempts, err = retryLoop(ctx, item, fut, s.policy)
		}
	} else {
		err = c.fn(ctx)
	}
	if err != nil {
		step.Error = err.Error()
		ctx.Logger().Warn("Compensation step failed", "step", c.name, "attempts", step.Attempts, "error", err)
		return step
	}
	step.Reversed = true
	return step
}

// Compensate runs the stack and wraps cause with the report.
func (s *CompensationStack) Compensate(ctx Context, cause error) error {
	steps := s.RunAll(ctx)
	return &failure.CompensatedError{Cause: cause, Steps: steps}
}
