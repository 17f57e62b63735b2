package workflow

import (
	"errors"
	"time"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// WorkRequest describes a work item from the orchestration side.
type WorkRequest struct {
	// ID is optional. The default is "<name>-<decision index>".
	ID    string
	Name  string
	Input any

	StartToClose    time.Duration
	ScheduleToClose time.Duration
	// RetryPolicy defaults to types.DefaultRetryPolicy.
	RetryPolicy *types.RetryPolicy
}

// ExecuteWork runs a work item under its retry policy and returns a future
// for the final outcome. A failure surfaces as *failure.WorkError.
func ExecuteWork(ctx Context, req WorkRequest) Future {
	policy := types.DefaultRetryPolicy()
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
	}
	return ExecuteWithRetry(ctx, req, policy)
}

// ExecuteWithRetry schedules attempt 1 right away, then retries retryable
// failures on durable backoff timers until the item succeeds, fails for
// good, runs out of attempts, or the next backoff would cross the
// ScheduleToClose deadline.
func ExecuteWithRetry(ctx Context, req WorkRequest, policy types.RetryPolicy) Future {
	f, set := NewFuture()
	item, first, err := scheduleFirst(ctx, req, policy)
	if err != nil {
		set.Set(types.Payload{}, err)
		return f
	}
	ctx.Go("retry:"+item.ID, func(ctx Context) {
		out, _, err := retryLoop(ctx, item, first, policy)
		set.Set(out, err)
	})
	return f
}

func scheduleFirst(ctx Context, req WorkRequest, policy types.RetryPolicy) (types.WorkItem, Future, error) {
	input, err := codec.Encode(req.Input)
	if err != nil {
		return types.WorkItem{}, nil, err
	}
	p := policy
	item, fut := ctx.ScheduleWork(types.WorkItem{
		ID:              req.ID,
		Name:            req.Name,
		Input:           input,
		Attempt:         1,
		StartToClose:    req.StartToClose,
		ScheduleToClose: req.ScheduleToClose,
		ScheduledAt:     ctx.Now(),
		RetryPolicy:     &p,
	})
	return item, fut, nil
}

// retryLoop waits for the current attempt and schedules the next ones. It
// returns the output, the number of attempts made and the final error.
func retryLoop(ctx Context, item types.WorkItem, fut Future, policy types.RetryPolicy) (types.Payload, int, error) {
	for {
		var out types.Payload
		err := fut.Get(ctx, &out)
		if err == nil {
			return out, item.Attempt, nil
		}
		var canceled *failure.CanceledError
		if errors.As(err, &canceled) {
			return types.Payload{}, item.Attempt, err
		}
		giveUp := func() (types.Payload, int, error) {
			return types.Payload{}, item.Attempt, &failure.WorkError{
				WorkItemID: item.ID, Name: item.Name, Attempt: item.Attempt, Cause: err,
			}
		}

		if !failure.IsRetryable(err) || policy.Excludes(failure.ErrorType(err)) || !policy.AllowsAttempt(item.Attempt) {
			return giveUp()
		}
		wait := policy.NextInterval(item.Attempt)
		if deadline := item.Deadline(); !deadline.IsZero() && ctx.Now().Add(wait).After(deadline) {
			return giveUp()
		}

		ctx.Logger().Info("Retrying work", "work", item.ID, "name", item.Name,
			"attempt", item.Attempt, "backoff", wait, "error", err)
		if serr := ctx.Sleep(wait); serr != nil {
			return types.Payload{}, item.Attempt, serr
		}
		item.Attempt++
		item, fut = ctx.ScheduleWork(item)
	}
}
