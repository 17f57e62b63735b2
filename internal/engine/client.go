package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/internal/executions"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Client is the caller-facing API: start executions, talk to them and
// collect their results. Arguments and results go through the payload
// codec.
type Client struct {
	e *Engine
}

// Start begins a new run of workflow under id. An empty id gets a random
// one. Signals sent to id before its first start are delivered right after
// ExecutionStarted, in the order they arrived.
//
// Returns:
//   - the key of the new run
//   - executions.ErrAlreadyRunning when id has an open run
func (c *Client) Start(ctx context.Context, id types.ExecutionID, workflow string, input any, opts StartOptions) (types.RunKey, error) {
	p, err := codec.Encode(input)
	if err != nil {
		return types.RunKey{}, err
	}
	return c.e.start(ctx, id, workflow, p, opts)
}

// Signal sends a signal. The execution does not need to exist yet.
func (c *Client) Signal(ctx context.Context, id types.ExecutionID, name string, arg any) error {
	p, err := codec.Encode(arg)
	if err != nil {
		return err
	}
	return c.e.router.Signal(ctx, id, name, p)
}

// Query runs a query handler and decodes its answer into result.
func (c *Client) Query(ctx context.Context, id types.ExecutionID, name string, arg any, result any) error {
	p, err := codec.Encode(arg)
	if err != nil {
		return err
	}
	out, err := c.e.router.Query(ctx, id, name, p)
	if err != nil {
		return err
	}
	return codec.Decode(out, result)
}

// Update sends an update under a random ID and waits for its result.
func (c *Client) Update(ctx context.Context, id types.ExecutionID, name string, arg any, result any) error {
	return c.UpdateWithID(ctx, id, name, "", arg, result)
}

// UpdateWithID sends an update with a caller-chosen ID. Retrying with the
// same ID never applies the update twice.
func (c *Client) UpdateWithID(ctx context.Context, id types.ExecutionID, name, updateID string, arg any, result any) error {
	p, err := codec.Encode(arg)
	if err != nil {
		return err
	}
	out, err := c.e.router.Update(ctx, id, name, updateID, p)
	if err != nil {
		return err
	}
	return codec.Decode(out, result)
}

// Cancel requests cancellation of the current run.
func (c *Client) Cancel(ctx context.Context, id types.ExecutionID, reason string) error {
	return c.e.router.Cancel(ctx, id, reason)
}

// GetResult blocks until the execution ends or its run halts, following
// continue-as-new, and decodes its result into result.
//
// Returns:
//   - nil when the execution completed
//   - the failure the execution ended with, rebuilt from its record
//   - ErrHalted wrapping the halt cause (e.g. *failure.ReplayDivergenceError)
//     when the current run is halted; Resume it and call again
//   - ctx.Err() when ctx ends first
func (c *Client) GetResult(ctx context.Context, id types.ExecutionID, result any) error {
	if _, err := c.e.execs.Get(id); err != nil {
		return err
	}
	rec, err := c.e.execs.Wait(ctx, id, func(rec *types.ExecutionRecord) bool {
		return rec != nil && (rec.Status.IsFinal() || rec.Halted != nil)
	})
	if err != nil {
		return err
	}
	if !rec.Status.IsFinal() && rec.Halted != nil {
		return fmt.Errorf("%w: %s run %d: %w", ErrHalted, id, rec.RunID, failure.FromFailure(rec.Halted))
	}
	return recordResult(rec, result)
}

func recordResult(rec *types.ExecutionRecord, result any) error {
	if rec.Status == types.StatusCompleted {
		return codec.Decode(rec.Result, result)
	}
	if rec.Failure != nil {
		return failure.FromFailure(rec.Failure)
	}
	return fmt.Errorf("execution %s ended %s", rec.ID, rec.Status)
}

// Describe returns the table row of an execution.
func (c *Client) Describe(id types.ExecutionID) (*types.ExecutionRecord, error) {
	return c.e.execs.Get(id)
}

// List returns every execution the engine knows.
func (c *Client) List() []*types.ExecutionRecord {
	return c.e.execs.List()
}

// History returns the event log of a run. Run 0 selects the current run.
func (c *Client) History(ctx context.Context, id types.ExecutionID, run types.RunID) ([]types.Event, error) {
	if run == 0 {
		rec, err := c.e.execs.Get(id)
		if err != nil {
			return nil, err
		}
		if rec.Status == types.StatusPending {
			return eventlog.ReadAll(ctx, c.e.store, types.InboxKey(id))
		}
		run = rec.RunID
	}
	return eventlog.ReadAll(ctx, c.e.store, types.RunKey{ExecutionID: id, RunID: run})
}

// Resume drives a halted run again, after the code that diverged from its
// history was fixed.
func (c *Client) Resume(_ context.Context, id types.ExecutionID) error {
	rec, err := c.e.execs.Get(id)
	if err != nil {
		return err
	}
	if rec.Halted == nil {
		return fmt.Errorf("%w: %s", ErrNotHalted, id)
	}
	return c.e.resume(id)
}

// IsNotRunning reports whether err means the execution had no open run.
func IsNotRunning(err error) bool {
	return errors.Is(err, executions.ErrNotRunning)
}
