// ============================================================================
// Durable Exec - core domain model
// ============================================================================
//
// Package: pkg/types
// File: types.go
// Purpose: identifiers, execution lifecycle and the execution table snapshot.
//
// Everything in this package is plain data. It is shared by the storage
// backends, the dispatcher, the replay executor and the client surface, and
// must stay free of behaviour that depends on wall-clock time or I/O.
//
// ============================================================================

// Package types defines the core domain model of the durable execution engine.
package types

import (
	"fmt"
	"time"
)

// ExecutionID identifies one logical execution across all of its runs.
type ExecutionID string

// RunID numbers the runs of one execution. The first run is 1.
type RunID uint64

// RunKey addresses the event log of a single run.
type RunKey struct {
	ExecutionID ExecutionID `json:"execution_id"`
	RunID       RunID       `json:"run_id"`
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%d", k.ExecutionID, k.RunID)
}

// Status is the lifecycle state of an execution run.
type Status string

const (
	// StatusPending marks an ID that has received signals but never started.
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusTimedOut       Status = "timed_out"
	StatusContinuedAsNew Status = "continued_as_new"
)

// IsTerminal reports whether the run is closed.
func (s Status) IsTerminal() bool {
	return s != StatusRunning && s != StatusPending && s != ""
}

// IsFinal reports whether the execution as a whole has ended. A run that
// continued as new is closed, but its execution lives on in the next run.
func (s Status) IsFinal() bool {
	return s.IsTerminal() && s != StatusContinuedAsNew
}

// ExecutionRecord is one row of the execution table.
type ExecutionRecord struct {
	ID        ExecutionID `json:"id"`
	RunID     RunID       `json:"run_id"`
	Workflow  string      `json:"workflow"`
	Status    Status      `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	ClosedAt  time.Time   `json:"closed_at,omitzero"`

	// Result holds the completion payload of a completed run.
	Result Payload `json:"result,omitzero"`
	// Failure describes why a run failed, was cancelled or timed out.
	Failure *Failure `json:"failure,omitempty"`
	// Halted is set when replay diverged. The run stays open but is not
	// driven until it is resumed.
	Halted *Failure `json:"halted,omitempty"`

	// Buffered counts signals waiting in the pending inbox of an execution
	// that has not started yet.
	Buffered int `json:"buffered,omitempty"`
}

// Key returns the log address of the record's current run.
func (r *ExecutionRecord) Key() RunKey {
	return RunKey{ExecutionID: r.ID, RunID: r.RunID}
}

// InboxKey addresses the pending inbox: a run 0 log that collects signals
// sent before the first start.
func InboxKey(id ExecutionID) RunKey {
	return RunKey{ExecutionID: id, RunID: 0}
}

// Clone returns a copy for callers outside the table lock.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// SnapshotData is the persisted form of the execution table.
type SnapshotData struct {
	Executions map[ExecutionID]*ExecutionRecord `json:"executions"`
	SchemaVer  int                              `json:"schema_ver"`
	TakenAt    time.Time                        `json:"taken_at"`
}
