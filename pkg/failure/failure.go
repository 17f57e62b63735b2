// ============================================================================
// Durable Exec - error taxonomy
// ============================================================================
//
// Package: pkg/failure
// File: failure.go
// Purpose: typed errors for every failure kind the engine distinguishes, and
// their conversion to and from the persisted types.Failure form.
//
// Orchestration code and callers inspect these with errors.As. The log and
// the worker transport only ever see types.Failure.
//
// ============================================================================

// Package failure defines the engine's error taxonomy.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ApplicationError is a business failure raised deliberately by work or
// orchestration code.
type ApplicationError struct {
	Type         string
	Message      string
	NonRetryable bool
	Details      types.Payload
	Cause        error
}

// NewApplicationError returns a retryable business failure tagged with typ.
func NewApplicationError(typ, message string) *ApplicationError {
	return &ApplicationError{Type: typ, Message: message}
}

// NewNonRetryableError returns a business failure that is never retried.
func NewNonRetryableError(typ, message string) *ApplicationError {
	return &ApplicationError{Type: typ, Message: message, NonRetryable: true}
}

func (e *ApplicationError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// TimeoutError reports that a work item exceeded one of its time bounds.
type TimeoutError struct {
	TimeoutType types.TimeoutType
	WorkItemID  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("work item %s exceeded %s timeout", e.WorkItemID, e.TimeoutType)
}

// Retryable reports whether the retry engine may try again. The total
// duration bound is final.
func (e *TimeoutError) Retryable() bool {
	return e.TimeoutType != types.TimeoutScheduleToClose
}

// ReplayDivergenceError means orchestration code took a different decision
// than the one recorded at the same decision index. It halts the run.
type ReplayDivergenceError struct {
	ExecutionID   types.ExecutionID
	RunID         types.RunID
	DecisionIndex int
	Expected      string
	Actual        string
}

func (e *ReplayDivergenceError) Error() string {
	return fmt.Sprintf("replay diverged for %s/%d at decision %d: history has %s, code produced %s",
		e.ExecutionID, e.RunID, e.DecisionIndex, e.Expected, e.Actual)
}

// MessageRejectedError is returned synchronously when an update validator
// declines its input. Nothing is recorded.
type MessageRejectedError struct {
	Name   string
	Reason string
	Cause  error
}

func (e *MessageRejectedError) Error() string {
	return fmt.Sprintf("update %q rejected: %s", e.Name, e.Reason)
}

func (e *MessageRejectedError) Unwrap() error { return e.Cause }

// ReadOnlyViolationError is raised when a query handler or update validator
// tries to take a decision through a captured workflow context.
type ReadOnlyViolationError struct {
	Handler   string
	Operation string
}

func (e *ReadOnlyViolationError) Error() string {
	return fmt.Sprintf("read-only handler %q attempted %s", e.Handler, e.Operation)
}

// CanceledError is delivered to orchestration code at the first suspension
// point after a cancellation request, and is the terminal error of a
// cancelled execution.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string {
	if e.Reason == "" {
		return "execution canceled"
	}
	return "execution canceled: " + e.Reason
}

// PanicError wraps a panic raised by orchestration or work code.
type PanicError struct {
	Value string
	Stack string
}

func (e *PanicError) Error() string {
	return "panic: " + e.Value
}

// WorkError is what orchestration code receives when a work item failed for
// good, after the retry engine gave up.
type WorkError struct {
	WorkItemID string
	Name       string
	Attempt    int
	Cause      error
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("work %s (%s) failed after attempt %d: %v", e.Name, e.WorkItemID, e.Attempt, e.Cause)
}

func (e *WorkError) Unwrap() error { return e.Cause }

// CompensatedError is a terminal failure that went through a compensation
// stack. It carries the report of every reversal.
type CompensatedError struct {
	Cause error
	Steps []types.CompensationStep
}

func (e *CompensatedError) Error() string {
	return fmt.Sprintf("%v (compensation: %s)", e.Cause, formatSteps(e.Steps))
}

func (e *CompensatedError) Unwrap() error { return e.Cause }

// Complete reports whether every reversal succeeded.
func (e *CompensatedError) Complete() bool {
	for _, s := range e.Steps {
		if !s.Reversed {
			return false
		}
	}
	return true
}

// CompensationError reports a rollback that did not fully succeed.
type CompensationError struct {
	Steps []types.CompensationStep
	Cause error
}

func (e *CompensationError) Error() string {
	return "compensation incomplete: " + formatSteps(e.Steps)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// Failed lists the reversals that did not succeed.
func (e *CompensationError) Failed() []types.CompensationStep {
	var out []types.CompensationStep
	for _, s := range e.Steps {
		if !s.Reversed {
			out = append(out, s)
		}
	}
	return out
}

func formatSteps(steps []types.CompensationStep) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		state := "reversed"
		if !s.Reversed {
			state = "failed"
		}
		parts = append(parts, s.Name+": "+state)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// IsRetryable reports whether the retry engine may attempt the work again
// after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var app *ApplicationError
	if errors.As(err, &app) {
		return !app.NonRetryable
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return timeout.Retryable()
	}
	var canceled *CanceledError
	if errors.As(err, &canceled) {
		return false
	}
	var divergence *ReplayDivergenceError
	return !errors.As(err, &divergence)
}

// ErrorType returns the classification tag matched against a retry
// policy's non-retryable list.
func ErrorType(err error) string {
	var app *ApplicationError
	if errors.As(err, &app) {
		return app.Type
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return string(types.KindTimeout)
	}
	var p *PanicError
	if errors.As(err, &p) {
		return string(types.KindPanic)
	}
	return ""
}
