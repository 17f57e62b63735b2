package types

// FailureKind is the taxonomy tag persisted with every failure.
type FailureKind string

const (
	KindApplication       FailureKind = "ApplicationFailure"
	KindTimeout           FailureKind = "WorkTimeout"
	KindReplayDivergence  FailureKind = "ReplayDivergence"
	KindMessageRejected   FailureKind = "MessageRejected"
	KindCompensation      FailureKind = "CompensationFailure"
	KindCanceled          FailureKind = "Canceled"
	KindPanic             FailureKind = "Panic"
	KindReadOnlyViolation FailureKind = "ReadOnlyViolation"
	KindRunTimeout        FailureKind = "ExecutionTimeout"
)

// TimeoutType names the bound a WorkTimeout exceeded.
type TimeoutType string

const (
	TimeoutStartToClose    TimeoutType = "StartToClose"
	TimeoutScheduleToClose TimeoutType = "ScheduleToClose"
)

// Failure is the serialisable form of an error. It is what the log and the
// execution table keep, and what crosses the worker transport.
type Failure struct {
	Kind         FailureKind `json:"kind"`
	Type         string      `json:"type,omitempty"`
	Message      string      `json:"message"`
	NonRetryable bool        `json:"non_retryable,omitempty"`
	TimeoutType  TimeoutType `json:"timeout_type,omitempty"`
	Details      Payload     `json:"details,omitzero"`

	// Compensation lists the reversal steps run before the failure was
	// surfaced, in execution order.
	Compensation []CompensationStep `json:"compensation,omitempty"`

	Cause *Failure `json:"cause,omitempty"`
}

// CompensationStep is one line of a compensation report.
type CompensationStep struct {
	Name     string `json:"name"`
	Reversed bool   `json:"reversed"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}
