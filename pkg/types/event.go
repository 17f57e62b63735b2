package types

import "time"

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventExecutionStarted        EventKind = "ExecutionStarted"
	EventWorkScheduled           EventKind = "WorkScheduled"
	EventWorkCompleted           EventKind = "WorkCompleted"
	EventWorkFailed              EventKind = "WorkFailed"
	EventTimerStarted            EventKind = "TimerStarted"
	EventTimerFired              EventKind = "TimerFired"
	EventMessageReceived         EventKind = "MessageReceived"
	EventUpdateCompleted         EventKind = "UpdateCompleted"
	EventMarkerRecorded          EventKind = "MarkerRecorded"
	EventExecutionCompleted      EventKind = "ExecutionCompleted"
	EventExecutionFailed         EventKind = "ExecutionFailed"
	EventExecutionCancelled      EventKind = "ExecutionCancelled"
	EventExecutionTimedOut       EventKind = "ExecutionTimedOut"
	EventExecutionContinuedAsNew EventKind = "ExecutionContinuedAsNew"
)

// IsDecision reports whether the kind records a decision taken by
// orchestration code. Decisions carry a decision index and are matched
// against the code during replay.
func (k EventKind) IsDecision() bool {
	switch k {
	case EventWorkScheduled, EventTimerStarted, EventMarkerRecorded, EventUpdateCompleted,
		EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled,
		EventExecutionContinuedAsNew:
		return true
	}
	return false
}

// IsTerminal reports whether the kind closes a run.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled,
		EventExecutionTimedOut, EventExecutionContinuedAsNew:
		return true
	}
	return false
}

// Status maps a terminal kind to the run status it produces.
func (k EventKind) Status() Status {
	switch k {
	case EventExecutionCompleted:
		return StatusCompleted
	case EventExecutionFailed:
		return StatusFailed
	case EventExecutionCancelled:
		return StatusCancelled
	case EventExecutionTimedOut:
		return StatusTimedOut
	case EventExecutionContinuedAsNew:
		return StatusContinuedAsNew
	}
	return StatusRunning
}

// Payload is an opaque encoded value plus the tag of its encoding.
type Payload struct {
	Encoding string `json:"encoding,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// IsZero reports whether the payload carries nothing at all.
func (p Payload) IsZero() bool {
	return p.Encoding == "" && len(p.Data) == 0
}

// Event is one immutable fact in the log of a run. Only the fields that
// belong to its Kind are set.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"ts"`

	// Decision is the decision index of decision events, starting at 1.
	Decision int `json:"decision,omitempty"`

	// ExecutionStarted
	Workflow   string        `json:"workflow,omitempty"`
	RunTimeout time.Duration `json:"run_timeout,omitempty"`

	// WorkScheduled carries the full item so it can be dispatched again
	// after a crash. Outcomes reference it by id and attempt.
	WorkItem   *WorkItem `json:"work_item,omitempty"`
	WorkItemID string    `json:"work_item_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`

	// TimerStarted / TimerFired
	TimerID string    `json:"timer_id,omitempty"`
	FireAt  time.Time `json:"fire_at,omitzero"`

	// MessageReceived
	Message *Message `json:"message,omitempty"`
	// UpdateCompleted references the update by message id.
	MessageID string `json:"message_id,omitempty"`

	// MarkerRecorded
	Marker string `json:"marker,omitempty"`

	// ExecutionContinuedAsNew
	NextRunID RunID `json:"next_run_id,omitempty"`

	// Payload is the input, result, output or message body depending on Kind.
	Payload Payload  `json:"payload,omitzero"`
	Failure *Failure `json:"failure,omitempty"`
}

// MessageKind distinguishes the message variants.
type MessageKind string

const (
	MessageSignal MessageKind = "signal"
	MessageQuery  MessageKind = "query"
	MessageUpdate MessageKind = "update"
	MessageCancel MessageKind = "cancel"
)

// Message is an external request targeting one execution.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Name    string      `json:"name,omitempty"`
	ID      string      `json:"id,omitempty"`
	Payload Payload     `json:"payload,omitzero"`
}
