package types

import "time"

// WorkItem is one unit of fallible work requested by orchestration code.
type WorkItem struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Input Payload `json:"input,omitzero"`

	// Attempt starts at 1 and grows by one per retry.
	Attempt int `json:"attempt"`

	// StartToClose bounds a single attempt.
	StartToClose time.Duration `json:"start_to_close,omitempty"`
	// ScheduleToClose bounds all attempts together, measured from ScheduledAt.
	ScheduleToClose time.Duration `json:"schedule_to_close,omitempty"`
	// ScheduledAt is the decision time of the first attempt.
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`

	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`
}

// Deadline returns the absolute end of the ScheduleToClose window, or the
// zero time when the item has none.
func (w WorkItem) Deadline() time.Time {
	if w.ScheduleToClose <= 0 || w.ScheduledAt.IsZero() {
		return time.Time{}
	}
	return w.ScheduledAt.Add(w.ScheduleToClose)
}

// WorkTask is a dispatched attempt as seen by a worker.
type WorkTask struct {
	Token       string      `json:"token"`
	ExecutionID ExecutionID `json:"execution_id"`
	RunID       RunID       `json:"run_id"`
	Item        WorkItem    `json:"item"`
}

// Outcome is what a worker reports for one attempt.
type Outcome struct {
	Output  Payload  `json:"output,omitzero"`
	Failure *Failure `json:"failure,omitempty"`
}

// Succeeded reports whether the attempt completed without failure.
func (o Outcome) Succeeded() bool {
	return o.Failure == nil
}
