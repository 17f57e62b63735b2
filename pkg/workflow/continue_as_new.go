package workflow

import (
	"time"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ContinueAsNewError is returned by orchestration code to close the run and
// start the next one with fresh history. In-flight update handlers finish
// first.
type ContinueAsNewError struct {
	Input types.Payload
	// DrainTimeout bounds the wait for update handlers. Zero waits for as
	// long as they take; handlers still running at the timeout are failed.
	DrainTimeout time.Duration
}

func (e *ContinueAsNewError) Error() string { return "continue as new" }

// NewContinueAsNewError encodes input for the next run.
func NewContinueAsNewError(input any) error {
	p, err := codec.Encode(input)
	if err != nil {
		return err
	}
	return &ContinueAsNewError{Input: p}
}
