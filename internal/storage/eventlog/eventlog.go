// ============================================================================
// Durable Exec - EventLog contract
// ============================================================================
//
// Package: internal/storage/eventlog
// File: eventlog.go
// Purpose: the append-only, per-run ordered log every other component is
// built on, plus the optimistic append helper shared by all writers.
//
// Contract:
//   Append(key, events...) -> last sequence
//     - events[0].Seq must be LastSeq(key)+1, the batch must be gapless
//     - otherwise *ConflictError, nothing is written
//     - a batch is atomic and durable once acknowledged
//   Read(key, from) -> lazy, restartable, finite sequence in Seq order
//
// Writers never coordinate through locks. Each one reads, decides what to
// append from what it saw, and retries on conflict (AppendWith).
//
// ============================================================================

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

var (
	// ErrEmptyBatch is returned by Append when no event was given.
	ErrEmptyBatch = errors.New("eventlog: empty batch")
	// ErrGap is returned when a batch is not contiguous.
	ErrGap = errors.New("eventlog: batch sequence has a gap")
	// ErrRunClosed is returned by decide functions that find a terminal event.
	ErrRunClosed = errors.New("eventlog: run is closed")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("eventlog: store is closed")
)

// DefaultAppendAttempts bounds AppendWith retries.
const DefaultAppendAttempts = 16

// Store is an append-only event log keyed by run.
type Store interface {
	Append(ctx context.Context, key types.RunKey, events ...types.Event) (uint64, error)
	Read(ctx context.Context, key types.RunKey, from uint64) iter.Seq2[types.Event, error]
	LastSeq(ctx context.Context, key types.RunKey) (uint64, error)
	Close() error
}

// ConflictError reports that another writer already used the sequence.
type ConflictError struct {
	Key      types.RunKey
	Expected uint64
	Got      uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventlog: conflict on %s: next sequence is %d, append used %d", e.Key, e.Expected, e.Got)
}

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// CheckBatch validates a batch against the current last sequence. Backends
// call it inside their own atomic section.
func CheckBatch(key types.RunKey, last uint64, events []types.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	if events[0].Seq != last+1 {
		return &ConflictError{Key: key, Expected: last + 1, Got: events[0].Seq}
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[0].Seq+uint64(i) {
			return fmt.Errorf("%w: %d follows %d", ErrGap, events[i].Seq, events[i-1].Seq)
		}
	}
	return nil
}

// Sequence numbers events so that they follow last.
func Sequence(last uint64, events []types.Event) []types.Event {
	for i := range events {
		events[i].Seq = last + uint64(i) + 1
	}
	return events
}

// ReadAll collects the whole log of a run.
func ReadAll(ctx context.Context, s Store, key types.RunKey) ([]types.Event, error) {
	var out []types.Event
	for ev, err := range s.Read(ctx, key, 1) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// AppendWith runs the read, decide, append cycle until the append lands or
// attempts run out. decide sees the full history and returns the events to
// append; returning none makes the call a no-op. The appended events are
// returned with their sequence numbers.
func AppendWith(
	ctx context.Context,
	s Store,
	key types.RunKey,
	decide func(history []types.Event) ([]types.Event, error),
) ([]types.Event, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultAppendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		history, err := ReadAll(ctx, s, key)
		if err != nil {
			return nil, err
		}
		events, err := decide(history)
		if err != nil || len(events) == 0 {
			return nil, err
		}
		var last uint64
		if n := len(history); n > 0 {
			last = history[n-1].Seq
		}
		Sequence(last, events)
		if _, err := s.Append(ctx, key, events...); err != nil {
			if IsConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return events, nil
	}
	return nil, lastErr
}

// Closed reports whether the history ends with a terminal event.
func Closed(history []types.Event) bool {
	n := len(history)
	return n > 0 && history[n-1].Kind.IsTerminal()
}
