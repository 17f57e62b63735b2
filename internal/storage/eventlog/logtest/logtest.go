// Package logtest holds the behaviour every eventlog.Store backend must
// share. Backend tests call Run with a constructor.
package logtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) eventlog.Store

// Run executes the shared suite.
func Run(t *testing.T, factory Factory) {
	t.Run("append and read in order", func(t *testing.T) { testAppendRead(t, factory(t)) })
	t.Run("conflict on used sequence", func(t *testing.T) { testConflict(t, factory(t)) })
	t.Run("batch is atomic", func(t *testing.T) { testBatch(t, factory(t)) })
	t.Run("read from offset and restart", func(t *testing.T) { testReadFrom(t, factory(t)) })
	t.Run("runs are isolated", func(t *testing.T) { testIsolation(t, factory(t)) })
	t.Run("concurrent AppendWith serialises", func(t *testing.T) { testConcurrentAppendWith(t, factory(t)) })
	t.Run("payload fields survive", func(t *testing.T) { testFields(t, factory(t)) })
}

// Key returns a run key unique to the test.
func Key(t *testing.T) types.RunKey {
	return types.RunKey{ExecutionID: types.ExecutionID("exec-" + t.Name()), RunID: 1}
}

// Event builds a bare event.
func Event(seq uint64, kind types.EventKind) types.Event {
	return types.Event{Seq: seq, Kind: kind, Timestamp: time.Unix(1700000000, int64(seq)).UTC()}
}

func testAppendRead(t *testing.T, s eventlog.Store) {
	ctx := context.Background()
	key := Key(t)

	last, err := s.Append(ctx, key, Event(1, types.EventExecutionStarted))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	last, err = s.Append(ctx, key, Event(2, types.EventWorkScheduled))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	got, err := eventlog.ReadAll(ctx, s, key)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.EventExecutionStarted, got[0].Kind)
	assert.Equal(t, types.EventWorkScheduled, got[1].Kind)

	seq, err := s.LastSeq(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func testConflict(t *testing.T, s eventlog.Store) {
	ctx := context.Background()
	key := Key(t)

	_, err := s.Append(ctx, key, Event(1, types.EventExecutionStarted))
	require.NoError(t, err)

	_, err = s.Append(ctx, key, Event(1, types.EventWorkScheduled))
	require.Error(t, err)
	assert.True(t, eventlog.IsConflict(err))

	_, err = s.Append(ctx, key, Event(3, types.EventWorkScheduled))
	assert.True(t, eventlog.IsConflict(err))

	got, err := eventlog.ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testBatch(t *testing.T, s eventlog.Store) {
	ctx := context.Background()
	key := Key(t)

	last, err := s.Append(ctx, key,
		Event(1, types.EventExecutionStarted),
		Event(2, types.EventMessageReceived),
		Event(3, types.EventMessageReceived),
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	_, err = s.Append(ctx, key, Event(4, types.EventWorkScheduled), Event(6, types.EventTimerStarted))
	require.Error(t, err)

	got, err := eventlog.ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Len(t, got, 3, "a rejected batch leaves nothing behind")
}

func testReadFrom(t *testing.T, s eventlog.Store) {
	ctx := context.Background()
	key := Key(t)
	for i := uint64(1); i <= 5; i++ {
		_, err := s.Append(ctx, key, Event(i, types.EventMessageReceived))
		require.NoError(t, err)
	}

	seq := s.Read(ctx, key, 3)
	for round := 0; round < 2; round++ {
		var seen []uint64
		for ev, err := range seq {
			require.NoError(t, err)
			seen = append(seen, ev.Seq)
		}
		assert.Equal(t, []uint64{3, 4, 5}, seen, "round %d", round)
	}

	var first []uint64
	for ev, err := range s.Read(ctx, key, 1) {
		require.NoError(t, err)
		first = append(first, ev.Seq)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2}, first)
}

func testIsolation(t *testing.T, s eventlog.Store) {
	ctx := context.Background()
	a := Key(t)
	b := types.RunKey{ExecutionID: a.ExecutionID, RunID: 2}

	_, err := s.Append(ctx, a, Event(1, types.EventExecutionStarted))
	require.NoError(t, err)
	_, err = s.Append(ctx, b, Event(1, types.EventExecutionStarted))
	require.NoError(t, err)

	last, err := s.LastSeq(ctx, types.RunKey{ExecutionID: "missing", RunID: 1})
	require.NoError(t, err)
	assert.Zero(t, last)

	got, err := eventlog.ReadAll(ctx, s, b)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testConcurrentAppendWith(t *testing.T, s eventlog.Store) {
	ctx := context.Background()
	key := Key(t)
	_, err := s.Append(ctx, key, Event(1, types.EventExecutionStarted))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eventlog.AppendWith(ctx, s, key, func(history []types.Event) ([]types.Event, error) {
				ev := types.Event{Kind: types.EventMessageReceived, Message: &types.Message{Kind: types.MessageSignal, Name: "s", ID: string(rune('a' + i))}}
				return []types.Event{ev}, nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := eventlog.ReadAll(ctx, s, key)
	require.NoError(t, err)
	require.Len(t, got, writers+1)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq, "log must stay gapless")
	}
}

func testFields(t *testing.T, s eventlog.Store) {
	ctx := context.Background()
	key := Key(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := types.Event{
		Seq:       1,
		Kind:      types.EventWorkScheduled,
		Timestamp: at,
		Decision:  3,
		WorkItem: &types.WorkItem{
			ID:           "charge-3",
			Name:         "charge",
			Input:        types.Payload{Encoding: "json/plain", Data: []byte(`{"amount":100}`)},
			Attempt:      2,
			StartToClose: 5 * time.Second,
			RetryPolicy:  &types.RetryPolicy{MaximumAttempts: 3},
		},
		Failure: &types.Failure{Kind: types.KindApplication, Type: "Declined", Message: "no"},
	}
	_, err := s.Append(ctx, key, ev)
	require.NoError(t, err)

	got, err := eventlog.ReadAll(ctx, s, key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, at.Equal(got[0].Timestamp))
	assert.Equal(t, 3, got[0].Decision)
	require.NotNil(t, got[0].WorkItem)
	assert.Equal(t, "charge-3", got[0].WorkItem.ID)
	assert.Equal(t, `{"amount":100}`, string(got[0].WorkItem.Input.Data))
	assert.Equal(t, 3, got[0].WorkItem.RetryPolicy.MaximumAttempts)
	assert.Equal(t, "Declined", got[0].Failure.Type)
}
