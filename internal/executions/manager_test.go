package executions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingListener struct {
	mu    sync.Mutex
	moves []string
}

func (l *recordingListener) OnTransition(prev types.Status, rec *types.ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, string(prev)+"->"+string(rec.Status))
}

func openRun(t *testing.T, m *Manager, id types.ExecutionID) *types.ExecutionRecord {
	t.Helper()
	rec, err := m.Open(id, "order", t0)
	require.NoError(t, err)
	return rec
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestOpenAndClose(t *testing.T) {
	m := NewManager()
	l := &recordingListener{}
	m.AddListener(l)

	rec := openRun(t, m, "a")
	assert.Equal(t, types.RunID(1), rec.RunID)
	assert.Equal(t, types.StatusRunning, rec.Status)

	_, err := m.Open("a", "order", t0)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	result := types.Payload{Encoding: "json/plain", Data: []byte(`"ok"`)}
	require.NoError(t, m.Close(rec.Key(), types.StatusCompleted, result, nil, t0.Add(time.Second)))
	require.NoError(t, m.Close(rec.Key(), types.StatusCompleted, result, nil, t0.Add(time.Second)), "closing twice is a no-op")

	got, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, `"ok"`, string(got.Result.Data))

	again := openRun(t, m, "a")
	assert.Equal(t, types.RunID(2), again.RunID, "a new start after close opens the next run")

	assert.Equal(t, []string{"->running", "running->completed", "completed->running"}, l.moves)
}

func TestCloseRejectsStaleRun(t *testing.T) {
	m := NewManager()
	openRun(t, m, "a")

	err := m.Close(types.RunKey{ExecutionID: "a", RunID: 7}, types.StatusFailed, types.Payload{}, nil, t0)
	assert.ErrorIs(t, err, ErrStaleRun)

	err = m.Close(types.RunKey{ExecutionID: "b", RunID: 1}, types.StatusFailed, types.Payload{}, nil, t0)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	err = m.Close(types.RunKey{ExecutionID: "a", RunID: 1}, types.StatusRunning, types.Payload{}, nil, t0)
	assert.Error(t, err)
}

func TestReserveCountsBufferedSignals(t *testing.T) {
	m := NewManager()
	m.Reserve("early")
	rec := m.Reserve("early")
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Equal(t, 2, rec.Buffered)
	assert.Empty(t, m.OpenRuns(), "pending executions are not driven")

	started := openRun(t, m, "early")
	assert.Equal(t, types.RunID(1), started.RunID)
	assert.Zero(t, started.Buffered)
}

func TestContinueAsNewIsIdempotent(t *testing.T) {
	m := NewManager()
	rec := openRun(t, m, "loop")

	next, err := m.ContinueAsNew(rec.Key(), t0)
	require.NoError(t, err)
	assert.Equal(t, types.RunID(2), next.RunID)
	assert.Equal(t, "order", next.Workflow)

	again, err := m.ContinueAsNew(rec.Key(), t0)
	require.NoError(t, err)
	assert.Equal(t, types.RunID(2), again.RunID)

	_, err = m.ContinueAsNew(types.RunKey{ExecutionID: "loop", RunID: 5}, t0)
	assert.ErrorIs(t, err, ErrStaleRun)
}

func TestHaltAndResume(t *testing.T) {
	m := NewManager()
	rec := openRun(t, m, "h")
	require.NoError(t, m.Halt(rec.Key(), &types.Failure{Kind: types.KindReplayDivergence}))
	assert.Empty(t, m.OpenRuns())

	key, err := m.Resume("h")
	require.NoError(t, err)
	assert.Equal(t, rec.Key(), key)
	assert.Equal(t, []types.RunKey{rec.Key()}, m.OpenRuns())

	_, err = m.Resume("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestWaitWakesOnChange(t *testing.T) {
	m := NewManager()
	rec := openRun(t, m, "w")

	done := make(chan *types.ExecutionRecord, 1)
	go func() {
		got, _ := m.Wait(context.Background(), "w", func(r *types.ExecutionRecord) bool {
			return r != nil && r.Status.IsFinal()
		})
		done <- got
	}()

	require.NoError(t, m.Close(rec.Key(), types.StatusFailed, types.Payload{}, &types.Failure{Message: "x"}, t0))
	select {
	case got := <-done:
		assert.Equal(t, types.StatusFailed, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Wait(ctx, "nobody", func(r *types.ExecutionRecord) bool { return r != nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotRestore(t *testing.T) {
	m := NewManager()
	a := openRun(t, m, "a")
	openRun(t, m, "b")
	require.NoError(t, m.Close(a.Key(), types.StatusCompleted, types.Payload{}, nil, t0))

	data := m.Snapshot()
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	require.Len(t, data.Executions, 2)

	restored := NewManager()
	restored.Restore(data)
	assert.Equal(t, []types.RunKey{{ExecutionID: "b", RunID: 1}}, restored.OpenRuns())
	assert.Equal(t, map[types.Status]int{types.StatusCompleted: 1, types.StatusRunning: 1}, restored.Stats())
	assert.Len(t, restored.List(), 2)
	assert.Equal(t, types.RunID(2), restored.NextRun("a"))
}

func TestLockSerialisesPerExecution(t *testing.T) {
	m := NewManager()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("same")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, m.locks.entries, "idle locks are released")

	unlockA := m.Lock("a")
	unlockB := m.Lock("b")
	unlockB()
	unlockA()
}
