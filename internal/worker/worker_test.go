package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify handler dispatch, failure conversion, timeouts, heartbeats
// and graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeSource hands out queued tasks and records reports.
type fakeSource struct {
	tasks chan types.WorkTask

	mu         sync.Mutex
	reports    map[string]types.Outcome
	heartbeats int
	cancel     map[string]bool
	reported   chan string
	pushed     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tasks:    make(chan types.WorkTask, 100),
		reports:  make(map[string]types.Outcome),
		cancel:   make(map[string]bool),
		reported: make(chan string, 100),
	}
}

func (s *fakeSource) Poll(ctx context.Context, max int) ([]types.WorkTask, error) {
	select {
	case t := <-s.tasks:
		return []types.WorkTask{t}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Report(_ context.Context, token string, outcome types.Outcome) error {
	s.mu.Lock()
	s.reports[token] = outcome
	s.mu.Unlock()
	s.reported <- token
	return nil
}

func (s *fakeSource) Heartbeat(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.cancel[token], nil
}

func (s *fakeSource) outcome(token string) types.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[token]
}

func (s *fakeSource) push(name string, input any, stc time.Duration) string {
	s.mu.Lock()
	s.pushed++
	token := fmt.Sprintf("tok-%s-%d", name, s.pushed)
	s.mu.Unlock()
	s.tasks <- types.WorkTask{
		Token:       token,
		ExecutionID: "exec-1",
		RunID:       1,
		Item: types.WorkItem{
			ID:           name + "-1",
			Name:         name,
			Attempt:      1,
			Input:        codec.MustEncode(input),
			StartToClose: stc,
		},
	}
	return token
}

func waitReported(t *testing.T, s *fakeSource, n int) []string {
	t.Helper()
	var tokens []string
	for len(tokens) < n {
		select {
		case tok := <-s.reported:
			tokens = append(tokens, tok)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d reports", len(tokens), n)
		}
	}
	return tokens
}

func newTestPool(t *testing.T, src Source, reg *Registry, cfg Config) *Pool {
	t.Helper()
	p := NewPool(src, reg, cfg)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

// ============================================================================
// Registry Tests
// ============================================================================

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register(reg, "charge", func(context.Context, int) (string, error) { return "", nil }))

	err := Register(reg, "charge", func(context.Context, int) (string, error) { return "", nil })
	require.Error(t, err)
	var ge *apperrors.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ErrCodeDuplicateHandler, ge.TextCode)
	assert.Equal(t, "charge", ge.Metadata["work"])

	err = reg.RegisterFunc("", nil)
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, ErrCodeInvalidHandler, ge.TextCode)

	assert.Equal(t, []string{"charge"}, reg.Names())
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(newFakeSource(), NewRegistry(), Config{})
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Stop(context.Background()), ErrPoolNotStarted)
}

func TestPoolStart(t *testing.T) {
	pool := newTestPool(t, newFakeSource(), NewRegistry(), Config{})

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))

	require.NoError(t, pool.Stop(context.Background()))
	assert.False(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestWorkerExecution(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry()
	require.NoError(t, Register(reg, "double", func(_ context.Context, n int) (int, error) { return n * 2, nil }))

	pool := newTestPool(t, src, reg, Config{})
	require.NoError(t, pool.Start(2))

	var tokens []string
	for i := 0; i < 10; i++ {
		tokens = append(tokens, src.push("double", i, time.Second))
	}
	waitReported(t, src, len(tokens))

	for i, tok := range tokens {
		out := src.outcome(tok)
		require.True(t, out.Succeeded(), "task %d failed: %+v", i, out.Failure)
		var n int
		require.NoError(t, codec.Decode(out.Output, &n))
		assert.Equal(t, i*2, n)
	}
}

func TestHandlerSeesTaskInfo(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry()
	got := make(chan TaskInfo, 1)
	require.NoError(t, reg.RegisterFunc("inspect", func(ctx context.Context, _ types.Payload) (types.Payload, error) {
		info, ok := InfoFromContext(ctx)
		if !ok {
			return types.Payload{}, errors.New("no task info")
		}
		got <- info
		return types.Payload{}, nil
	}))

	pool := newTestPool(t, src, reg, Config{})
	require.NoError(t, pool.Start(1))
	src.push("inspect", nil, time.Second)
	waitReported(t, src, 1)

	info := <-got
	assert.Equal(t, types.ExecutionID("exec-1"), info.ExecutionID)
	assert.Equal(t, "inspect-1", info.WorkItemID)
	assert.Equal(t, 1, info.Attempt)
	assert.False(t, info.Deadline.IsZero())
}

// ============================================================================
// Failure Conversion Tests
// ============================================================================

func TestFailuresAreClassified(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("declined", func(context.Context, types.Payload) (types.Payload, error) {
		return types.Payload{}, failure.NewNonRetryableError("CardDeclined", "card declined")
	}))
	require.NoError(t, reg.RegisterFunc("flaky", func(context.Context, types.Payload) (types.Payload, error) {
		return types.Payload{}, errors.New("connection reset")
	}))
	require.NoError(t, reg.RegisterFunc("boom", func(context.Context, types.Payload) (types.Payload, error) {
		panic("boom")
	}))

	pool := newTestPool(t, src, reg, Config{})
	require.NoError(t, pool.Start(3))

	declined := src.push("declined", nil, time.Second)
	flaky := src.push("flaky", nil, time.Second)
	boom := src.push("boom", nil, time.Second)
	unknown := src.push("missing", nil, time.Second)
	waitReported(t, src, 4)

	f := src.outcome(declined).Failure
	require.NotNil(t, f)
	assert.Equal(t, "CardDeclined", f.Type)
	assert.True(t, f.NonRetryable)

	f = src.outcome(flaky).Failure
	require.NotNil(t, f)
	assert.Equal(t, types.KindApplication, f.Kind)
	assert.False(t, f.NonRetryable)
	assert.Equal(t, "connection reset", f.Message)

	f = src.outcome(boom).Failure
	require.NotNil(t, f)
	assert.Equal(t, types.KindPanic, f.Kind)
	assert.Equal(t, "boom", f.Message)

	f = src.outcome(unknown).Failure
	require.NotNil(t, f)
	assert.Equal(t, "UnknownWork", f.Type)
	assert.True(t, f.NonRetryable)
}

// ============================================================================
// Timeout and Heartbeat Tests
// ============================================================================

func TestStartToCloseTimeout(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("slow", func(ctx context.Context, _ types.Payload) (types.Payload, error) {
		<-ctx.Done()
		return types.Payload{}, ctx.Err()
	}))

	pool := newTestPool(t, src, reg, Config{})
	require.NoError(t, pool.Start(1))
	tok := src.push("slow", nil, 50*time.Millisecond)
	waitReported(t, src, 1)

	f := src.outcome(tok).Failure
	require.NotNil(t, f)
	assert.Equal(t, types.KindTimeout, f.Kind)
	assert.Equal(t, types.TimeoutStartToClose, f.TimeoutType)
	assert.False(t, f.NonRetryable)
}

func TestHeartbeatCancellationStopsHandler(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry()
	stopped := make(chan struct{})
	require.NoError(t, reg.RegisterFunc("long", func(ctx context.Context, _ types.Payload) (types.Payload, error) {
		<-ctx.Done()
		close(stopped)
		return types.Payload{}, ctx.Err()
	}))

	pool := newTestPool(t, src, reg, Config{HeartbeatInterval: 10 * time.Millisecond})
	require.NoError(t, pool.Start(1))
	tok := src.push("long", nil, time.Minute)
	src.mu.Lock()
	src.cancel[tok] = true
	src.mu.Unlock()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not canceled by heartbeat")
	}
	waitReported(t, src, 1)
	src.mu.Lock()
	assert.Positive(t, src.heartbeats)
	src.mu.Unlock()
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestStopWaitsForInFlightWork(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, reg.RegisterFunc("held", func(ctx context.Context, _ types.Payload) (types.Payload, error) {
		close(started)
		<-release
		return codec.Encode("done")
	}))

	pool := NewPool(src, reg, Config{})
	require.NoError(t, pool.Start(1))
	tok := src.push("held", nil, time.Minute)
	<-started

	stopErr := make(chan error, 1)
	go func() { stopErr <- pool.Stop(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopErr)
	assert.True(t, src.outcome(tok).Succeeded())
}

func TestStopDeadlineAbandonsAttempts(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry()
	started := make(chan struct{})
	require.NoError(t, reg.RegisterFunc("stuck", func(ctx context.Context, _ types.Payload) (types.Payload, error) {
		close(started)
		<-ctx.Done()
		return types.Payload{}, ctx.Err()
	}))

	pool := NewPool(src, reg, Config{})
	require.NoError(t, pool.Start(1))
	tok := src.push("stuck", nil, time.Minute)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Stop(ctx), context.DeadlineExceeded)

	src.mu.Lock()
	_, reported := src.reports[tok]
	src.mu.Unlock()
	assert.False(t, reported, "abandoned attempt must be left to the dispatcher")
}
