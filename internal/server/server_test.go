package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/internal/dispatch"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// fakeDispatcher serves queued tasks and remembers reports.
type fakeDispatcher struct {
	mu      sync.Mutex
	queue   []types.WorkTask
	reports map[string]types.Outcome
	known   map[string]bool
}

func (d *fakeDispatcher) Poll(ctx context.Context, max int) ([]types.WorkTask, error) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			n := min(max, len(d.queue))
			out := append([]types.WorkTask(nil), d.queue[:n]...)
			d.queue = d.queue[n:]
			d.mu.Unlock()
			return out, nil
		}
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (d *fakeDispatcher) Report(_ context.Context, token string, outcome types.Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if token == "garbage" {
		return dispatch.ErrInvalidToken
	}
	if !d.known[token] {
		return dispatch.ErrUnknownWork
	}
	d.reports[token] = outcome
	return nil
}

func (d *fakeDispatcher) Heartbeat(_ context.Context, token string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, done := d.reports[token]
	return done, nil
}

func startServer(t *testing.T, d Dispatcher, opts ...Option) (*Server, *grpc.ClientConn) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(d, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return s, conn
}

func newFakeDispatcher(tasks ...types.WorkTask) *fakeDispatcher {
	d := &fakeDispatcher{reports: make(map[string]types.Outcome), known: make(map[string]bool)}
	for _, t := range tasks {
		d.queue = append(d.queue, t)
		d.known[t.Token] = true
	}
	return d
}

func TestPollRoundTripsTasks(t *testing.T) {
	task := types.WorkTask{
		Token:       "tok-1",
		ExecutionID: "order-7",
		RunID:       2,
		Item: types.WorkItem{
			ID:           "charge-1",
			Name:         "charge",
			Attempt:      3,
			Input:        codec.MustEncode(map[string]int{"cents": 1250}),
			StartToClose: 30 * time.Second,
			RetryPolicy:  &types.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: 100 * time.Second},
		},
	}
	_, conn := startServer(t, newFakeDispatcher(task))
	c := NewClient(conn, "worker-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.PollWork(ctx, 4)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, task.Token, got[0].Token)
	assert.Equal(t, task.ExecutionID, got[0].ExecutionID)
	assert.Equal(t, task.RunID, got[0].RunID)
	assert.Equal(t, task.Item.ID, got[0].Item.ID)
	assert.Equal(t, task.Item.Attempt, got[0].Item.Attempt)
	assert.Equal(t, task.Item.StartToClose, got[0].Item.StartToClose)
	assert.Equal(t, task.Item.Input, got[0].Item.Input)
	require.NotNil(t, got[0].Item.RetryPolicy)
	assert.Equal(t, 100*time.Second, got[0].Item.RetryPolicy.MaximumInterval)
}

func TestPollTimeoutReturnsNoTasks(t *testing.T) {
	_, conn := startServer(t, newFakeDispatcher(), WithPollTimeout(30*time.Millisecond))
	c := NewClient(conn, "worker-a")

	got, err := c.PollWork(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReportAndHeartbeat(t *testing.T) {
	d := newFakeDispatcher(types.WorkTask{Token: "tok-1", Item: types.WorkItem{ID: "a", Name: "a", Attempt: 1}})
	s, conn := startServer(t, d)
	c := NewClient(conn, "worker-b")
	ctx := context.Background()

	cancelled, err := c.Heartbeat(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	f := &types.Failure{Kind: types.KindApplication, Type: "CardDeclined", Message: "declined", NonRetryable: true}
	require.NoError(t, c.ReportOutcome(ctx, "tok-1", types.Outcome{Failure: f}))

	d.mu.Lock()
	assert.Equal(t, f, d.reports["tok-1"].Failure)
	d.mu.Unlock()

	cancelled, err = c.Heartbeat(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	workers := s.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-b", workers[0].NodeID)
	assert.Equal(t, 1, workers[0].Reports)
}

func TestDispatcherErrorsSurviveTheWire(t *testing.T) {
	_, conn := startServer(t, newFakeDispatcher())
	c := NewClient(conn, "worker-c")
	ctx := context.Background()

	assert.ErrorIs(t, c.ReportOutcome(ctx, "garbage", types.Outcome{}), dispatch.ErrInvalidToken)
	assert.ErrorIs(t, c.ReportOutcome(ctx, "tok-unknown", types.Outcome{}), dispatch.ErrUnknownWork)
}

func TestHealthServiceIsServing(t *testing.T) {
	_, conn := startServer(t, newFakeDispatcher())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
