package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *eventlog.MemoryStore
	clock *clock.Manual
	d     *Dispatcher
	key   types.RunKey

	mu       sync.Mutex
	notified []types.RunKey
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: eventlog.NewMemoryStore(),
		clock: clock.NewManual(start),
		key:   types.RunKey{ExecutionID: "order-1", RunID: 1},
	}
	f.d = New(f.store, f.clock, cfg, WithNotify(func(k types.RunKey) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notified = append(f.notified, k)
	}))
	t.Cleanup(f.d.Close)
	_, err := f.store.Append(context.Background(), f.key, types.Event{Seq: 1, Kind: types.EventExecutionStarted, Timestamp: start})
	require.NoError(t, err)
	return f
}

// scheduled appends the WorkScheduled event of an item, the way the
// executor does before calling Schedule.
func (f *fixture) scheduled(t *testing.T, item types.WorkItem) types.WorkItem {
	t.Helper()
	_, err := eventlog.AppendWith(context.Background(), f.store, f.key, func([]types.Event) ([]types.Event, error) {
		it := item
		return []types.Event{{Kind: types.EventWorkScheduled, Timestamp: start, Decision: 1, WorkItem: &it}}, nil
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) history(t *testing.T) []types.Event {
	t.Helper()
	h, err := eventlog.ReadAll(context.Background(), f.store, f.key)
	require.NoError(t, err)
	return h
}

func (f *fixture) outcomes(t *testing.T) []types.Event {
	var out []types.Event
	for _, ev := range f.history(t) {
		if ev.Kind == types.EventWorkCompleted || ev.Kind == types.EventWorkFailed {
			out = append(out, ev)
		}
	}
	return out
}

func pollOne(t *testing.T, d *Dispatcher) types.WorkTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tasks, err := d.Poll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestScheduleAndReport(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.scheduled(t, types.WorkItem{ID: "charge-1", Name: "charge", Attempt: 1})

	token, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)
	again, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)
	assert.Equal(t, token, again, "scheduling twice is idempotent")

	task := pollOne(t, f.d)
	assert.Equal(t, token, task.Token)
	assert.Equal(t, "charge", task.Item.Name)

	out := types.Outcome{Output: types.Payload{Encoding: "json/plain", Data: []byte(`"ch_1"`)}}
	require.NoError(t, f.d.Report(context.Background(), task.Token, out))
	require.NoError(t, f.d.Report(context.Background(), task.Token, out), "duplicate report is a no-op")

	outcomes := f.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, types.EventWorkCompleted, outcomes[0].Kind)
	assert.Equal(t, "charge-1", outcomes[0].WorkItemID)
	assert.Equal(t, `"ch_1"`, string(outcomes[0].Payload.Data))
	assert.Equal(t, []types.RunKey{f.key}, f.notified)

	cancelled, err := f.d.Heartbeat(context.Background(), task.Token)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestConcurrentReportsRecordOnce(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.scheduled(t, types.WorkItem{ID: "ship-1", Name: "ship", Attempt: 1})
	token, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.d.Report(context.Background(), token, types.Outcome{}))
		}()
	}
	wg.Wait()
	assert.Len(t, f.outcomes(t), 1)
}

func TestReportUnknownAttempt(t *testing.T) {
	f := newFixture(t, Config{})
	token := NewToken(f.key, types.WorkItem{ID: "ghost-1", Attempt: 1}).String()
	err := f.d.Report(context.Background(), token, types.Outcome{})
	assert.ErrorIs(t, err, ErrUnknownWork)

	err = f.d.Report(context.Background(), "not a token", types.Outcome{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStartToCloseTimeout(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.scheduled(t, types.WorkItem{ID: "charge-1", Name: "charge", Attempt: 1, StartToClose: 5 * time.Second})
	_, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)
	task := pollOne(t, f.d)

	f.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(f.outcomes(t)) == 1 }, time.Second, 5*time.Millisecond)

	failed := f.outcomes(t)[0]
	assert.Equal(t, types.EventWorkFailed, failed.Kind)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, types.KindTimeout, failed.Failure.Kind)
	assert.Equal(t, types.TimeoutStartToClose, failed.Failure.TimeoutType)
	assert.False(t, failed.Failure.NonRetryable)

	require.NoError(t, f.d.Report(context.Background(), task.Token, types.Outcome{}), "late report is ignored")
	assert.Len(t, f.outcomes(t), 1)
}

func TestScheduleToCloseIsNonRetryable(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.scheduled(t, types.WorkItem{
		ID: "charge-1", Name: "charge", Attempt: 1,
		ScheduledAt: start, ScheduleToClose: 10 * time.Second,
	})
	_, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(f.outcomes(t)) == 1 }, time.Second, 5*time.Millisecond)
	failed := f.outcomes(t)[0]
	assert.Equal(t, types.TimeoutScheduleToClose, failed.Failure.TimeoutType)
	assert.True(t, failed.Failure.NonRetryable)

	queued, inFlight := f.d.Stats()
	assert.Zero(t, queued, "an expired task leaves the queue")
	assert.Zero(t, inFlight)
}

func TestPolicyExcludedTypeIsNonRetryable(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.scheduled(t, types.WorkItem{
		ID: "charge-1", Name: "charge", Attempt: 1,
		RetryPolicy: &types.RetryPolicy{NonRetryableErrorTypes: []string{"CardDeclined"}},
	})
	token, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)

	require.NoError(t, f.d.Report(context.Background(), token, types.Outcome{
		Failure: &types.Failure{Type: "CardDeclined", Message: "declined"},
	}))
	failed := f.outcomes(t)[0]
	assert.Equal(t, types.KindApplication, failed.Failure.Kind)
	assert.True(t, failed.Failure.NonRetryable)
}

func TestClosedRunIgnoresOutcomes(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.scheduled(t, types.WorkItem{ID: "charge-1", Name: "charge", Attempt: 1})
	token, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)

	_, err = f.store.Append(context.Background(), f.key, types.Event{Seq: 3, Kind: types.EventExecutionCancelled})
	require.NoError(t, err)

	require.NoError(t, f.d.Report(context.Background(), token, types.Outcome{}))
	assert.Empty(t, f.outcomes(t))
	assert.Empty(t, f.notified)
}

func TestTimerFiresOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.d.StartTimer(ctx, f.key, "sleep-2", start.Add(time.Minute)))
	require.NoError(t, f.d.StartTimer(ctx, f.key, "sleep-2", start.Add(time.Minute)))
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(30 * time.Second)
	assert.Never(t, func() bool { return len(f.history(t)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(f.history(t)) == 2 }, time.Second, 5*time.Millisecond)
	fired := f.history(t)[1]
	assert.Equal(t, types.EventTimerFired, fired.Kind)
	assert.Equal(t, "sleep-2", fired.TimerID)
	assert.True(t, start.Add(time.Minute).Equal(fired.Timestamp))
}

func TestForgetRunDropsQueuedWork(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.scheduled(t, types.WorkItem{ID: "charge-1", Name: "charge", Attempt: 1, ScheduledAt: start, ScheduleToClose: time.Hour})
	_, err := f.d.Schedule(context.Background(), f.key, item)
	require.NoError(t, err)
	require.NoError(t, f.d.StartTimer(context.Background(), f.key, "t", start.Add(time.Hour)))
	assert.Equal(t, 2, f.clock.Pending())

	f.d.ForgetRun(f.key)
	queued, _ := f.d.Stats()
	assert.Zero(t, queued)
	assert.Zero(t, f.clock.Pending())
}

func TestPollHonoursContext(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.d.Poll(ctx, 4)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollReturnsBatches(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1000, Burst: 10})
	for _, id := range []string{"a-1", "b-2", "c-3"} {
		item := f.scheduled(t, types.WorkItem{ID: id, Name: "noop", Attempt: 1})
		_, err := f.d.Schedule(context.Background(), f.key, item)
		require.NoError(t, err)
	}
	tasks, err := f.d.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "a-1", tasks[0].Item.ID, "dispatch is FIFO")

	_, inFlight := f.d.Stats()
	assert.Equal(t, 3, inFlight)
}

func TestClosedDispatcher(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Close()
	_, err := f.d.Schedule(context.Background(), f.key, types.WorkItem{ID: "x-1", Attempt: 1})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	_, err = f.d.Poll(context.Background(), 1)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestTokenRoundTrip(t *testing.T) {
	tok := NewToken(types.RunKey{ExecutionID: "a/b", RunID: 3}, types.WorkItem{ID: "charge-1", Attempt: 2})
	got, err := ParseToken(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, got)
}
