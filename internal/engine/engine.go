// ============================================================================
// Durable Exec - engine
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: wire the event log, execution table, dispatcher, replay executor
// and message router together, and recover them after a restart.
//
// Moving parts:
//   - drive loops: one coalesced goroutine per execution with work to do;
//     a drive request while a drive runs is folded into one more drive
//   - dispatcher: notifies the engine after every recorded outcome or timer
//   - router: wakes the engine after every appended message
//   - snapshot loop: persists the execution table every interval and at stop
//   - local pool (optional): worker goroutines polling the dispatcher
//
// Recovery (Start):
//   1. load the table snapshot
//   2. reconcile it with the logs in the store (runs started after the
//      snapshot, runs closed after it)
//   3. drive every open run: replay rebuilds its state, re-dispatches work
//      without an outcome and re-arms timers that have not fired
//
// Halting:
//   A replay divergence or a workflow missing from the registry parks the
//   run (executions.Manager.Halt). It stays open and undriven until Resume.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/dispatch"
	"github.com/ChuLiYu/durable-exec/internal/executions"
	"github.com/ChuLiYu/durable-exec/internal/metrics"
	"github.com/ChuLiYu/durable-exec/internal/replay"
	"github.com/ChuLiYu/durable-exec/internal/router"
	"github.com/ChuLiYu/durable-exec/internal/snapshot"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/internal/worker"
	"github.com/ChuLiYu/durable-exec/pkg/failure"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

var (
	// ErrEngineStopped is returned by operations after Stop.
	ErrEngineStopped = errors.New("engine stopped")
	// ErrEngineNotStarted is returned by Stop before Start.
	ErrEngineNotStarted = errors.New("engine not started")
	// ErrNotHalted is returned by Resume for runs that are not halted.
	ErrNotHalted = errors.New("execution is not halted")
	// ErrHalted is returned by GetResult for a run that stopped on a replay
	// divergence or a missing workflow. The halt cause is wrapped with it.
	ErrHalted = errors.New("execution is halted")
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes an engine. The zero value runs without snapshots and
// without local workers.
type Config struct {
	// SnapshotPath enables table snapshots when set.
	SnapshotPath     string
	SnapshotInterval time.Duration
	// SnapshotBackups keeps this many older snapshots next to the current one.
	SnapshotBackups int

	// SuggestContinueAsNew is the history length past which
	// ContinueAsNewSuggested reports true. Zero keeps the default.
	SuggestContinueAsNew int

	Dispatch dispatch.Config

	// Workers is the number of local worker goroutines. Zero runs none;
	// remote workers poll through the work service instead.
	Workers int
	Worker  worker.Config

	// DriveRetryDelay spaces out drives that failed on storage errors.
	DriveRetryDelay time.Duration
}

// Option customizes an engine.
type Option func(*Engine)

// WithLogger sets the logger of the engine and its components.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithMetrics feeds a collector from every component.
func WithMetrics(c *metrics.Collector) Option { return func(e *Engine) { e.metrics = c } }

// WithHandlers registers work handlers for the local pool.
func WithHandlers(r *worker.Registry) Option { return func(e *Engine) { e.handlers = r } }

// ============================================================================
// Engine
// ============================================================================

// Engine runs durable executions against one event store.
type Engine struct {
	cfg       Config
	store     eventlog.Store
	workflows *workflow.Registry
	handlers  *worker.Registry
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Collector

	execs      *executions.Manager
	dispatcher *dispatch.Dispatcher
	executor   *replay.Executor
	router     *router.Router
	pool       *worker.Pool
	snapshots  *snapshot.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	drives  map[types.ExecutionID]*driveSlot
	started bool
	stopped bool
	wg      sync.WaitGroup
	loopWg  sync.WaitGroup
	stopCh  chan struct{}
}

type driveSlot struct {
	running bool
	pending bool
}

// New builds an engine. Nothing runs until Start.
//
// Parameters:
//   - store: event log backend; the caller closes it after Stop
//   - workflows: orchestration functions by name
//   - cfg: engine settings
//
// Returns:
//   - *Engine: the wired engine
func New(store eventlog.Store, workflows *workflow.Registry, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		workflows: workflows,
		clock:     clock.Real{},
		log:       slog.Default(),
		execs:     executions.NewManager(),
		drives:    make(map[types.ExecutionID]*driveSlot),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.DriveRetryDelay <= 0 {
		e.cfg.DriveRetryDelay = time.Second
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(e.log.With("component", "dispatch")),
		dispatch.WithNotify(func(key types.RunKey) { e.requestDrive(key.ExecutionID) }),
	}
	replayOpts := []replay.Option{replay.WithLogger(e.log)}
	if cfg.SuggestContinueAsNew > 0 {
		replayOpts = append(replayOpts, replay.WithSuggestContinueAsNew(cfg.SuggestContinueAsNew))
	}
	routerOpts := []router.Option{router.WithLogger(e.log.With("component", "router"))}
	if e.metrics != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(e.metrics))
		routerOpts = append(routerOpts, router.WithObserver(e.metrics))
		e.execs.AddListener(e.metrics)
	}

	e.dispatcher = dispatch.New(store, e.clock, cfg.Dispatch, dispatchOpts...)
	e.executor = replay.New(store, workflows, e.dispatcher, e.clock, replayOpts...)
	e.router = router.New(store, e.execs, e.executor, e.clock, e.requestDrive, routerOpts...)

	if cfg.SnapshotPath != "" {
		e.snapshots = snapshot.NewManager(cfg.SnapshotPath)
	}
	if cfg.Workers > 0 && e.handlers != nil {
		e.pool = worker.NewPool(e.dispatcher, e.handlers, cfg.Worker,
			worker.WithLogger(e.log.With("component", "worker")))
	}
	return e
}

// Dispatcher exposes the task queue, for the remote work service.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Executions exposes the execution table, for listeners and tooling.
func (e *Engine) Executions() *executions.Manager { return e.execs }

// Client returns the caller-facing API of the engine.
func (e *Engine) Client() *Client { return &Client{e: e} }

// Start recovers state and begins driving runs.
//
// Returns:
//   - error: snapshot or log reconciliation failure
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	begin := time.Now()
	e.log.Info("Starting recovery...")

	if e.snapshots != nil {
		data, err := e.snapshots.Load()
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		e.execs.Restore(data)
	}
	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile logs: %w", err)
	}

	open := e.execs.OpenRuns()
	for _, key := range open {
		e.requestDrive(key.ExecutionID)
	}
	if e.metrics != nil {
		e.metrics.SetOpen(len(open))
		e.metrics.SetRecoveryTime(time.Since(begin))
	}
	e.log.Info("Recovery completed", "duration", time.Since(begin), "open_runs", len(open))

	if e.pool != nil {
		if err := e.pool.Start(e.cfg.Workers); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	if e.snapshots != nil && e.cfg.SnapshotInterval > 0 {
		e.loopWg.Add(1)
		go e.snapshotLoop()
	}
	return nil
}

// Stop shuts the engine down: local workers finish their attempts, drives
// finish, timers stop and a final snapshot is written.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.log.Info("Stopping engine...")
	var errs []error
	if e.pool != nil {
		if err := e.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker pool: %w", err))
		}
	}

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	close(e.stopCh)
	e.cancel()
	e.dispatcher.Close()
	e.wg.Wait()
	e.loopWg.Wait()

	if e.snapshots != nil {
		if err := e.takeSnapshot(); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
	}
	e.log.Info("Engine stopped")
	return errors.Join(errs...)
}

// ============================================================================
// Drive loops
// ============================================================================

// requestDrive makes sure the current run of id is driven at least once
// after this call.
func (e *Engine) requestDrive(id types.ExecutionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	slot, ok := e.drives[id]
	if !ok {
		slot = &driveSlot{}
		e.drives[id] = slot
	}
	if slot.running {
		slot.pending = true
		return
	}
	slot.running = true
	e.wg.Add(1)
	go e.driveLoop(id, slot)
}

func (e *Engine) driveLoop(id types.ExecutionID, slot *driveSlot) {
	defer e.wg.Done()
	for {
		e.driveOnce(id)

		e.mu.Lock()
		if !slot.pending || e.stopped {
			slot.running = false
			delete(e.drives, id)
			e.mu.Unlock()
			return
		}
		slot.pending = false
		e.mu.Unlock()
	}
}

func (e *Engine) driveOnce(id types.ExecutionID) {
	rec, err := e.execs.Get(id)
	if err != nil || rec.Status != types.StatusRunning || rec.Halted != nil {
		return
	}
	key := rec.Key()

	begin := time.Now()
	res, err := e.executor.Drive(e.ctx, key)
	if e.metrics != nil {
		e.metrics.RecordDrive(time.Since(begin))
	}
	if err != nil {
		e.driveFailed(key, err)
		return
	}

	e.router.Observe(key, res.Appended)
	if res.Terminal != nil {
		e.closeRun(key, *res.Terminal)
	}
}

// driveFailed halts runs that cannot make progress without a code change
// and retries the rest later.
func (e *Engine) driveFailed(key types.RunKey, err error) {
	if e.ctx.Err() != nil {
		return
	}
	log := e.log.With("execution", key.ExecutionID, "run", key.RunID)

	var divergence *failure.ReplayDivergenceError
	var ge *apperrors.Error
	switch {
	case errors.As(err, &divergence):
		if e.metrics != nil {
			e.metrics.RecordDivergence()
		}
		fallthrough
	case errors.As(err, &ge) && ge.TextCode == workflow.ErrCodeNotFound,
		errors.Is(err, replay.ErrNotStarted):
		log.Error("Run halted", "error", err)
		if herr := e.execs.Halt(key, failure.ToFailure(err)); herr != nil {
			log.Warn("Failed to halt run", "error", herr)
		}
	default:
		log.Warn("Drive failed, retrying", "error", err, "delay", e.cfg.DriveRetryDelay)
		e.clock.AfterFunc(e.cfg.DriveRetryDelay, func() { e.requestDrive(key.ExecutionID) })
	}
}

// closeRun moves the table to the terminal state of a run.
func (e *Engine) closeRun(key types.RunKey, ev types.Event) {
	defer e.dispatcher.ForgetRun(key)
	if ev.Kind == types.EventExecutionContinuedAsNew {
		e.continueAsNew(key, ev)
		return
	}

	var result types.Payload
	if ev.Kind == types.EventExecutionCompleted {
		result = ev.Payload
	}
	if err := e.execs.Close(key, ev.Kind.Status(), result, ev.Failure, ev.Timestamp); err != nil {
		e.log.Debug("Run already moved on", "execution", key.ExecutionID, "run", key.RunID, "error", err)
		return
	}
	e.log.Info("Run closed", "execution", key.ExecutionID, "run", key.RunID, "status", ev.Kind.Status())
}

// continueAsNew seeds the next run with the continuation input. Seeding is
// idempotent so that recovery can repeat it.
func (e *Engine) continueAsNew(key types.RunKey, ev types.Event) {
	unlock := e.execs.Lock(key.ExecutionID)
	defer unlock()

	next := types.RunKey{ExecutionID: key.ExecutionID, RunID: ev.NextRunID}
	if next.RunID == 0 {
		next.RunID = key.RunID + 1
	}
	now := e.clock.Now()
	_, err := eventlog.AppendWith(e.ctx, e.store, next, func(history []types.Event) ([]types.Event, error) {
		if len(history) > 0 {
			return nil, nil
		}
		return []types.Event{{
			Kind:       types.EventExecutionStarted,
			Timestamp:  now,
			Workflow:   ev.Workflow,
			RunTimeout: ev.RunTimeout,
			Payload:    ev.Payload,
		}}, nil
	})
	if err != nil {
		e.log.Error("Failed to seed next run", "execution", key.ExecutionID, "run", next.RunID, "error", err)
		return
	}
	if _, err := e.execs.ContinueAsNew(key, now); err != nil {
		e.log.Warn("Continue-as-new transition failed", "execution", key.ExecutionID, "error", err)
		return
	}
	e.log.Info("Continued as new", "execution", key.ExecutionID, "from", key.RunID, "to", next.RunID)
	e.requestDrive(key.ExecutionID)
}

// ============================================================================
// Executions
// ============================================================================

// StartOptions tunes one execution.
type StartOptions struct {
	// RunTimeout closes each run as timed out once it elapses. Zero means none.
	RunTimeout time.Duration
}

func (e *Engine) start(ctx context.Context, id types.ExecutionID, name string, input types.Payload, opts StartOptions) (types.RunKey, error) {
	if e.isStopped() {
		return types.RunKey{}, ErrEngineStopped
	}
	if _, err := e.workflows.Lookup(name); err != nil {
		return types.RunKey{}, err
	}
	if id == "" {
		id = types.ExecutionID(uuid.NewString())
	}

	unlock := e.execs.Lock(id)
	defer unlock()

	if rec, err := e.execs.Get(id); err == nil && rec.Status == types.StatusRunning {
		return types.RunKey{}, fmt.Errorf("%w: %s", executions.ErrAlreadyRunning, id)
	}
	key := types.RunKey{ExecutionID: id, RunID: e.execs.NextRun(id)}
	now := e.clock.Now()

	batch := []types.Event{{
		Kind:       types.EventExecutionStarted,
		Timestamp:  now,
		Workflow:   name,
		RunTimeout: opts.RunTimeout,
		Payload:    input,
	}}
	if key.RunID == 1 {
		inbox, err := eventlog.ReadAll(ctx, e.store, types.InboxKey(id))
		if err != nil {
			return types.RunKey{}, fmt.Errorf("read inbox: %w", err)
		}
		for _, ev := range inbox {
			if ev.Kind != types.EventMessageReceived {
				continue
			}
			ev.Seq = 0
			ev.Timestamp = now
			batch = append(batch, ev)
		}
	}

	if _, err := eventlog.AppendWith(ctx, e.store, key, func(history []types.Event) ([]types.Event, error) {
		if len(history) > 0 {
			return nil, fmt.Errorf("%w: log of %s already exists", executions.ErrAlreadyRunning, key)
		}
		return append([]types.Event(nil), batch...), nil
	}); err != nil {
		return types.RunKey{}, err
	}
	if _, err := e.execs.Open(id, name, now); err != nil {
		return types.RunKey{}, err
	}

	e.log.Info("Execution started", "execution", id, "run", key.RunID, "workflow", name,
		"buffered_signals", len(batch)-1)
	e.requestDrive(id)
	return key, nil
}

// resume clears the halt of a run and drives it again.
func (e *Engine) resume(id types.ExecutionID) error {
	key, err := e.execs.Resume(id)
	if err != nil {
		return err
	}
	e.log.Info("Run resumed", "execution", id, "run", key.RunID)
	e.requestDrive(id)
	return nil
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// ============================================================================
// Recovery
// ============================================================================

// runLister is implemented by stores that can enumerate their runs.
type runLister interface {
	Keys(ctx context.Context) ([]types.RunKey, error)
}

type runListerNoCtx interface {
	Keys() ([]types.RunKey, error)
}

type runListerPlain interface {
	Keys() []types.RunKey
}

func listRuns(ctx context.Context, s eventlog.Store) ([]types.RunKey, bool, error) {
	switch l := s.(type) {
	case runLister:
		keys, err := l.Keys(ctx)
		return keys, true, err
	case runListerNoCtx:
		keys, err := l.Keys()
		return keys, true, err
	case runListerPlain:
		return l.Keys(), true, nil
	}
	return nil, false, nil
}

// reconcile brings the restored table up to date with the logs. Stores
// that cannot list their runs rely on the snapshot alone.
func (e *Engine) reconcile(ctx context.Context) error {
	keys, ok, err := listRuns(ctx, e.store)
	if err != nil || !ok {
		return err
	}

	latest := make(map[types.ExecutionID]types.RunID)
	for _, k := range keys {
		if cur, seen := latest[k.ExecutionID]; !seen || k.RunID > cur {
			latest[k.ExecutionID] = k.RunID
		}
	}
	ids := make([]types.ExecutionID, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data := e.execs.Snapshot()
	changed := 0
	for _, id := range ids {
		run := latest[id]
		if rec := data.Executions[id]; rec != nil && rec.RunID >= run && rec.Status != types.StatusPending {
			continue
		}
		history, err := eventlog.ReadAll(ctx, e.store, types.RunKey{ExecutionID: id, RunID: run})
		if err != nil {
			return err
		}
		if len(history) == 0 {
			continue
		}
		data.Executions[id] = recordFromHistory(id, run, history)
		changed++
	}
	if changed > 0 {
		e.execs.Restore(data)
		e.log.Info("Reconciled execution table with event logs", "updated", changed)
	}
	return nil
}

// recordFromHistory rebuilds a table row from a run's log. A run that
// continued as new is left running so that its drive seeds the next run.
func recordFromHistory(id types.ExecutionID, run types.RunID, history []types.Event) *types.ExecutionRecord {
	if run == 0 {
		return &types.ExecutionRecord{ID: id, Status: types.StatusPending, Buffered: len(history)}
	}
	first, last := history[0], history[len(history)-1]
	rec := &types.ExecutionRecord{
		ID:        id,
		RunID:     run,
		Workflow:  first.Workflow,
		Status:    types.StatusRunning,
		StartedAt: first.Timestamp,
	}
	if last.Kind.IsTerminal() && last.Kind != types.EventExecutionContinuedAsNew {
		rec.Status = last.Kind.Status()
		rec.ClosedAt = last.Timestamp
		rec.Failure = last.Failure
		if last.Kind == types.EventExecutionCompleted {
			rec.Result = last.Payload
		}
	}
	return rec
}

// ============================================================================
// Snapshots
// ============================================================================

func (e *Engine) snapshotLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.takeSnapshot(); err != nil {
				e.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

func (e *Engine) takeSnapshot() error {
	begin := time.Now()
	data := e.execs.Snapshot()
	data.TakenAt = e.clock.Now()

	var err error
	if e.cfg.SnapshotBackups > 0 {
		err = e.snapshots.WriteWithBackup(data, e.cfg.SnapshotBackups)
	} else {
		err = e.snapshots.Write(data)
	}
	if err != nil {
		return err
	}
	e.log.Debug("Snapshot taken", "duration", time.Since(begin), "executions", len(data.Executions))
	return nil
}
