// ============================================================================
// Durable Exec - worker pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: run N workers that pull attempts from a Source and report their
// outcomes.
//
// Architecture:
//   ┌─────────────┐  Poll(free slots)   ┌──────────┐
//   │   Source    │ ──────────────────> │  poller  │
//   └─────────────┘                     └────┬─────┘
//         ↑                                  │ taskCh
//     Report / Heartbeat               ┌─────┴──────┐
//         │                            │ Worker 1..N│ ──> resultCh
//         └────────────────────────────┴────────────┘
//
// The poller never holds more tasks than there are idle workers, so a
// task taken from the source is always started promptly.
//
// Lifecycle:
//   1. NewPool() - configure the pool
//   2. Start(n) - start n workers and the poller
//   3. Results() - optional stream of finished attempts
//   4. Stop(ctx) - stop polling, let in-flight attempts finish and report;
//      when ctx ends first, in-flight handlers are canceled and their
//      attempts are left for the dispatcher's timeouts
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned by Start after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Stop before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// pollBackoff is the pause after a failed poll.
const pollBackoff = 100 * time.Millisecond

// ============================================================================
// Configuration
// ============================================================================

// Config tunes a pool.
type Config struct {
	// HeartbeatInterval is how often a running attempt pings the source.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// DefaultTimeout bounds attempts whose item has no StartToClose.
	DefaultTimeout time.Duration
	// ResultBuffer sizes the Results channel.
	ResultBuffer int
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		DefaultTimeout:    time.Minute,
		ResultBuffer:      64,
	}
}

// Option customizes a pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.log = l } }

// WithTracer sets the tracer used for per-attempt spans.
func WithTracer(t trace.Tracer) Option { return func(p *Pool) { p.tracer = t } }

// ============================================================================
// Pool
// ============================================================================

// Pool runs workers against a Source.
type Pool struct {
	source   Source
	registry *Registry
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer

	workers  []*Worker
	taskCh   chan types.WorkTask
	resultCh chan Result
	slots    chan struct{}

	pollCtx    context.Context
	pollCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	// reportCtx outlives Stop so that finished attempts can still report.
	reportCtx context.Context

	pollWg  sync.WaitGroup
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool creates a pool.
//
// Parameters:
//   - source: Where attempts come from and outcomes go.
//   - registry: Handlers by work item name.
//   - cfg: Pool settings. Zero fields take DefaultConfig values.
//
// Returns:
//   - *Pool: A pool that is not yet running.
func NewPool(source Source, registry *Registry, cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = def.ResultBuffer
	}
	p := &Pool{
		source:   source,
		registry: registry,
		cfg:      cfg,
		log:      slog.Default(),
		tracer:   otel.Tracer("github.com/ChuLiYu/durable-exec/internal/worker"),
		taskCh:   make(chan types.WorkTask),
		resultCh: make(chan Result, cfg.ResultBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	p.pollCtx, p.pollCancel = context.WithCancel(context.Background())
	p.execCtx, p.execCancel = context.WithCancel(context.Background())
	p.reportCtx = context.Background()
	return p
}

// Start launches workerCount workers and begins polling.
//
// Returns:
//   - error: If the pool was already started or stopped.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	p.slots = make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.pollWg.Add(1)
	go func() {
		defer p.pollWg.Done()
		p.poll()
	}()

	p.started = true
	p.log.Info("Worker pool started", "workers", workerCount, "handlers", p.registry.Names())
	return nil
}

// poll pulls as many tasks as there are idle workers.
func (p *Pool) poll() {
	for {
		// Wait for one idle worker, then claim any others.
		select {
		case p.slots <- struct{}{}:
		case <-p.pollCtx.Done():
			return
		}
		free := 1
	claim:
		for free < cap(p.slots) {
			select {
			case p.slots <- struct{}{}:
				free++
			default:
				break claim
			}
		}

		tasks, err := p.source.Poll(p.pollCtx, free)
		if err != nil {
			p.release(free)
			if p.pollCtx.Err() != nil {
				return
			}
			p.log.Warn("Poll failed", "error", err)
			select {
			case <-time.After(pollBackoff):
			case <-p.pollCtx.Done():
				return
			}
			continue
		}

		p.release(free - len(tasks))
		for _, t := range tasks {
			p.taskCh <- t
		}
	}
}

func (p *Pool) release(n int) {
	for i := 0; i < n; i++ {
		<-p.slots
	}
}

// Results streams finished attempts. Results are dropped when the buffer
// is full.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop stops polling and waits for in-flight attempts. When ctx ends first,
// running handlers are canceled and Stop returns ctx.Err().
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.pollCancel()
	p.pollWg.Wait()
	close(p.taskCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.execCancel()
		<-done
	}
	p.execCancel()
	close(p.resultCh)
	p.log.Info("Worker pool stopped")
	return err
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded and Stop has not been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
