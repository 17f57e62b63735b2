// ============================================================================
// Durable Exec - execution table
// ============================================================================
//
// Package: internal/executions
// File: manager.go
// Purpose: the in-memory table of executions, one record per ID pointing at
// its current run.
//
// Lifecycle of a record:
//   (absent) --Reserve--> pending --Open--> running
//   running --Close--> completed | failed | cancelled | timed_out
//   running --ContinueAsNew--> running (RunID+1)
//   final   --Open--> running (RunID+1)
//
// The table is a read model of the event logs: every transition happens
// after the matching event was appended. Snapshot/Restore persist it so that
// recovery knows which runs to re-drive without scanning every log.
//
// Concurrency:
//   - one RWMutex guards the map
//   - Lock(id) is a per-execution mutex held by writers that must check and
//     append atomically with respect to each other (start, signal, cancel,
//     continue-as-new)
//   - Wait blocks on a broadcast channel replaced on every change
//
// ============================================================================

package executions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

var (
	// ErrExecutionNotFound is returned for IDs the table has never seen.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrAlreadyRunning is returned when starting an ID whose run is open.
	ErrAlreadyRunning = errors.New("execution already running")
	// ErrNotRunning is returned when a running run was required.
	ErrNotRunning = errors.New("execution not running")
	// ErrStaleRun is returned when the caller addressed a run that is no
	// longer the current one.
	ErrStaleRun = errors.New("run is not the current run")
)

// SchemaVersion is written into snapshots.
const SchemaVersion = 1

// Listener observes every state change of the table. Calls happen outside
// the table lock, in transition order per execution.
type Listener interface {
	OnTransition(prev types.Status, rec *types.ExecutionRecord)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(prev types.Status, rec *types.ExecutionRecord)

func (f ListenerFunc) OnTransition(prev types.Status, rec *types.ExecutionRecord) { f(prev, rec) }

// Manager is the execution table.
type Manager struct {
	mu        sync.RWMutex
	execs     map[types.ExecutionID]*types.ExecutionRecord
	changed   chan struct{}
	listeners []Listener
	notifyMu  sync.Mutex

	locks keyedMutex
}

// NewManager returns an empty table.
func NewManager() *Manager {
	return &Manager{
		execs:   make(map[types.ExecutionID]*types.ExecutionRecord),
		changed: make(chan struct{}),
		locks:   keyedMutex{entries: make(map[types.ExecutionID]*lockEntry)},
	}
}

// AddListener registers a read-model observer.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Lock takes the per-execution writer lock and returns its release func.
func (m *Manager) Lock(id types.ExecutionID) (unlock func()) {
	return m.locks.lock(id)
}

// Reserve records a pending execution so that signals sent before Start
// can be counted. It is a no-op for IDs that already exist.
//
// Returns:
//   - the record after the call
func (m *Manager) Reserve(id types.ExecutionID) *types.ExecutionRecord {
	m.mu.Lock()
	rec, ok := m.execs[id]
	if !ok {
		rec = &types.ExecutionRecord{ID: id, Status: types.StatusPending}
		m.execs[id] = rec
	}
	if rec.Status == types.StatusPending {
		rec.Buffered++
	}
	out := rec.Clone()
	m.mu.Unlock()
	m.broadcast()
	return out
}

// Open starts a new run of an execution.
//
// Parameters:
//   - id: execution ID
//   - workflow: registered workflow name
//   - at: timestamp of the ExecutionStarted event
//
// Returns:
//   - the record of the new run
//   - ErrAlreadyRunning if the current run is open
func (m *Manager) Open(id types.ExecutionID, workflow string, at time.Time) (*types.ExecutionRecord, error) {
	m.mu.Lock()
	rec, ok := m.execs[id]
	var prev types.Status
	switch {
	case !ok:
		rec = &types.ExecutionRecord{ID: id}
		m.execs[id] = rec
	case rec.Status == types.StatusRunning:
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	default:
		prev = rec.Status
	}
	*rec = types.ExecutionRecord{
		ID:        id,
		RunID:     rec.RunID + 1,
		Workflow:  workflow,
		Status:    types.StatusRunning,
		StartedAt: at,
	}
	out := rec.Clone()
	m.mu.Unlock()

	m.notify(prev, out)
	return out, nil
}

// NextRun returns the RunID the next Open of id would use.
func (m *Manager) NextRun(id types.ExecutionID) types.RunID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.execs[id]; ok {
		return rec.RunID + 1
	}
	return 1
}

// Close records the terminal state of a run. Closing an already closed run
// is a no-op so that recovery can replay it.
func (m *Manager) Close(key types.RunKey, status types.Status, result types.Payload, f *types.Failure, at time.Time) error {
	if !status.IsTerminal() {
		return errors.New("close needs a terminal status")
	}
	m.mu.Lock()
	rec, err := m.current(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if rec.Status != types.StatusRunning {
		m.mu.Unlock()
		return nil
	}
	prev := rec.Status
	rec.Status = status
	rec.ClosedAt = at
	rec.Result = result
	rec.Failure = f
	rec.Halted = nil
	out := rec.Clone()
	m.mu.Unlock()

	m.notify(prev, out)
	return nil
}

// ContinueAsNew moves an execution from run key.RunID to the next run.
// It is idempotent: calling it again after the move returns the new run.
func (m *Manager) ContinueAsNew(key types.RunKey, at time.Time) (*types.ExecutionRecord, error) {
	m.mu.Lock()
	rec, ok := m.execs[key.ExecutionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrExecutionNotFound
	}
	if rec.RunID == key.RunID+1 && rec.Status == types.StatusRunning {
		out := rec.Clone()
		m.mu.Unlock()
		return out, nil
	}
	if rec.RunID != key.RunID {
		m.mu.Unlock()
		return nil, ErrStaleRun
	}
	if rec.Status != types.StatusRunning {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	*rec = types.ExecutionRecord{
		ID:        rec.ID,
		RunID:     rec.RunID + 1,
		Workflow:  rec.Workflow,
		Status:    types.StatusRunning,
		StartedAt: at,
	}
	out := rec.Clone()
	m.mu.Unlock()

	m.notify(types.StatusContinuedAsNew, out)
	return out, nil
}

// Halt parks a run after a replay divergence.
func (m *Manager) Halt(key types.RunKey, f *types.Failure) error {
	m.mu.Lock()
	rec, err := m.current(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if rec.Status != types.StatusRunning {
		m.mu.Unlock()
		return ErrNotRunning
	}
	rec.Halted = f
	out := rec.Clone()
	m.mu.Unlock()

	m.notify(out.Status, out)
	return nil
}

// Resume clears a halt and returns the run to drive.
func (m *Manager) Resume(id types.ExecutionID) (types.RunKey, error) {
	m.mu.Lock()
	rec, ok := m.execs[id]
	if !ok {
		m.mu.Unlock()
		return types.RunKey{}, ErrExecutionNotFound
	}
	if rec.Status != types.StatusRunning {
		m.mu.Unlock()
		return types.RunKey{}, ErrNotRunning
	}
	rec.Halted = nil
	out := rec.Clone()
	m.mu.Unlock()

	m.notify(out.Status, out)
	return out.Key(), nil
}

// Get returns a copy of the record of id.
func (m *Manager) Get(id types.ExecutionID) (*types.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return rec.Clone(), nil
}

// Wait blocks until cond holds for the record of id or ctx ends. A missing
// record is passed to cond as nil.
func (m *Manager) Wait(ctx context.Context, id types.ExecutionID, cond func(*types.ExecutionRecord) bool) (*types.ExecutionRecord, error) {
	for {
		m.mu.RLock()
		rec := m.execs[id].Clone()
		ch := m.changed
		m.mu.RUnlock()

		if cond(rec) {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ch:
		}
	}
}

// OpenRuns lists every running run that is not halted, sorted by ID.
func (m *Manager) OpenRuns() []types.RunKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []types.RunKey
	for _, rec := range m.execs {
		if rec.Status == types.StatusRunning && rec.Halted == nil {
			keys = append(keys, rec.Key())
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ExecutionID < keys[j].ExecutionID })
	return keys
}

// List returns copies of all records sorted by ID.
func (m *Manager) List() []*types.ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ExecutionRecord, 0, len(m.execs))
	for _, rec := range m.execs {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts records per status.
func (m *Manager) Stats() map[types.Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[types.Status]int)
	for _, rec := range m.execs {
		stats[rec.Status]++
	}
	return stats
}

// Snapshot returns a serialisable copy of the table.
func (m *Manager) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := types.SnapshotData{
		Executions: make(map[types.ExecutionID]*types.ExecutionRecord, len(m.execs)),
		SchemaVer:  SchemaVersion,
	}
	for id, rec := range m.execs {
		data.Executions[id] = rec.Clone()
	}
	return data
}

// Restore replaces the table with a snapshot.
func (m *Manager) Restore(data types.SnapshotData) {
	m.mu.Lock()
	m.execs = make(map[types.ExecutionID]*types.ExecutionRecord, len(data.Executions))
	for id, rec := range data.Executions {
		if rec != nil {
			m.execs[id] = rec.Clone()
		}
	}
	m.mu.Unlock()
	m.broadcast()
}

// current returns the live record addressed by key. Caller holds m.mu.
func (m *Manager) current(key types.RunKey) (*types.ExecutionRecord, error) {
	rec, ok := m.execs[key.ExecutionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if rec.RunID != key.RunID {
		return nil, ErrStaleRun
	}
	return rec, nil
}

func (m *Manager) notify(prev types.Status, rec *types.ExecutionRecord) {
	m.broadcast()

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for _, l := range listeners {
		l.OnTransition(prev, rec)
	}
}

func (m *Manager) broadcast() {
	m.mu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

// keyedMutex hands out one mutex per execution and forgets it once no
// goroutine holds or waits for it.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[types.ExecutionID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id types.ExecutionID) func() {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}
