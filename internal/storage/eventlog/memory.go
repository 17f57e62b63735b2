package eventlog

import (
	"context"
	"iter"
	"sync"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// MemoryStore keeps logs in process memory. It satisfies the ordering and
// conflict guarantees but not durability.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[types.RunKey][]types.Event
	closed bool
}

// NewMemoryStore returns an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[types.RunKey][]types.Event)}
}

func (m *MemoryStore) Append(ctx context.Context, key types.RunKey, events ...types.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	log := m.logs[key]
	var last uint64
	if n := len(log); n > 0 {
		last = log[n-1].Seq
	}
	if err := CheckBatch(key, last, events); err != nil {
		return 0, err
	}
	m.logs[key] = append(log, events...)
	return events[len(events)-1].Seq, nil
}

func (m *MemoryStore) Read(ctx context.Context, key types.RunKey, from uint64) iter.Seq2[types.Event, error] {
	return func(yield func(types.Event, error) bool) {
		m.mu.RLock()
		closed := m.closed
		log := m.logs[key]
		m.mu.RUnlock()
		if closed {
			yield(types.Event{}, ErrStoreClosed)
			return
		}

		for _, ev := range log {
			if ev.Seq < from {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(types.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) LastSeq(_ context.Context, key types.RunKey) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	log := m.logs[key]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}

// Keys lists every run with at least one event.
func (m *MemoryStore) Keys() []types.RunKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]types.RunKey, 0, len(m.logs))
	for k := range m.logs {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
