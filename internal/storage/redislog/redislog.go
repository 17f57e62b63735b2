// Package redislog keeps each run's event log in a Redis list. The list
// index of an event is Seq-1, so the list length is the last sequence.
// Appends run under WATCH so that a concurrent writer aborts the
// transaction instead of interleaving.
package redislog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

const readPage = 256

// Store is an eventlog.Store over Redis lists.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ eventlog.Store = (*Store)(nil)

// New wraps a client. Keys are "<prefix>:<execution id>:<run id>".
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "durable:events"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(k types.RunKey) string {
	return s.prefix + ":" + string(k.ExecutionID) + ":" + strconv.FormatUint(uint64(k.RunID), 10)
}

func (s *Store) Append(ctx context.Context, key types.RunKey, events ...types.Event) (uint64, error) {
	listKey := s.key(key)
	values := make([]any, 0, len(events))
	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode seq %d: %w", ev.Seq, err)
		}
		values = append(values, body)
	}

	var last uint64
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, listKey).Result()
		if err != nil {
			return err
		}
		last = uint64(n)
		if err := eventlog.CheckBatch(key, last, events); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, listKey, values...)
			return nil
		})
		return err
	}, listKey)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, &eventlog.ConflictError{Key: key, Expected: last + 1, Got: events[0].Seq}
	}
	if err != nil {
		return 0, err
	}
	return events[len(events)-1].Seq, nil
}

func (s *Store) Read(ctx context.Context, key types.RunKey, from uint64) iter.Seq2[types.Event, error] {
	return func(yield func(types.Event, error) bool) {
		if from == 0 {
			from = 1
		}
		listKey := s.key(key)
		for start := int64(from - 1); ; start += readPage {
			raw, err := s.rdb.LRange(ctx, listKey, start, start+readPage-1).Result()
			if err != nil {
				yield(types.Event{}, fmt.Errorf("read %s: %w", listKey, err))
				return
			}
			for _, body := range raw {
				var ev types.Event
				if err := json.Unmarshal([]byte(body), &ev); err != nil {
					yield(types.Event{}, fmt.Errorf("decode event: %w", err))
					return
				}
				if !yield(ev, nil) {
					return
				}
			}
			if len(raw) < readPage {
				return
			}
		}
	}
}

func (s *Store) LastSeq(ctx context.Context, key types.RunKey) (uint64, error) {
	n, err := s.rdb.LLen(ctx, s.key(key)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
