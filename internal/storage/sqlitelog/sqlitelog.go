// Package sqlitelog stores event logs in a SQLite database through the
// pure-Go modernc driver. Rows are keyed by (execution_id, run_id, seq) so
// the primary key itself rejects a second writer for the same sequence.
package sqlitelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/internal/storage/sqlitelog/migrations"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// readPage bounds how many rows one Read query holds open.
const readPage = 256

// Store is an eventlog.Store over SQLite.
type Store struct {
	db *sql.DB
}

var _ eventlog.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the append path.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(ctx context.Context, key types.RunKey, events ...types.Event) (uint64, error) {
	if s.db == nil {
		return 0, eventlog.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	last, err := lastSeq(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if err := eventlog.CheckBatch(key, last, events); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (execution_id, run_id, seq, kind, body, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode seq %d: %w", ev.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(key.ExecutionID), uint64(key.RunID), ev.Seq, string(ev.Kind), string(body), ev.Timestamp.UTC().UnixMilli(),
		); err != nil {
			if isConstraintError(err) {
				return 0, &eventlog.ConflictError{Key: key, Expected: last + 1, Got: events[0].Seq}
			}
			return 0, fmt.Errorf("insert seq %d: %w", ev.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return 0, &eventlog.ConflictError{Key: key, Expected: last + 1, Got: events[0].Seq}
		}
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return events[len(events)-1].Seq, nil
}

// Read pages through the log so that no connection stays pinned while the
// caller consumes events.
func (s *Store) Read(ctx context.Context, key types.RunKey, from uint64) iter.Seq2[types.Event, error] {
	return func(yield func(types.Event, error) bool) {
		if s.db == nil {
			yield(types.Event{}, eventlog.ErrStoreClosed)
			return
		}
		if from == 0 {
			from = 1
		}
		for {
			page, err := s.readPage(ctx, key, from)
			if err != nil {
				yield(types.Event{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < readPage {
				return
			}
			from = page[len(page)-1].Seq + 1
		}
	}
}

func (s *Store) readPage(ctx context.Context, key types.RunKey, from uint64) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM events WHERE execution_id = ? AND run_id = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		string(key.ExecutionID), uint64(key.RunID), from, readPage)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var page []types.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		page = append(page, ev)
	}
	return page, rows.Err()
}

func (s *Store) LastSeq(ctx context.Context, key types.RunKey) (uint64, error) {
	if s.db == nil {
		return 0, eventlog.ErrStoreClosed
	}
	return lastSeq(ctx, s.db, key)
}

// Keys lists every run with at least one event.
func (s *Store) Keys(ctx context.Context) ([]types.RunKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT execution_id, run_id FROM events ORDER BY execution_id, run_id`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []types.RunKey
	for rows.Next() {
		var id string
		var run uint64
		if err := rows.Scan(&id, &run); err != nil {
			return nil, err
		}
		keys = append(keys, types.RunKey{ExecutionID: types.ExecutionID(id), RunID: types.RunID(run)})
	}
	return keys, rows.Err()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastSeq(ctx context.Context, q queryer, key types.RunKey) (uint64, error) {
	var last sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE execution_id = ? AND run_id = ?`,
		string(key.ExecutionID), uint64(key.RunID)).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
