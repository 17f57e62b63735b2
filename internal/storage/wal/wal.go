// ============================================================================
// Durable Exec - file write-ahead log
// ============================================================================
//
// Package: internal/storage/wal
// File: wal.go
// Purpose: eventlog.Store backed by one append-only JSON-lines file per run.
//
// Layout:
//   <dir>/<escaped execution id>/<run id>.wal
//
// Each line is {"seq":N,"crc":C,"event":{...}} where C is the CRC32 of the
// event bytes. A batch is written with a single Write and, when syncing is
// on, acknowledged only after fsync.
//
// Recovery:
//   - a torn last line (crash mid-write) is truncated on open
//   - a bad line followed by good ones is a CorruptionError
//   - a record whose seq is not the previous one plus one is a CorruptionError
//
// Failed appends:
//   a Write or Sync error truncates the file back to its size before the
//   append. If that truncate fails too the segment refuses further appends
//   until the WAL is reopened.
//
// Single-process: conflict detection relies on the in-memory last sequence
// of each open segment.
//
// ============================================================================

package wal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

var log = slog.Default()

// FileInterface is the part of *os.File the writer needs.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WAL is a directory of per-run log files.
type WAL struct {
	mu           sync.Mutex
	dir          string
	syncOnAppend bool
	segments     map[types.RunKey]*segment
	closed       bool
}

type segment struct {
	mu     sync.Mutex
	path   string
	file   FileInterface
	last   uint64
	size   int64 // bytes of acknowledged records
	broken error
}

var _ eventlog.Store = (*WAL)(nil)

// NewWAL opens or creates a WAL rooted at dir.
//
// Parameters:
//   - dir: root directory, created when missing
//   - syncOnAppend: fsync before acknowledging each append
func NewWAL(dir string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	return &WAL{
		dir:          dir,
		syncOnAppend: syncOnAppend,
		segments:     make(map[types.RunKey]*segment),
	}, nil
}

// Path returns the file backing a run.
func (w *WAL) Path(key types.RunKey) string {
	return filepath.Join(w.dir, url.PathEscape(string(key.ExecutionID)), strconv.FormatUint(uint64(key.RunID), 10)+".wal")
}

func (w *WAL) Append(ctx context.Context, key types.RunKey, events ...types.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	seg, err := w.segment(key)
	if err != nil {
		return 0, err
	}

	seg.mu.Lock()
	defer seg.mu.Unlock()

	if seg.broken != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrSegmentBroken, seg.path, seg.broken)
	}
	if err := eventlog.CheckBatch(key, seg.last, events); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	for _, ev := range events {
		line, err := encodeRecord(ev)
		if err != nil {
			return 0, fmt.Errorf("encode seq %d: %w", ev.Seq, err)
		}
		buf.Write(line)
	}
	if _, err := seg.file.Write(buf.Bytes()); err != nil {
		seg.rollback()
		return 0, fmt.Errorf("write %s: %w", seg.path, err)
	}
	if w.syncOnAppend {
		if err := seg.file.Sync(); err != nil {
			seg.rollback()
			return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	seg.last = events[len(events)-1].Seq
	seg.size += int64(buf.Len())
	return seg.last, nil
}

// rollback drops whatever a failed append left behind. Caller holds seg.mu.
func (s *segment) rollback() {
	if err := s.file.Truncate(s.size); err != nil {
		log.Error("Failed to roll back WAL append", "path", s.path, "size", s.size, "error", err)
		s.broken = err
	}
}

func (w *WAL) Read(ctx context.Context, key types.RunKey, from uint64) iter.Seq2[types.Event, error] {
	return func(yield func(types.Event, error) bool) {
		seg, err := w.lookup(key)
		if err != nil {
			yield(types.Event{}, err)
			return
		}
		if seg == nil {
			return
		}
		seg.mu.Lock()
		upTo := seg.last
		seg.mu.Unlock()
		if upTo == 0 || upTo < from {
			return
		}

		f, err := os.Open(seg.path)
		if err != nil {
			yield(types.Event{}, err)
			return
		}
		defer f.Close()

		for ev, err := range scan(seg.path, f) {
			if err != nil {
				yield(types.Event{}, err)
				return
			}
			if ev.Seq < from {
				continue
			}
			if ev.Seq > upTo {
				return
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

func (w *WAL) LastSeq(_ context.Context, key types.RunKey) (uint64, error) {
	seg, err := w.lookup(key)
	if err != nil || seg == nil {
		return 0, err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return seg.last, nil
}

// Keys lists every run that has a file under the root.
func (w *WAL) Keys() ([]types.RunKey, error) {
	dirs, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var keys []types.RunKey
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id, err := url.PathUnescape(d.Name())
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(w.dir, d.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name, ok := strings.CutSuffix(f.Name(), ".wal")
			if !ok {
				continue
			}
			run, err := strconv.ParseUint(name, 10, 64)
			if err != nil {
				continue
			}
			keys = append(keys, types.RunKey{ExecutionID: types.ExecutionID(id), RunID: types.RunID(run)})
		}
	}
	return keys, nil
}

// Close flushes and closes every open file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for _, seg := range w.segments {
		seg.mu.Lock()
		if err := seg.file.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := seg.file.Close(); err != nil {
			errs = append(errs, err)
		}
		seg.mu.Unlock()
	}
	return errors.Join(errs...)
}

// lookup is segment for readers: a run without a file yields nil instead
// of creating one.
func (w *WAL) lookup(key types.RunKey) (*segment, error) {
	w.mu.Lock()
	seg, ok := w.segments[key]
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrWALClosed
	}
	if ok {
		return seg, nil
	}
	if _, err := os.Stat(w.Path(key)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return w.segment(key)
}

// segment returns the open segment of a run, opening and recovering its
// file on first use.
func (w *WAL) segment(key types.RunKey) (*segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWALClosed
	}
	if seg, ok := w.segments[key]; ok {
		return seg, nil
	}

	path := w.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	last, good, err := recoverFile(path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if info, err := file.Stat(); err == nil && info.Size() > good {
		log.Warn("Truncating torn WAL tail", "path", path, "size", info.Size(), "good", good)
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn tail: %w", err)
		}
	}

	seg := &segment{path: path, file: file, last: last, size: good}
	w.segments[key] = seg
	return seg, nil
}

// recoverFile scans an existing file. It returns the last sequence and the
// byte length of the valid prefix. Only the final line may be damaged.
func recoverFile(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var last uint64
	var offset int64
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) == 0 && readErr == io.EOF {
			return last, offset, nil
		}
		complete := readErr == nil
		if readErr != nil && readErr != io.EOF {
			return 0, 0, readErr
		}
		ev, decErr := decodeRecord(path, bytes.TrimSpace(line))
		if decErr != nil || !complete {
			if _, peekErr := r.Peek(1); peekErr == io.EOF {
				return last, offset, nil
			}
			return 0, 0, &CorruptionError{Path: path, Offset: offset, Cause: decErr}
		}
		if ev.Seq != last+1 {
			return 0, 0, &CorruptionError{Path: path, Offset: offset, Cause: outOfSequence(ev.Seq, last+1)}
		}
		last = ev.Seq
		offset += int64(len(line))
	}
}

// scan yields every complete record of a file. A partial trailing line is
// an append in progress and ends the scan. Records must run 1, 2, 3...
func scan(path string, r io.Reader) iter.Seq2[types.Event, error] {
	return func(yield func(types.Event, error) bool) {
		br := bufio.NewReader(r)
		var offset int64
		var expect uint64 = 1
		for {
			line, err := br.ReadBytes('\n')
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(types.Event{}, err)
				return
			}
			ev, decErr := decodeRecord(path, bytes.TrimSpace(line))
			if decErr != nil {
				var ce *ChecksumError
				if errors.As(decErr, &ce) {
					yield(types.Event{}, ce)
				} else {
					yield(types.Event{}, &CorruptionError{Path: path, Offset: offset, Cause: decErr})
				}
				return
			}
			if ev.Seq != expect {
				yield(types.Event{}, &CorruptionError{Path: path, Offset: offset, Cause: outOfSequence(ev.Seq, expect)})
				return
			}
			expect++
			offset += int64(len(line))
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func outOfSequence(got, want uint64) error {
	return fmt.Errorf("sequence %d where %d was expected", got, want)
}
