package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL means a record in the middle of a file cannot be decoded.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch means a record decoded but its CRC32 does not match.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed is returned by every call after Close.
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed wraps a failed fsync. The append is not acknowledged.
	ErrSyncFailed = errors.New("wal: sync to disk failed")

	// ErrSegmentBroken means a failed append could not be rolled back. The
	// run accepts no more appends until the WAL is reopened.
	ErrSegmentBroken = errors.New("wal: segment needs reopening")
)

// ChecksumError carries the details of a checksum mismatch.
type ChecksumError struct {
	Path     string
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch in %s at seq %d: expected %08x, got %08x",
		e.Path, e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError locates an undecodable record.
type CorruptionError struct {
	Path   string
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record in %s at offset %d: %v", e.Path, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return errors.Join(ErrCorruptedWAL, e.Cause) }
