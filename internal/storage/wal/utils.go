package wal

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// WALStats summarises one run file.
type WALStats struct {
	TotalEvents int
	EventKinds  map[types.EventKind]int
	FirstSeq    uint64
	LastSeq     uint64
	TimeRange   [2]time.Time
	Closed      bool
}

// ValidateWAL checks every record of a file: checksums, decodability and
// a gapless sequence starting at 1.
func ValidateWAL(path string) error {
	_, err := GetWALStats(path)
	return err
}

// GetWALStats scans a file and validates it on the way.
func GetWALStats(path string) (*WALStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stats := &WALStats{EventKinds: make(map[types.EventKind]int)}
	for ev, err := range scan(path, f) {
		if err != nil {
			return nil, err
		}

		if stats.TotalEvents == 0 {
			stats.FirstSeq = ev.Seq
			stats.TimeRange[0] = ev.Timestamp
		}
		stats.TotalEvents++
		stats.EventKinds[ev.Kind]++
		stats.LastSeq = ev.Seq
		stats.TimeRange[1] = ev.Timestamp
		stats.Closed = ev.Kind.IsTerminal()
	}
	return stats, nil
}

// DumpWAL writes one human readable line per event.
func DumpWAL(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for ev, err := range scan(path, f) {
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, FormatEvent(ev)); err != nil {
			return err
		}
	}
	return nil
}

// FormatEvent renders an event on one line.
func FormatEvent(ev types.Event) string {
	line := fmt.Sprintf("%4d  %s  %-24s", ev.Seq, ev.Timestamp.Format(time.RFC3339Nano), ev.Kind)
	if ev.Decision > 0 {
		line += fmt.Sprintf(" decision=%d", ev.Decision)
	}
	switch {
	case ev.WorkItem != nil:
		line += fmt.Sprintf(" work=%s name=%s attempt=%d", ev.WorkItem.ID, ev.WorkItem.Name, ev.WorkItem.Attempt)
	case ev.WorkItemID != "":
		line += fmt.Sprintf(" work=%s attempt=%d", ev.WorkItemID, ev.Attempt)
	case ev.TimerID != "":
		line += fmt.Sprintf(" timer=%s", ev.TimerID)
	case ev.Message != nil:
		line += fmt.Sprintf(" %s=%s id=%s", ev.Message.Kind, ev.Message.Name, ev.Message.ID)
	case ev.MessageID != "":
		line += fmt.Sprintf(" update=%s", ev.MessageID)
	case ev.Marker != "":
		line += fmt.Sprintf(" marker=%s", ev.Marker)
	case ev.Workflow != "":
		line += fmt.Sprintf(" workflow=%s", ev.Workflow)
	}
	if !ev.Payload.IsZero() {
		line += " payload=" + codec.Describe(ev.Payload)
	}
	if ev.Failure != nil {
		line += fmt.Sprintf(" failure=%s:%s", ev.Failure.Kind, ev.Failure.Message)
	}
	return line
}
