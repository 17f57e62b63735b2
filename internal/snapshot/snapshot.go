// ============================================================================
// Durable Exec - execution table snapshots
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot.go
// Purpose: persist the execution table so that a restart knows which runs
// are open without scanning every event log.
//
// The event logs stay the source of truth. A stale snapshot only costs a
// few extra drives on recovery: a run that closed after the snapshot is
// re-driven, finds its terminal event and is closed again.
//
// Write is atomic: the JSON is written to <path>.tmp, synced, then renamed
// over <path>. A crash leaves either the old or the new file.
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/durable-exec/internal/executions"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

const backupLayout = "20060102_150405.000000000"

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
	log  *slog.Logger
}

// NewManager returns a manager for the file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now, log: slog.Default()}
}

// Path returns the snapshot file location.
func (m *Manager) Path() string { return m.path }

// Exists reports whether a snapshot has been written.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write atomically replaces the snapshot.
//
// Parameters:
//   - data: table contents; SchemaVer and TakenAt are filled in
//
// Returns:
//   - error: marshal, write, sync or rename failure
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(data)
}

func (m *Manager) write(data types.SnapshotData) error {
	data.SchemaVer = executions.SchemaVersion
	data.TakenAt = m.now().UTC()

	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp snapshot: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	m.log.Debug("Snapshot written", "path", m.path, "executions", len(data.Executions))
	return nil
}

// Load reads the snapshot. A missing file is a first boot and yields an
// empty table.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	body, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return types.SnapshotData{
			Executions: make(map[types.ExecutionID]*types.ExecutionRecord),
			SchemaVer:  executions.SchemaVersion,
		}, nil
	}
	if err != nil {
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(body, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != executions.SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, executions.SchemaVersion)
	}
	if data.Executions == nil {
		data.Executions = make(map[types.ExecutionID]*types.ExecutionRecord)
	}
	return data, nil
}

// WriteWithBackup moves the current snapshot aside as <path>.<timestamp>
// before writing, and keeps only the newest keepBackups backups.
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := m.path + "." + m.now().UTC().Format(backupLayout)
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.write(data); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	pattern := m.path + ".*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, p := range matches {
		if strings.HasSuffix(p, ".tmp") {
			continue
		}
		backups = append(backups, p)
	}
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
