package snapshot

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/durable-exec/internal/executions"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "state", "snapshot.json"))
}

func sampleData() types.SnapshotData {
	return types.SnapshotData{Executions: map[types.ExecutionID]*types.ExecutionRecord{
		"order-1": {ID: "order-1", RunID: 2, Workflow: "order", Status: types.StatusRunning},
		"order-2": {
			ID: "order-2", RunID: 1, Workflow: "order", Status: types.StatusFailed,
			Failure: &types.Failure{Kind: types.KindTimeout, Message: "charge timed out"},
		},
	}}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestWriteAndLoad(t *testing.T) {
	m := newTestManager(t)
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	require.NoError(t, m.Write(sampleData()))
	assert.True(t, m.Exists())

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, executions.SchemaVersion, got.SchemaVer)
	assert.True(t, fixed.Equal(got.TakenAt))
	require.Len(t, got.Executions, 2)
	assert.Equal(t, types.RunID(2), got.Executions["order-1"].RunID)
	assert.Equal(t, types.KindTimeout, got.Executions["order-2"].Failure.Kind)

	_, err = os.Stat(m.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestFirstBoot(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.Exists())
	got, err := m.Load()
	require.NoError(t, err)
	assert.NotNil(t, got.Executions)
	assert.Empty(t, got.Executions)
}

func TestVersionMismatch(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0o755))
	require.NoError(t, os.WriteFile(m.Path(), []byte(`{"executions":{},"schema_ver":99}`), 0o644))
	_, err := m.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0o755))
	require.NoError(t, os.WriteFile(m.Path(), []byte(`{"executions":`), 0o644))
	_, err := m.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteWithBackupPrunes(t *testing.T) {
	m := newTestManager(t)
	tick := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, m.WriteWithBackup(sampleData(), 2))
	}
	backups, err := m.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	_, err = m.Load()
	require.NoError(t, err)
}

func TestConcurrentWrites(t *testing.T) {
	m := newTestManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Write(sampleData()))
		}()
	}
	wg.Wait()

	got, err := m.Load()
	require.NoError(t, err)
	assert.Len(t, got.Executions, 2)
}

func TestRoundTripThroughExecutionTable(t *testing.T) {
	table := executions.NewManager()
	_, err := table.Open("order-9", "order", time.Unix(0, 0))
	require.NoError(t, err)

	m := newTestManager(t)
	require.NoError(t, m.Write(table.Snapshot()))

	data, err := m.Load()
	require.NoError(t, err)
	restored := executions.NewManager()
	restored.Restore(data)
	assert.Equal(t, []types.RunKey{{ExecutionID: "order-9", RunID: 1}}, restored.OpenRuns())
}

func BenchmarkWrite(b *testing.B) {
	m := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := sampleData()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
