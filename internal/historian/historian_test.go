package historian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/internal/localstore"
	"github.com/lithos-systems/petra/internal/wal"
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func newTestManager(t *testing.T, batchSize int) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), SyncOnWrite: true})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	store := localstore.New(localstore.Options{DataDir: t.TempDir(), MaxFileSizeMB: 128})

	m := New(Config{BatchSize: batchSize, FlushInterval: time.Hour}, b, w, store, nil)
	return m, b
}

func TestIngestAppendsToWALAndBatches(t *testing.T) {
	m, b := newTestManager(t, 1000)

	b.Set("sig.a", value.FromInt32(1))
	require.NoError(t, m.ingest(bus.ChangeEvent{Name: "sig.a", Value: value.FromInt32(1)}))

	assert.EqualValues(t, 1, m.wal.NextSequence())
	m.mu.Lock()
	assert.Len(t, m.buf, 1)
	m.mu.Unlock()
}

func TestFlushOnBatchSizeCheckpointsWAL(t *testing.T) {
	m, _ := newTestManager(t, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ingest(bus.ChangeEvent{Name: "sig.a", Value: value.FromInt32(int32(i))}))
	}

	m.mu.Lock()
	dirty := m.bufDirty
	m.mu.Unlock()
	assert.False(t, dirty, "batch should have auto-flushed at batch size")

	files, err := m.store.SealedFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1)

	entries, err := m.wal.ReadRange(0, 2)
	require.NoError(t, err)
	assert.Empty(t, entries, "checkpoint should have compacted flushed entries")
}

func TestRunFlushesOnContextCancel(t *testing.T) {
	m, b := newTestManager(t, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	b.Set("sig.a", value.FromBool(true))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}

	files, err := m.store.SealedFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRecoverReplaysUncheckpointedEntries(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.Options{Dir: dir, SyncOnWrite: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.Append(wal.Operation{
			Kind:   wal.OpSignalUpdate,
			Single: wal.SignalUpdate{Name: "x", Value: value.FromInt32(int32(i))},
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := wal.Open(wal.Options{Dir: dir, SyncOnWrite: true})
	require.NoError(t, err)
	defer w2.Close()

	storeDir := t.TempDir()
	store := localstore.New(localstore.Options{DataDir: storeDir, MaxFileSizeMB: 128})
	m := New(Config{}, bus.New(), w2, store, nil)

	require.NoError(t, m.Recover(context.Background()))
	require.NoError(t, store.Flush())

	files, err := store.SealedFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestIngestHaltsOnWALAppendFailure(t *testing.T) {
	m, _ := newTestManager(t, 1000)

	require.NoError(t, m.wal.Close())

	err := m.ingest(bus.ChangeEvent{Name: "sig.a", Value: value.FromInt32(1)})
	require.Error(t, err)

	assert.True(t, m.halted.Load())
	health := m.CheckHealth(context.Background())
	assert.False(t, health.Healthy)
	assert.Equal(t, "historian", m.Name())

	// Further ingests are no-ops once halted; the historian never
	// resumes appending to a WAL it has already declared failed.
	require.NoError(t, m.ingest(bus.ChangeEvent{Name: "sig.b", Value: value.FromInt32(2)}))
	m.mu.Lock()
	assert.Empty(t, m.buf)
	m.mu.Unlock()
}

func TestDownsampleSkipsFastUpdates(t *testing.T) {
	d := newDownsampler([]DownsampleRule{{Pattern: "sensor.*", MinInterval: time.Hour}})
	assert.True(t, d.admit("sensor.temp"))
	assert.False(t, d.admit("sensor.temp"))
	assert.True(t, d.admit("other.signal"))
}
