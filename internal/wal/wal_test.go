package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/pkg/value"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, SyncOnWrite: true})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, dir
}

func TestAppendAndReadRange(t *testing.T) {
	w, _ := newTestWAL(t)

	for i := 0; i < 10; i++ {
		seq, err := w.Append(Operation{
			Kind:   OpSignalUpdate,
			Single: SignalUpdate{Name: "a", Value: value.FromInt32(int32(i))},
		})
		require.NoError(t, err)
		assert.EqualValues(t, i, seq)
	}

	entries, err := w.ReadRange(0, 9)
	require.NoError(t, err)
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.EqualValues(t, i, e.Sequence)
		assert.Equal(t, "a", e.Operation.Single.Name)
		assert.EqualValues(t, i, e.Operation.Single.Value.Int32())
	}
}

func TestBatchAndCheckpointRoundTrip(t *testing.T) {
	w, _ := newTestWAL(t)

	_, err := w.Append(Operation{
		Kind: OpBatch,
		Batch: []SignalUpdate{
			{Name: "a", Value: value.FromBool(true)},
			{Name: "b", Value: value.FromFloat64(3.5)},
		},
	})
	require.NoError(t, err)

	_, err = w.Append(Operation{Kind: OpCheckpoint, CheckpointSeq: 0})
	require.NoError(t, err)

	entries, err := w.ReadRange(0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpBatch, entries[0].Operation.Kind)
	require.Len(t, entries[0].Operation.Batch, 2)
	assert.Equal(t, "b", entries[0].Operation.Batch[1].Name)
	assert.Equal(t, OpCheckpoint, entries[1].Operation.Kind)
}

func TestRecoveryAfterCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, SyncOnWrite: true})
	require.NoError(t, err)

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := w.Append(Operation{
			Kind:   OpSignalUpdate,
			Single: SignalUpdate{Name: "x", Value: value.FromInt32(int32(i))},
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Flip a bit inside entry 500's payload region. Header is 8 bytes;
	// payload lengths vary (Avro varints grow with the sequence and value),
	// so entry 500 is located by re-parsing the record framing.
	path := filepath.Join(dir, segmentFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Determine one entry's on-disk size by re-deriving offsets via a
	// fresh read pass, then corrupt the 500th record's payload region.
	offsets := recordOffsets(t, path)
	require.Greater(t, len(offsets), 500)
	corruptAt := offsets[500] + 9 // skip 8-byte header + 1 byte into payload
	data[corruptAt] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o640))

	w2, err := Open(Options{Dir: dir, SyncOnWrite: true})
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.ReadRange(0, uint64(n))
	require.NoError(t, err)
	assert.Equal(t, n-1, len(entries))
	assert.EqualValues(t, 1, w2.CorruptionCount())
}

// recordOffsets returns the file offset of the start of each record in
// path, by replaying the same framing readRecord uses.
func recordOffsets(t *testing.T, path string) []int64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var offsets []int64
	var offset int64
	br := newBufferedReader(f)
	for {
		start := offset
		payload, err := readRecord(br)
		if err != nil {
			break
		}
		offsets = append(offsets, start)
		offset = start + 8 + int64(len(payload)) + 4
	}
	return offsets
}

func TestCheckpointCompactsOldEntries(t *testing.T) {
	w, _ := newTestWAL(t)
	for i := 0; i < 20; i++ {
		_, err := w.Append(Operation{Kind: OpSignalUpdate, Single: SignalUpdate{Name: "a", Value: value.FromInt32(int32(i))}})
		require.NoError(t, err)
	}

	require.NoError(t, w.Checkpoint(5))

	entries, err := w.ReadRange(0, 19)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.EqualValues(t, 15, entries[0].Sequence)
}
