package localstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/pkg/value"
)

func TestWriteBatchRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{DataDir: dir, MaxFileSizeMB: 1})

	// estimatedRowBytes=48; (1MB/48)+1 rows forces an immediate rotation.
	rows := make([]Row, 1024*1024/48+1)
	for i := range rows {
		rows[i] = RowFromValue(int64(i), "sig", value.FromInt32(int32(i)))
	}
	require.NoError(t, s.WriteBatch(rows))

	files, err := s.SealedFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFlushSealsPartialBuffer(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{DataDir: dir, MaxFileSizeMB: 128})

	require.NoError(t, s.WriteBatch([]Row{RowFromValue(1, "a", value.FromBool(true))}))
	require.NoError(t, s.Flush())

	files, err := s.SealedFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)

	info, err := os.Stat(files[0])
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestArchiveFileMoves(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{DataDir: dir, MaxFileSizeMB: 128})
	require.NoError(t, s.WriteBatch([]Row{RowFromValue(1, "a", value.FromBool(true))}))
	require.NoError(t, s.Flush())

	files, err := s.SealedFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, s.ArchiveFile(files[0]))

	remaining, err := s.SealedFiles()
	require.NoError(t, err)
	assert.Empty(t, remaining)

	archived, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestEnforceRetentionRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{DataDir: dir, MaxFileSizeMB: 128, RetentionDays: 1})
	require.NoError(t, s.WriteBatch([]Row{RowFromValue(1, "a", value.FromBool(true))}))
	require.NoError(t, s.Flush())

	files, err := s.SealedFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)

	old := time.Now().AddDate(0, 0, -5)
	require.NoError(t, os.Chtimes(files[0], old, old))

	require.NoError(t, s.EnforceRetention())

	remaining, err := s.SealedFiles()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRowFromValueSelectsColumn(t *testing.T) {
	r := RowFromValue(100, "x", value.FromFloat64(3.5))
	assert.Equal(t, "float", r.ValueType)
	require.NotNil(t, r.FloatValue)
	assert.Equal(t, 3.5, *r.FloatValue)
	assert.Nil(t, r.BoolValue)
	assert.Nil(t, r.IntValue)
}
