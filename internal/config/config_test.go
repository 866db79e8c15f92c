package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
scan_time_ms: 100
signals:
  - name: a
    type: bool
  - name: out
    type: bool
blocks:
  - name: not1
    block_type: NOT
    inputs: {in: a}
    outputs: {out: out}
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.EqualValues(t, 100, cfg.ScanTimeMs)
	assert.Len(t, cfg.Signals, 2)
	assert.Len(t, cfg.Blocks, 1)
}

func TestParseRejectsMissingScanTime(t *testing.T) {
	_, err := Parse([]byte(`signals: []
blocks: []
`))
	require.Error(t, err)
}

func TestParseRejectsBadSignalType(t *testing.T) {
	_, err := Parse([]byte(`
scan_time_ms: 50
signals:
  - name: a
    type: string
blocks: []
`))
	require.Error(t, err)
}

func TestHistoryDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
scan_time_ms: 50
signals: []
blocks: []
history:
  data_dir: /tmp/petra
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.History)
	assert.Equal(t, int64(128), cfg.History.MaxFileSizeMB)
	assert.Equal(t, 500, cfg.History.BatchSize)
}

func TestSyncOnWriteDefaultsTrue(t *testing.T) {
	var w WALConfig
	assert.True(t, w.SyncOnWriteOrDefault())

	f := false
	w.SyncOnWrite = &f
	assert.False(t, w.SyncOnWriteOrDefault())
}
