package metricsrv

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/internal/engine"
	"github.com/lithos-systems/petra/internal/wal"
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func newTestDeps(t *testing.T) (*engine.Engine, *bus.Bus, *wal.WAL) {
	t.Helper()
	b := bus.New()
	eng := engine.New(b, 10*time.Millisecond)
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), SyncOnWrite: true})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return eng, b, w
}

func TestMetricsRegistersWithoutPanicking(t *testing.T) {
	eng, b, w := newTestDeps(t)
	b.Set("sig.a", value.FromBool(true))

	reg := prometheus.NewRegistry()
	m := New(reg, eng, b, w)
	assert.NotNil(t, m)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestServerRunRespondsOnMetricsPath(t *testing.T) {
	eng, b, w := newTestDeps(t)
	b.Set("sig.a", value.FromInt32(1))

	reg := prometheus.NewRegistry()
	New(reg, eng, b, w)

	srv := NewServer("127.0.0.1:19091", reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19091/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "petra_signal_count")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not shut down")
	}
}
