// Package metricsrv exposes PETRA's runtime metrics as a Prometheus
// exposition endpoint, grounded on the client_golang + promhttp pattern
// used for the engine counters in other_examples (etalazz-vsa's tfd-sim
// main.go: package-level counters registered against a registry, served
// at /metrics via promhttp.Handler).
package metricsrv

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lithos-systems/petra/internal/engine"
	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/internal/wal"
	"github.com/lithos-systems/petra/pkg/bus"
)

var log = plog.For("METRICSRV")

// Metrics holds every gauge/counter this process exposes. All of them are
// GaugeFunc/CounterFunc pulling from the engine's own Stats() snapshot and
// the bus/WAL counters at scrape time, so there is no separate bookkeeping
// path to keep in sync with the scan loop.
type Metrics struct {
	ScanCount      prometheus.CounterFunc
	ScanErrors     prometheus.CounterFunc
	AvgScanTime    prometheus.GaugeFunc
	MaxScanTime    prometheus.GaugeFunc
	SignalCount    prometheus.GaugeFunc
	BlockCount     prometheus.GaugeFunc
	BusDropped     prometheus.CounterFunc
	WALCorruptions prometheus.CounterFunc
	WALSizeBytes   prometheus.GaugeFunc
	Running        prometheus.GaugeFunc
}

// New creates and registers metrics that reflect the given Engine, Bus, and
// WAL on every scrape. Use a private registry rather than the global
// DefaultRegisterer so a process can run more than one PETRA engine without
// name collisions.
func New(reg *prometheus.Registry, eng *engine.Engine, b *bus.Bus, w *wal.WAL) *Metrics {
	m := &Metrics{
		ScanCount: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "petra_scan_total", Help: "Total scan cycles completed.",
		}, func() float64 { return float64(eng.Stats().ScanCount) }),
		ScanErrors: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "petra_scan_errors_total", Help: "Total block execution errors across all scans.",
		}, func() float64 { return float64(eng.Stats().ErrorCount) }),
		AvgScanTime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "petra_scan_duration_avg_seconds", Help: "Rolling average scan execution duration.",
		}, func() float64 { return eng.Stats().AvgScanTime.Seconds() }),
		MaxScanTime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "petra_scan_duration_max_seconds", Help: "Rolling maximum scan execution duration.",
		}, func() float64 { return eng.Stats().MaxScanTime.Seconds() }),
		SignalCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "petra_signal_count", Help: "Number of distinct signals on the bus.",
		}, func() float64 { return float64(b.SignalCount()) }),
		BlockCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "petra_block_count", Help: "Number of blocks in the current scan order.",
		}, func() float64 { return float64(eng.Stats().BlockCount) }),
		BusDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "petra_bus_dropped_events_total", Help: "Change events dropped due to slow subscribers.",
		}, func() float64 { return float64(b.DroppedEvents()) }),
		WALCorruptions: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "petra_wal_corruptions_total", Help: "Corrupted WAL records discarded since open.",
		}, func() float64 { return float64(w.CorruptionCount()) }),
		WALSizeBytes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "petra_wal_size_bytes", Help: "Current on-disk size of the active WAL segment.",
		}, func() float64 {
			sz, err := w.Size()
			if err != nil {
				return 0
			}
			return float64(sz)
		}),
		Running: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "petra_engine_running", Help: "1 if the scan engine is running, 0 otherwise.",
		}, func() float64 {
			if eng.State() == engine.Running {
				return 1
			}
			return 0
		}),
	}

	reg.MustRegister(
		m.ScanCount, m.ScanErrors, m.AvgScanTime, m.MaxScanTime,
		m.SignalCount, m.BlockCount, m.BusDropped, m.WALCorruptions, m.WALSizeBytes, m.Running,
	)
	return m
}

// Server serves the Prometheus exposition endpoint over HTTP.
type Server struct {
	httpSrv *http.Server
}

// NewServer builds an HTTP server exposing reg at /metrics on addr.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{httpSrv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Run starts serving until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("metrics endpoint listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return perr.IO("metricsrv.Run", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return perr.IO("metricsrv.Run", err)
		}
		return nil
	}
}
