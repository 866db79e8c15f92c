// Package historian implements the Historian Manager: it glues the
// Scan Engine's change stream to the Write-Ahead Log and the Local Store,
// and optionally mirrors sealed local store files to a remote sink. It
// subscribes to the live change stream, batches updates, hands sealed
// batches to a background task runner, and recovers outstanding WAL
// entries on start.
package historian

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithos-systems/petra/internal/localstore"
	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/internal/statusapi"
	"github.com/lithos-systems/petra/internal/wal"
	"github.com/lithos-systems/petra/pkg/bus"
)

var log = plog.For("HISTORIAN")

// Config configures a Manager. BatchSize and FlushInterval bound how long a
// signal change can sit in memory before it is durable in the local store;
// DownsampleRules thin high-frequency signals before they reach the batch.
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	DownsampleRules []DownsampleRule
}

// DownsampleRule drops updates for signals matching Pattern that arrive
// faster than MinInterval, keeping only the rate the historian actually
// wants to persist.
type DownsampleRule struct {
	Pattern     string
	MinInterval time.Duration
}

// Manager is the Historian Manager. One Manager owns one WAL and one Local
// Store; construct with New and run with Run.
type Manager struct {
	cfg   Config
	bus   *bus.Bus
	wal   *wal.WAL
	store *localstore.Store
	sink  *RemoteSync

	downsample *downsampler

	// halted is set once a WAL append fails. Per the failure model, a WAL
	// failure is fatal to the historian task (not the process): the task
	// stops consuming changes and reports unhealthy, while the scan engine
	// keeps running unaffected.
	halted atomic.Bool

	mu          sync.Mutex
	buf         []localstore.Row
	bufFirstSeq uint64
	bufLastSeq  uint64
	bufDirty    bool
}

// New constructs a Manager. sink may be nil to disable remote mirroring.
func New(cfg Config, b *bus.Bus, w *wal.WAL, store *localstore.Store, sink *RemoteSync) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Manager{
		cfg:        cfg,
		bus:        b,
		wal:        w,
		store:      store,
		sink:       sink,
		downsample: newDownsampler(cfg.DownsampleRules),
	}
}

// Recover replays every WAL entry above the local store's last checkpoint
// into the local store, so a restart after a crash between "WAL append"
// and "local store flush" cannot lose data. It is the mirror image of
// Append's durability barrier: the WAL is authoritative, the local store is
// rebuilt from it.
func (m *Manager) Recover(ctx context.Context) error {
	entries, err := m.wal.ReadRange(0, m.wal.NextSequence())
	if err != nil {
		return perr.IO("historian.Recover", err)
	}
	if len(entries) == 0 {
		return nil
	}

	rows := make([]localstore.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, rowsFromEntry(e)...)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := m.store.WriteBatch(rows); err != nil {
		return perr.IO("historian.Recover", err)
	}
	log.Infof("recovered %d row(s) from %d wal entries not yet checkpointed", len(rows), len(entries))
	return nil
}

func rowsFromEntry(e wal.Entry) []localstore.Row {
	switch e.Operation.Kind {
	case wal.OpSignalUpdate:
		u := e.Operation.Single
		return []localstore.Row{localstore.RowFromValue(e.Timestamp, u.Name, u.Value)}
	case wal.OpBatch:
		rows := make([]localstore.Row, 0, len(e.Operation.Batch))
		for _, u := range e.Operation.Batch {
			rows = append(rows, localstore.RowFromValue(e.Timestamp, u.Name, u.Value))
		}
		return rows
	default:
		return nil
	}
}

// Run subscribes to the bus's change stream and drives the
// append-then-batch-then-flush pipeline until ctx is canceled or the
// subscription channel closes; either way it flushes the current batch
// and returns that flush's error. Events still buffered in the
// subscription when ctx is canceled are not drained.
func (m *Manager) Run(ctx context.Context) error {
	changes, cancel := m.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	if m.sink != nil {
		m.sink.Start(ctx)
		defer m.sink.Stop()
	}

	// active is swapped to nil once the historian halts, so the select
	// below stops consuming changes (a nil channel is never selectable)
	// without needing to drain or close the bus's own subscription.
	active := changes

	for {
		select {
		case <-ctx.Done():
			return m.flushLocked()
		case ev, ok := <-active:
			if !ok {
				return m.flushLocked()
			}
			if err := m.ingest(ev); err != nil {
				log.Errorf("ingest %s: %v", ev.Name, err)
				if m.halted.Load() {
					log.Errorf("historian halted after wal append failure, no longer consuming signal changes")
					active = nil
				}
			}
		case <-ticker.C:
			if m.halted.Load() {
				continue
			}
			if err := m.flushLocked(); err != nil {
				log.Errorf("timed flush: %v", err)
			}
		}
	}
}

// ingest performs the per-event sequence: stamp wall time, append to the
// WAL (the durability barrier), then stage into the in-memory batch.
func (m *Manager) ingest(ev bus.ChangeEvent) error {
	if m.halted.Load() {
		return nil
	}
	if !m.downsample.admit(ev.Name) {
		return nil
	}

	seq, err := m.wal.Append(wal.Operation{
		Kind:   wal.OpSignalUpdate,
		Single: wal.SignalUpdate{Name: ev.Name, Value: ev.Value},
	})
	if err != nil {
		m.halted.Store(true)
		return err
	}

	now := time.Now().UnixNano()

	m.mu.Lock()
	if len(m.buf) == 0 {
		m.bufFirstSeq = seq
	}
	m.bufLastSeq = seq
	m.buf = append(m.buf, localstore.RowFromValue(now, ev.Name, ev.Value))
	m.bufDirty = true
	full := len(m.buf) >= m.cfg.BatchSize
	m.mu.Unlock()

	if full {
		return m.flushLocked()
	}
	return nil
}

// flushLocked hands the current batch to the local store and, only once
// those rows are durably sealed to disk, checkpoints the WAL up through the
// last sequence flushed — step 4 of the historian's event sequence.
// WriteBatch alone is not enough: it only rotates to a new sealed file once
// the running byte estimate crosses MaxFileSizeMB, so a batch well under
// that threshold would otherwise sit in an in-memory buffer with no file
// backing it. Checkpointing the WAL against such a batch would discard the
// only durable copy of those rows on a crash. Flush forces the seal
// unconditionally, so by the time Checkpoint runs the batch is always on
// disk somewhere recoverable.
func (m *Manager) flushLocked() error {
	m.mu.Lock()
	if !m.bufDirty || len(m.buf) == 0 {
		m.mu.Unlock()
		return nil
	}
	rows := m.buf
	lastSeq := m.bufLastSeq
	m.buf = nil
	m.bufDirty = false
	m.mu.Unlock()

	if err := m.store.WriteBatch(rows); err != nil {
		return perr.IO("historian.flush", err)
	}
	if err := m.store.Flush(); err != nil {
		return perr.IO("historian.flush", err)
	}
	if err := m.wal.Checkpoint(m.wal.NextSequence() - lastSeq - 1); err != nil {
		return perr.IO("historian.flush", err)
	}

	if m.sink != nil {
		m.sink.NotifyLocalWrite()
	}
	return nil
}

// Name identifies the historian task itself in the status API's aggregate
// health response, satisfying statusapi.HealthChecker. This is distinct
// from the "wal" entry (which reports the WAL's own corruption count):
// Name reports whether the historian task has halted, which happens on a
// WAL append failure even if the WAL device itself is otherwise sound.
func (m *Manager) Name() string { return "historian" }

// CheckHealth reports Failed once a WAL append failure has halted the
// ingest loop; the historian never recovers on its own from this state and
// requires a restart, matching the failure model's "historian halts" rule.
func (m *Manager) CheckHealth(ctx context.Context) statusapi.SubsystemHealth {
	if m.halted.Load() {
		return statusapi.SubsystemHealth{
			Healthy: false, State: statusapi.HealthFailed,
			Message: "historian halted after a wal append failure",
		}
	}
	return statusapi.SubsystemHealth{Healthy: true, State: statusapi.HealthOK}
}
