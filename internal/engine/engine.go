// Package engine implements the Scan Engine: a phase-locked periodic
// scheduler that drives an ordered pipeline of blocks against the Signal
// Bus, built on a ticker-plus-context-cancellation background loop turned
// into a deterministic control loop.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/pkg/block"
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

var log = plog.For("ENGINE")

// State is the engine's run state.
type State int32

const (
	Idle State = iota
	Running
)

// jitterWarnFactor: a scan whose elapsed time exceeds this multiple of
// the target period is logged as a warning.
const jitterWarnFactor = 5

// statsWindow is the number of recent scan durations kept for the rolling
// average/jitter statistic.
const statsWindow = 64

// namedBlock pairs a constructed Block (whose Name() is used for stats and
// error attribution) with its per-block error and timing counters, and with
// the signal names its declaring Spec referenced, so hot reconfiguration
// can tell whether a signal is still in use without re-deriving it from
// the Block interface.
type namedBlock struct {
	blk       block.Block
	signals   []string
	errs      atomic.Uint64
	elapsedNs atomic.Int64
}

// signalsOf collects every signal name a Spec's input and output ports
// reference, for the referenced-signal check in RemoveSignal.
func signalsOf(spec block.Spec) []string {
	out := make([]string, 0, len(spec.Inputs)+len(spec.Outputs))
	for _, name := range spec.Inputs {
		out = append(out, name)
	}
	for _, name := range spec.Outputs {
		out = append(out, name)
	}
	return out
}

// Engine is the Scan Engine. Construct with New, configure the
// initial signal/block set, then call Run.
type Engine struct {
	bus *bus.Bus

	mu     sync.RWMutex // guards blocks/order during hot reconfiguration
	blocks []*namedBlock

	state        atomic.Int32
	scanPeriod   atomic.Int64 // nanoseconds
	scanCount    atomic.Uint64
	errorCount   atomic.Uint64
	startedAt    time.Time

	scanTimesMu sync.Mutex
	scanTimes   []time.Duration
	scanTimePos int

	stopCh chan struct{}
	doneCh chan struct{}

	scanSubMu sync.Mutex
	scanSubs  map[int]chan ScanEvent
	nextScanSubID int
}

// ScanEvent reports one completed scan's identity and duration, for
// collaborators (the status API's change stream) that need a
// "scan finished" marker distinct from individual signal changes.
type ScanEvent struct {
	ScanCount uint64
	Duration  time.Duration
}

const scanEventBuffer = 16

// New constructs an Engine bound to bus b with the given initial scan
// period.
func New(b *bus.Bus, scanPeriod time.Duration) *Engine {
	e := &Engine{
		bus:       b,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		scanTimes: make([]time.Duration, statsWindow),
		scanSubs:  make(map[int]chan ScanEvent),
	}
	e.scanPeriod.Store(int64(scanPeriod))
	e.state.Store(int32(Idle))
	return e
}

// AddBlock builds spec and appends it to the end of the execution order.
// It is a single-edit Reconfigure call, so it goes through the same
// validate-before-mutate path as every other hot-reconfiguration edit and
// is safe to call both before Run and while the engine is Running.
func (e *Engine) AddBlock(spec block.Spec) error {
	_, err := e.Reconfigure([]Edit{{Kind: EditAddBlock, BlockSpec: spec}})
	return err
}

// RemoveBlock removes the block with the given name.
func (e *Engine) RemoveBlock(name string) error {
	_, err := e.Reconfigure([]Edit{{Kind: EditRemoveBlock, BlockName: name}})
	return err
}

// ReplaceBlock rebuilds the block named name from spec in place, preserving
// its declared position (RemoveBlock+AddBlock would instead move it to the
// end, and ordering determinism depends on declared position).
func (e *Engine) ReplaceBlock(name string, spec block.Spec) error {
	_, err := e.Reconfigure([]Edit{{Kind: EditUpdateBlockParams, BlockName: name, BlockSpec: spec}})
	return err
}

// SetScanPeriod changes the scan period, effective at the next tick.
func (e *Engine) SetScanPeriod(d time.Duration) error {
	_, err := e.Reconfigure([]Edit{{Kind: EditSetScanPeriod, ScanPeriod: d}})
	return err
}

// AddSignal declares a new signal on the bus with the given initial value.
// Rejected if a signal with that name already exists.
func (e *Engine) AddSignal(name string, initial value.Value) error {
	_, err := e.Reconfigure([]Edit{{Kind: EditAddSignal, SignalName: name, InitialValue: initial}})
	return err
}

// RemoveSignal deletes a signal from the bus. Rejected if the signal does
// not exist, or if any block's declared inputs or outputs still reference
// it — a signal in use can only be removed after the block referencing it
// is removed or updated to no longer reference it.
func (e *Engine) RemoveSignal(name string) error {
	_, err := e.Reconfigure([]Edit{{Kind: EditRemoveSignal, SignalName: name}})
	return err
}

// findBlockIndexLocked returns the index of the block named name, or -1.
// Callers must hold e.mu.
func (e *Engine) findBlockIndexLocked(name string) int {
	for i, nb := range e.blocks {
		if nb.blk.Name() == name {
			return i
		}
	}
	return -1
}

// addBlockLocked appends blk at the end of the execution order. Callers
// must hold e.mu.
func (e *Engine) addBlockLocked(blk block.Block, signals []string) {
	e.blocks = append(e.blocks, &namedBlock{blk: blk, signals: signals})
}

// removeBlockLocked removes the block named name, if present, preserving
// the relative order of the rest. Callers must hold e.mu.
func (e *Engine) removeBlockLocked(name string) *namedBlock {
	i := e.findBlockIndexLocked(name)
	if i < 0 {
		return nil
	}
	removed := e.blocks[i]
	e.blocks = append(e.blocks[:i], e.blocks[i+1:]...)
	return removed
}

// insertBlockAtLocked re-inserts nb at idx, clamping to the current slice
// length. Used by Reconfigure's rollback path to restore a removed block to
// its original position. Callers must hold e.mu.
func (e *Engine) insertBlockAtLocked(idx int, nb *namedBlock) {
	if nb == nil {
		return
	}
	if idx > len(e.blocks) {
		idx = len(e.blocks)
	}
	e.blocks = append(e.blocks[:idx], append([]*namedBlock{nb}, e.blocks[idx:]...)...)
}

// State reports whether the engine is Running or Idle.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Bus returns the bus this engine drives, for collaborators (historian,
// status API) that need read access without owning the engine.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Run drives scan cycles until ctx is canceled or Stop is called. It
// blocks until the loop exits. Only one concurrent Run per Engine is
// supported.
func (e *Engine) Run(ctx context.Context) {
	e.state.Store(int32(Running))
	e.startedAt = time.Now()
	defer func() {
		e.state.Store(int32(Idle))
		close(e.doneCh)
	}()

	// Phase-lock to wall time: align the first tick to the next multiple
	// of the scan period rather than "now + period", so the schedule
	// does not drift with however long setup took.
	period := time.Duration(e.scanPeriod.Load())
	if period <= 0 {
		period = time.Second
	}
	next := time.Now().Truncate(period).Add(period)

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-timer.C:
			e.runScan()

			period = time.Duration(e.scanPeriod.Load())
			if period <= 0 {
				period = time.Second
			}
			now := time.Now()
			next = next.Add(period)
			if next.Before(now) {
				// We fell behind by at least one period: skip forward to
				// the next boundary rather than catching up (forbidden
				// by contract), preserving bounded latency under overload.
				missed := now.Sub(next)/period + 1
				next = next.Add(missed * period)
			}
			timer.Reset(time.Until(next))
		}
	}
}

// Stop requests a graceful stop; the in-progress scan (if any) completes
// and the loop exits at the next tick boundary check.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
}

func (e *Engine) runScan() {
	e.mu.RLock()
	blocks := e.blocks
	e.mu.RUnlock()

	e.bus.BeginScanBatch()

	start := time.Now()
	for _, nb := range blocks {
		blkStart := time.Now()
		if err := nb.blk.Execute(e.bus); err != nil {
			nb.errs.Add(1)
			e.errorCount.Add(1)
			log.Warnf("block %q execute error: %v", nb.blk.Name(), err)
		}
		nb.elapsedNs.Store(int64(time.Since(blkStart)))
	}
	elapsed := time.Since(start)

	// Only after every block has run does the batch flush, so subscribers
	// never see a signal change interleaved with in-progress execution.
	e.bus.EndScanBatch()

	e.scanCount.Add(1)
	e.recordScanTime(elapsed)
	e.publishScanEvent(ScanEvent{ScanCount: e.scanCount.Load(), Duration: elapsed})

	period := time.Duration(e.scanPeriod.Load())
	if period > 0 && elapsed > period*jitterWarnFactor {
		log.Warnf("scan %d took %s, more than %dx the %s target period", e.scanCount.Load(), elapsed, jitterWarnFactor, period)
	}
}

// SubscribeScans returns a bounded channel of scan-completion events and a
// cancel function, the scan-stream counterpart to the bus's change stream.
// A slow consumer drops the oldest buffered event rather than blocking the
// scan loop.
func (e *Engine) SubscribeScans() (<-chan ScanEvent, func()) {
	ch := make(chan ScanEvent, scanEventBuffer)

	e.scanSubMu.Lock()
	id := e.nextScanSubID
	e.nextScanSubID++
	e.scanSubs[id] = ch
	e.scanSubMu.Unlock()

	cancel := func() {
		e.scanSubMu.Lock()
		delete(e.scanSubs, id)
		e.scanSubMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) publishScanEvent(ev ScanEvent) {
	e.scanSubMu.Lock()
	defer e.scanSubMu.Unlock()
	for _, ch := range e.scanSubs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (e *Engine) recordScanTime(d time.Duration) {
	e.scanTimesMu.Lock()
	defer e.scanTimesMu.Unlock()
	e.scanTimes[e.scanTimePos] = d
	e.scanTimePos = (e.scanTimePos + 1) % len(e.scanTimes)
}

// Stats is a point-in-time snapshot of EngineStats (C4 observability).
type Stats struct {
	Running       bool
	ScanCount     uint64
	ErrorCount    uint64
	Uptime        time.Duration
	SignalCount   int
	BlockCount    int
	AvgScanTime   time.Duration
	MaxScanTime   time.Duration
	PerBlock      map[string]BlockStats
}

// BlockStats is the per-block timing/error detail within Stats.
type BlockStats struct {
	LastElapsed time.Duration
	ErrorCount  uint64
}

// Stats samples the engine's counters from atomics, taking only two short
// locks (the block list read lock and the scan-time window lock); safe to
// call from any goroutine at any time.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	blocks := e.blocks
	e.mu.RUnlock()

	e.scanTimesMu.Lock()
	var total, max time.Duration
	n := 0
	for _, d := range e.scanTimes {
		if d == 0 {
			continue
		}
		total += d
		if d > max {
			max = d
		}
		n++
	}
	e.scanTimesMu.Unlock()

	avg := time.Duration(0)
	if n > 0 {
		avg = total / time.Duration(n)
	}

	perBlock := make(map[string]BlockStats, len(blocks))
	for _, nb := range blocks {
		perBlock[nb.blk.Name()] = BlockStats{
			LastElapsed: time.Duration(nb.elapsedNs.Load()),
			ErrorCount:  nb.errs.Load(),
		}
	}

	uptime := time.Duration(0)
	if e.State() == Running {
		uptime = time.Since(e.startedAt)
	}

	return Stats{
		Running:     e.State() == Running,
		ScanCount:   e.scanCount.Load(),
		ErrorCount:  e.errorCount.Load(),
		Uptime:      uptime,
		SignalCount: e.bus.SignalCount(),
		BlockCount:  len(blocks),
		AvgScanTime: avg,
		MaxScanTime: max,
		PerBlock:    perBlock,
	}
}
