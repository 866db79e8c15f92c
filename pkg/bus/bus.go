// Package bus implements the Signal Bus: a concurrent, typed key/value
// store consumed by every other PETRA subsystem. Each key is protected by
// its own lock so that readers and writers of unrelated signals never
// contend with one another.
package bus

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/pkg/value"
)

// ChangeEvent is one post-write delta published to subscribers.
type ChangeEvent struct {
	Name  string
	Value value.Value
}

// entry is one signal slot. Its own mutex gives per-key atomicity without
// a global lock across the bus.
type entry struct {
	mu  sync.RWMutex
	val value.Value
}

// defaultChangeBuffer is the default subscriber channel capacity when the
// caller does not specify one explicitly via SubscribeWithCapacity.
const defaultChangeBuffer = 256

// Bus is the Signal Bus. The zero value is not usable; construct with New.
type Bus struct {
	mu      sync.RWMutex // guards the signals map itself (insert/lookup), not entry contents
	signals map[string]*entry

	subMu sync.Mutex
	subs  map[int]*subscriber
	nextSubID int

	dropped atomic.Uint64

	batchMu    sync.Mutex
	batching   bool
	batchOrder []string
	batchSeen  map[string]struct{}
}

type subscriber struct {
	ch      chan ChangeEvent
	dropped *atomic.Uint64
}

// New constructs an empty Signal Bus.
func New() *Bus {
	return &Bus{
		signals: make(map[string]*entry),
		subs:    make(map[int]*subscriber),
	}
}

// getOrCreate returns the entry for name, creating it if absent. isNew
// reports whether this call created the entry, so Set can treat a
// signal's very first write as a change regardless of the zero value.
func (b *Bus) getOrCreate(name string) (e *entry, isNew bool) {
	b.mu.RLock()
	e, ok := b.signals[name]
	b.mu.RUnlock()
	if ok {
		return e, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.signals[name]; ok {
		return e, false
	}
	e = &entry{}
	b.signals[name] = e
	return e, true
}

// Set upserts name to v. It always succeeds on a well-formed name. A
// change notification is published iff the new value differs structurally
// from the prior value, or the signal did not previously exist.
func (b *Bus) Set(name string, v value.Value) {
	e, isNew := b.getOrCreate(name)

	e.mu.Lock()
	prev := e.val
	changed := isNew || prev.Kind() != v.Kind() || !prev.Equal(v)
	e.val = v
	e.mu.Unlock()

	if !changed {
		return
	}

	if b.recordIfBatching(name) {
		return
	}
	b.publish(ChangeEvent{Name: name, Value: v})
}

// recordIfBatching appends name to the in-progress scan batch if one is
// open, preserving first-touch order, and reports whether it did so. When
// a batch is open, individual Set calls are held back so that subscribers
// never observe a partial scan: the engine flushes the whole batch in one
// shot via EndScanBatch once every block has executed.
func (b *Bus) recordIfBatching(name string) bool {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	if !b.batching {
		return false
	}
	if _, seen := b.batchSeen[name]; !seen {
		b.batchSeen[name] = struct{}{}
		b.batchOrder = append(b.batchOrder, name)
	}
	return true
}

// BeginScanBatch opens a scan-scoped batch: subsequent Set calls record
// which signals changed, in first-touch order, without publishing
// individually. Intended for use by the Scan Engine around a single
// scan's block execution; not for general callers.
func (b *Bus) BeginScanBatch() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	b.batching = true
	b.batchOrder = b.batchOrder[:0]
	b.batchSeen = make(map[string]struct{})
}

// EndScanBatch closes the batch opened by BeginScanBatch and publishes
// one ChangeEvent per touched signal, in first-touch order, using each
// signal's final value. This is what lets a subscriber observe an entire
// scan's changes only after the scan completes, never interleaved with
// in-progress block execution.
func (b *Bus) EndScanBatch() {
	b.batchMu.Lock()
	order := b.batchOrder
	b.batchOrder = nil
	b.batchSeen = nil
	b.batching = false
	b.batchMu.Unlock()

	for _, name := range order {
		v, err := b.Get(name)
		if err != nil {
			continue
		}
		b.publish(ChangeEvent{Name: name, Value: v})
	}
}

// Get returns the current value of name, or a NotFound error.
func (b *Bus) Get(name string) (value.Value, error) {
	b.mu.RLock()
	e, ok := b.signals[name]
	b.mu.RUnlock()
	if !ok {
		return value.Value{}, perr.NotFoundErr("bus.Get", name)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.val, nil
}

// GetBool reads name coerced to bool, or NotFound/TypeMismatch.
func (b *Bus) GetBool(name string) (bool, error) {
	v, err := b.typedGet(name, value.Bool)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// GetInt32 reads name coerced to int32, or NotFound/TypeMismatch.
func (b *Bus) GetInt32(name string) (int32, error) {
	v, err := b.typedGet(name, value.Int32)
	if err != nil {
		return 0, err
	}
	return v.Int32(), nil
}

// GetFloat64 reads name coerced to float64, or NotFound/TypeMismatch.
func (b *Bus) GetFloat64(name string) (float64, error) {
	v, err := b.typedGet(name, value.Float64)
	if err != nil {
		return 0, err
	}
	return v.Float64(), nil
}

func (b *Bus) typedGet(name string, want value.Kind) (value.Value, error) {
	v, err := b.Get(name)
	if err != nil {
		return value.Value{}, err
	}
	if v.Kind() != want {
		return value.Value{}, &perr.TypeMismatch{
			Op:       "bus.GetAs",
			Expected: want.String(),
			Actual:   v.Kind().String(),
		}
	}
	return v, nil
}

// Remove deletes name from the bus entirely, for hot reconfiguration's
// remove-signal edit. Returns NotFound if name does not exist. There is no
// change notification for a removal: subscribers that still hold the name
// will see their next Get fail with NotFound rather than a synthetic event.
func (b *Bus) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.signals[name]; !ok {
		return perr.NotFoundErr("bus.Remove", name)
	}
	delete(b.signals, name)
	return nil
}

// Snapshot returns a point-in-time, name-sorted copy of every signal.
// Per-key atomicity is guaranteed; the full snapshot is not required to be
// instantaneous across all keys.
func (b *Bus) Snapshot() []ChangeEvent {
	b.mu.RLock()
	names := make([]string, 0, len(b.signals))
	entries := make([]*entry, 0, len(b.signals))
	for name, e := range b.signals {
		names = append(names, name)
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	sort.Strings(names)
	idx := make(map[string]*entry, len(names))
	for i, n := range names {
		idx[n] = entries[i]
	}

	out := make([]ChangeEvent, 0, len(names))
	for _, n := range names {
		e := idx[n]
		e.mu.RLock()
		v := e.val
		e.mu.RUnlock()
		out = append(out, ChangeEvent{Name: n, Value: v})
	}
	return out
}

// Subscribe returns a bounded channel of change events using the default
// capacity. See SubscribeWithCapacity for control over backpressure.
func (b *Bus) Subscribe() (<-chan ChangeEvent, func()) {
	return b.SubscribeWithCapacity(defaultChangeBuffer)
}

// SubscribeWithCapacity returns a bounded multi-producer single-consumer
// channel of change events. On overflow the oldest buffered event is
// dropped in favor of the new one and the global drop counter is
// incremented; writers (engine scans) never block on a slow subscriber.
// The returned cancel function unregisters the subscription.
func (b *Bus) SubscribeWithCapacity(capacity int) (<-chan ChangeEvent, func()) {
	if capacity <= 0 {
		capacity = defaultChangeBuffer
	}
	sub := &subscriber{ch: make(chan ChangeEvent, capacity), dropped: &b.dropped}

	b.subMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = sub
	b.subMu.Unlock()

	cancel := func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
	return sub.ch, cancel
}

// DroppedEvents reports how many change events have been dropped across
// all subscribers due to full channels.
func (b *Bus) DroppedEvents() uint64 {
	return b.dropped.Load()
}

// SignalCount reports the number of distinct signals currently tracked.
func (b *Bus) SignalCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.signals)
}

// ListNames returns every known signal name, sorted, for the status API's
// signal listing and PETRA_PRINT_FEATURES startup dump.
func (b *Bus) ListNames() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.signals))
	for name := range b.signals {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SubscriberCount reports how many active change-stream subscriptions
// exist, so callers can skip snapshot work when nobody is listening.
func (b *Bus) SubscriberCount() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

func (b *Bus) publish(ev ChangeEvent) {
	b.subMu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			// Drop-oldest: make room by discarding the head, then retry
			// the send. If a concurrent consumer drained a slot first,
			// the retry still succeeds harmlessly into the new space.
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
			}
		}
	}
}
