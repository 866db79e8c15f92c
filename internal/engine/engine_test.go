package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/pkg/block"
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func TestScanCountMonotonic(t *testing.T) {
	b := bus.New()
	e := New(b, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	time.Sleep(120 * time.Millisecond)
	cancel()
	e.Stop()

	stats := e.Stats()
	assert.GreaterOrEqual(t, stats.ScanCount, uint64(3))
}

// addTestBlock injects a pre-built Block directly, bypassing the
// spec-driven catalog registry AddBlock goes through — needed for the
// package-local test doubles below, which have no BlockType registered.
func addTestBlock(e *Engine, blk block.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addBlockLocked(blk, nil)
}

func TestBlockErrorIsolatedAndCounted(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour) // never auto-ticks; we drive manually

	erroring := &alwaysErrBlock{name: "bad"}
	ok := &countingBlock{name: "good"}
	addTestBlock(e, erroring)
	addTestBlock(e, ok)

	e.runScan()

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.ErrorCount)
	assert.Equal(t, 1, ok.calls)
}

func TestChangeStreamBatchedPerScan(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour)

	require.NoError(t, e.AddBlock(block.Spec{
		Name: "and1", BlockType: "AND",
		Inputs:  map[string]string{"in1": "a", "in2": "b"},
		Outputs: map[string]string{"out": "out"},
	}))

	b.Set("a", value.FromBool(false))
	b.Set("b", value.FromBool(false))

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Set("a", value.FromBool(true))
	b.Set("b", value.FromBool(true))
	// Drain the two direct-write events so they don't get mistaken for
	// the scan's own batch.
	<-ch
	<-ch

	e.runScan()

	select {
	case ev := <-ch:
		assert.Equal(t, "out", ev.Name)
		assert.True(t, ev.Value.Bool())
	case <-time.After(time.Second):
		t.Fatal("expected a change event from the scan")
	}
}

func TestSubscribeScansReceivesEventPerScan(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour)

	ch, cancel := e.SubscribeScans()
	defer cancel()

	e.runScan()
	e.runScan()

	first := <-ch
	second := <-ch
	assert.EqualValues(t, 1, first.ScanCount)
	assert.EqualValues(t, 2, second.ScanCount)
}

func TestAddRemoveBlock(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour)

	cb := &countingBlock{name: "c"}
	addTestBlock(e, cb)
	require.NoError(t, e.RemoveBlock("c"))
	assert.Error(t, e.RemoveBlock("c"))
}

func TestReconfigureAddRemoveSignal(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour)

	require.NoError(t, e.AddSignal("s1", value.FromBool(true)))
	v, err := b.Get("s1")
	require.NoError(t, err)
	assert.True(t, v.Bool())

	assert.Error(t, e.AddSignal("s1", value.FromBool(false)), "adding a signal that already exists should fail validation")

	require.NoError(t, e.RemoveSignal("s1"))
	_, err = b.Get("s1")
	assert.Error(t, err)

	assert.Error(t, e.RemoveSignal("s1"), "removing a signal that no longer exists should fail validation")
}

func TestRemoveSignalRejectedWhileReferenced(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour)
	b.Set("a", value.FromBool(false))
	b.Set("b", value.FromBool(false))

	require.NoError(t, e.AddBlock(block.Spec{
		Name: "and1", BlockType: "AND",
		Inputs:  map[string]string{"in1": "a", "in2": "b"},
		Outputs: map[string]string{"out": "out"},
	}))

	assert.Error(t, e.RemoveSignal("a"), "a signal referenced by a block's inputs must not be removable")

	require.NoError(t, e.RemoveBlock("and1"))
	require.NoError(t, e.RemoveSignal("a"), "once unreferenced, the signal can be removed")
}

func TestReconfigureBatchRollsBackOnValidationFailure(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour)

	_, err := e.Reconfigure([]Edit{
		{Kind: EditAddSignal, SignalName: "new1", InitialValue: value.FromBool(true)},
		{Kind: EditRemoveBlock, BlockName: "does-not-exist"},
	})
	require.Error(t, err)

	_, getErr := b.Get("new1")
	assert.Error(t, getErr, "a batch with a later validation failure must leave earlier edits unapplied")
}

func TestReconfigureSetScanPeriodRejectsNonPositive(t *testing.T) {
	b := bus.New()
	e := New(b, time.Hour)

	assert.Error(t, e.SetScanPeriod(0))
	require.NoError(t, e.SetScanPeriod(5*time.Millisecond))
	assert.EqualValues(t, 5*time.Millisecond, time.Duration(e.scanPeriod.Load()))
}

type alwaysErrBlock struct{ name string }

func (a *alwaysErrBlock) Name() string { return a.name }
func (a *alwaysErrBlock) Kind() string { return "TEST_ERR" }
func (a *alwaysErrBlock) Execute(b *bus.Bus) error {
	return assert.AnError
}

type countingBlock struct {
	name  string
	calls int
}

func (c *countingBlock) Name() string { return c.name }
func (c *countingBlock) Kind() string { return "TEST_OK" }
func (c *countingBlock) Execute(b *bus.Bus) error {
	c.calls++
	return nil
}
