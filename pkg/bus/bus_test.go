package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/pkg/value"
)

func TestSetGetRoundTrip(t *testing.T) {
	b := New()
	b.Set("a", value.FromBool(true))

	v, err := b.Get("a")
	require.NoError(t, err)
	assert.True(t, v.Bool())
}

func TestGetUnknownIsNotFound(t *testing.T) {
	b := New()
	_, err := b.Get("missing")
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.KindNotFound))
}

func TestGetAsTypeMismatch(t *testing.T) {
	b := New()
	b.Set("a", value.FromBool(true))
	_, err := b.GetFloat64("a")
	require.Error(t, err)
	tm, ok := perr.IsTypeMismatch(err)
	require.True(t, ok)
	assert.Equal(t, "float", tm.Expected)
	assert.Equal(t, "bool", tm.Actual)
}

func TestFirstWriteAlwaysChanges(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Set("a", value.FromBool(false))
	select {
	case ev := <-ch:
		assert.Equal(t, "a", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected a change event for the first write")
	}
}

func TestNoChangeEventOnIdenticalWrite(t *testing.T) {
	b := New()
	b.Set("a", value.FromInt32(1))
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Set("a", value.FromInt32(1))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected change event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeDropOldestOnOverflow(t *testing.T) {
	b := New()
	ch, cancel := b.SubscribeWithCapacity(16)
	defer cancel()

	for i := 0; i < 1000; i++ {
		b.Set("s", value.FromInt32(int32(i)))
	}

	assert.LessOrEqual(t, len(ch), 16)
	assert.Greater(t, b.DroppedEvents(), uint64(0))
}

func TestSnapshotSortedAndIdempotent(t *testing.T) {
	b := New()
	b.Set("b", value.FromInt32(2))
	b.Set("a", value.FromInt32(1))

	snap1 := b.Snapshot()
	snap2 := b.Snapshot()
	require.Equal(t, snap1, snap2)
	require.Len(t, snap1, 2)
	assert.Equal(t, "a", snap1[0].Name)
	assert.Equal(t, "b", snap1[1].Name)
}

func TestListNamesSorted(t *testing.T) {
	b := New()
	b.Set("zebra", value.FromBool(true))
	b.Set("apple", value.FromBool(true))
	b.Set("mango", value.FromBool(true))

	assert.Equal(t, []string{"apple", "mango", "zebra"}, b.ListNames())
}

func TestConcurrentWritesToDifferentKeysDoNotRace(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Set(string(rune('a'+i%26)), value.FromInt32(int32(j)))
			}
		}(i)
	}
	wg.Wait()
}
