package block

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func TestANDOfTwoBooleans(t *testing.T) {
	b := bus.New()
	b.Set("a", value.FromBool(false))
	b.Set("b", value.FromBool(false))
	b.Set("out", value.FromBool(false))

	blk, err := Build(Spec{
		Name: "and1", BlockType: "AND",
		Inputs:  map[string]string{"in1": "a", "in2": "b"},
		Outputs: map[string]string{"out": "out"},
	})
	require.NoError(t, err)

	require.NoError(t, blk.Execute(b))
	out, _ := b.GetBool("out")
	assert.False(t, out)

	b.Set("a", value.FromBool(true))
	b.Set("b", value.FromBool(true))
	require.NoError(t, blk.Execute(b))
	out, _ = b.GetBool("out")
	assert.True(t, out)
}

func TestRisingEdgeOneShot(t *testing.T) {
	b := bus.New()
	b.Set("clk", value.FromBool(false))

	blk, err := Build(Spec{
		Name: "rt1", BlockType: "R_TRIG",
		Inputs:  map[string]string{"clk": "clk"},
		Outputs: map[string]string{"q": "pulse"},
	})
	require.NoError(t, err)

	seq := []bool{false, false, true, true, true, false}
	want := []bool{false, false, true, false, false, false}

	for i, clk := range seq {
		b.Set("clk", value.FromBool(clk))
		require.NoError(t, blk.Execute(b))
		got, _ := b.GetBool("pulse")
		assert.Equal(t, want[i], got, "scan %d", i)
	}
}

func TestTON300msWith100msScan(t *testing.T) {
	b := bus.New()
	b.Set("in", value.FromBool(true))

	blk, err := Build(Spec{
		Name: "ton1", BlockType: "TON",
		Inputs:  map[string]string{"in": "in"},
		Outputs: map[string]string{"q": "q"},
		Params:  map[string]any{"preset_ms": 300},
	})
	require.NoError(t, err)

	tn := blk.(*tonBlock)
	base := time.Unix(0, 0)

	want := []bool{false, false, false, true, true}
	for i := range want {
		scanTime := base.Add(time.Duration(i) * 100 * time.Millisecond)
		tn.now = func() time.Time { return scanTime }
		require.NoError(t, blk.Execute(b))
		got, _ := b.GetBool("q")
		assert.Equal(t, want[i], got, "scan %d", i)
	}
}

func TestSRLatchResetDominant(t *testing.T) {
	b := bus.New()
	blk, err := Build(Spec{
		Name: "latch1", BlockType: "SR_LATCH",
		Inputs:  map[string]string{"set": "s", "reset": "r"},
		Outputs: map[string]string{"out": "q"},
	})
	require.NoError(t, err)

	b.Set("s", value.FromBool(true))
	b.Set("r", value.FromBool(false))
	require.NoError(t, blk.Execute(b))
	got, _ := b.GetBool("q")
	assert.True(t, got)

	b.Set("s", value.FromBool(true))
	b.Set("r", value.FromBool(true))
	require.NoError(t, blk.Execute(b))
	got, _ = b.GetBool("q")
	assert.False(t, got, "reset must dominate when both asserted")
}

func TestEQUsesEpsilon(t *testing.T) {
	b := bus.New()
	b.Set("a", value.FromFloat64(1.0))
	b.Set("b", value.FromFloat64(1.0+1e-12))

	blk, err := Build(Spec{
		Name: "eq1", BlockType: "EQ",
		Inputs:  map[string]string{"a": "a", "b": "b"},
		Outputs: map[string]string{"out": "out"},
	})
	require.NoError(t, err)
	require.NoError(t, blk.Execute(b))
	got, _ := b.GetBool("out")
	assert.True(t, got)
}

func TestUnknownBlockType(t *testing.T) {
	_, err := Build(Spec{Name: "x", BlockType: "NOPE"})
	assert.Error(t, err)
}

func TestMissingRequiredPortFailsConstruction(t *testing.T) {
	_, err := Build(Spec{Name: "not1", BlockType: "NOT", Outputs: map[string]string{"out": "o"}})
	assert.Error(t, err)
}
