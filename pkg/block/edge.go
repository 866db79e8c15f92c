package block

import (
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("R_TRIG", newRTrig)
}

// rTrigBlock emits a one-scan pulse on the rising edge of clk. Internal
// state (the previous clk value) persists across scans.
type rTrigBlock struct {
	name       string
	clk, q     string
	prevWasSet bool
	prev       bool
}

func (r *rTrigBlock) Name() string { return r.name }
func (r *rTrigBlock) Kind() string { return "R_TRIG" }

func (r *rTrigBlock) Execute(b *bus.Bus) error {
	cur, err := b.GetBool(r.clk)
	if err != nil {
		return err
	}
	rising := r.prevWasSet && !r.prev && cur
	r.prev = cur
	r.prevWasSet = true
	b.Set(r.q, value.FromBool(rising))
	return nil
}

func newRTrig(spec Spec) (Block, error) {
	clk, err := requirePort(spec, spec.Inputs, "clk")
	if err != nil {
		return nil, err
	}
	q, err := requirePort(spec, spec.Outputs, "q")
	if err != nil {
		return nil, err
	}
	return &rTrigBlock{name: spec.Name, clk: clk, q: q}, nil
}
