package block

import (
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("SR_LATCH", newSRLatch)
}

// srLatchBlock is a reset-dominant SR latch: when both set and reset are
// asserted in the same scan, reset wins.
type srLatchBlock struct {
	name         string
	set, reset   string
	output       string
	state        bool
}

func (s *srLatchBlock) Name() string { return s.name }
func (s *srLatchBlock) Kind() string { return "SR_LATCH" }

func (s *srLatchBlock) Execute(b *bus.Bus) error {
	set, err := b.GetBool(s.set)
	if err != nil {
		return err
	}
	reset, err := b.GetBool(s.reset)
	if err != nil {
		return err
	}

	switch {
	case reset:
		s.state = false
	case set:
		s.state = true
	}

	b.Set(s.output, value.FromBool(s.state))
	return nil
}

func newSRLatch(spec Spec) (Block, error) {
	set, err := requirePort(spec, spec.Inputs, "set")
	if err != nil {
		return nil, err
	}
	reset, err := requirePort(spec, spec.Inputs, "reset")
	if err != nil {
		return nil, err
	}
	out, err := requirePort(spec, spec.Outputs, "out")
	if err != nil {
		return nil, err
	}
	return &srLatchBlock{name: spec.Name, set: set, reset: reset, output: out}, nil
}
