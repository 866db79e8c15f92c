package block

import (
	"time"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("TON", newTON)
}

// tonBlock is an on-delay timer: q becomes true once in has been
// continuously true for at least presetMs, and resets immediately when in
// goes false.
type tonBlock struct {
	name     string
	in, q    string
	presetMs uint64

	running bool
	startedAt time.Time
	now       func() time.Time
}

func (t *tonBlock) Name() string { return t.name }
func (t *tonBlock) Kind() string { return "TON" }

func (t *tonBlock) Execute(b *bus.Bus) error {
	in, err := b.GetBool(t.in)
	if err != nil {
		return err
	}

	now := t.now()
	if !in {
		t.running = false
		b.Set(t.q, value.FromBool(false))
		return nil
	}

	if !t.running {
		t.running = true
		t.startedAt = now
	}

	elapsed := now.Sub(t.startedAt)
	q := elapsed >= time.Duration(t.presetMs)*time.Millisecond
	b.Set(t.q, value.FromBool(q))
	return nil
}

func newTON(spec Spec) (Block, error) {
	in, err := requirePort(spec, spec.Inputs, "in")
	if err != nil {
		return nil, err
	}
	q, err := requirePort(spec, spec.Outputs, "q")
	if err != nil {
		return nil, err
	}
	preset := uint64Param(spec, "preset_ms", 0)
	return &tonBlock{name: spec.Name, in: in, q: q, presetMs: preset, now: time.Now}, nil
}
