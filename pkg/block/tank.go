package block

import (
	"time"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("TANK_SIMULATION", newTank)
}

// tankBlock integrates net flow (inflow - outflow) against tank geometry
// since the prior scan, producing the level in feet (fill fraction times
// heightFeet).
type tankBlock struct {
	name                  string
	inflow, outflow, level string
	capacityGallons, heightFeet float64

	levelGallons float64
	lastTick     time.Time
	havePrev     bool
	now          func() time.Time
}

func (t *tankBlock) Name() string { return t.name }
func (t *tankBlock) Kind() string { return "TANK_SIMULATION" }

func (t *tankBlock) Execute(b *bus.Bus) error {
	inflow, err := b.GetFloat64(t.inflow)
	if err != nil {
		return err
	}
	outflow, err := b.GetFloat64(t.outflow)
	if err != nil {
		return err
	}

	now := t.now()
	dt := time.Second
	if t.havePrev {
		dt = now.Sub(t.lastTick)
		if dt <= 0 {
			dt = 0
		}
	}
	t.lastTick = now
	t.havePrev = true

	net := inflow - outflow
	t.levelGallons += net * dt.Seconds()
	if t.levelGallons < 0 {
		t.levelGallons = 0
	}
	if t.capacityGallons > 0 && t.levelGallons > t.capacityGallons {
		t.levelGallons = t.capacityGallons
	}

	levelFeet := 0.0
	if t.capacityGallons > 0 {
		levelFeet = (t.levelGallons / t.capacityGallons) * t.heightFeet
	}

	b.Set(t.level, value.FromFloat64(levelFeet))
	return nil
}

func newTank(spec Spec) (Block, error) {
	inflow, err := requirePort(spec, spec.Inputs, "inflow")
	if err != nil {
		return nil, err
	}
	outflow, err := requirePort(spec, spec.Inputs, "outflow")
	if err != nil {
		return nil, err
	}
	level, err := requirePort(spec, spec.Outputs, "tank_level")
	if err != nil {
		return nil, err
	}

	return &tankBlock{
		name: spec.Name, inflow: inflow, outflow: outflow, level: level,
		capacityGallons: floatParam(spec, "capacity_gallons", 1000),
		heightFeet:      floatParam(spec, "height_feet", 10),
		now:             time.Now,
	}, nil
}
