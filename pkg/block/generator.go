package block

import (
	"math"
	"time"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("DATA_GENERATOR", newGenerator)
}

// generatorBlock is a reference signal source for tests: while enable is
// true, it emits a sine wave and a monotonic scan counter.
type generatorBlock struct {
	name               string
	enable, sineOut, countOut string
	frequency, amplitude      float64

	startedAt time.Time
	have      bool
	count     int32
	now       func() time.Time
}

func (g *generatorBlock) Name() string { return g.name }
func (g *generatorBlock) Kind() string { return "DATA_GENERATOR" }

func (g *generatorBlock) Execute(b *bus.Bus) error {
	enabled, err := b.GetBool(g.enable)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	now := g.now()
	if !g.have {
		g.startedAt = now
		g.have = true
	}
	elapsed := now.Sub(g.startedAt).Seconds()

	sine := g.amplitude * math.Sin(2*math.Pi*g.frequency*elapsed)
	g.count++

	b.Set(g.sineOut, value.FromFloat64(sine))
	b.Set(g.countOut, value.FromInt32(g.count))
	return nil
}

func newGenerator(spec Spec) (Block, error) {
	enable, err := requirePort(spec, spec.Inputs, "enable")
	if err != nil {
		return nil, err
	}
	sineOut, err := requirePort(spec, spec.Outputs, "sine_out")
	if err != nil {
		return nil, err
	}
	countOut, err := requirePort(spec, spec.Outputs, "count_out")
	if err != nil {
		return nil, err
	}

	return &generatorBlock{
		name: spec.Name, enable: enable, sineOut: sineOut, countOut: countOut,
		frequency: floatParam(spec, "frequency", 1.0),
		amplitude: floatParam(spec, "amplitude", 1.0),
		now:       time.Now,
	}, nil
}
