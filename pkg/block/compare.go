package block

import (
	"math"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

// compareEpsilon is the tolerance used by EQ, matching pkg/value's
// float-to-bool conversion epsilon.
const compareEpsilon = 1e-9

func init() {
	register("GT", newCompare("GT", func(a, b float64) bool { return a > b }))
	register("LT", newCompare("LT", func(a, b float64) bool { return a < b }))
	register("EQ", newCompare("EQ", func(a, b float64) bool { return math.Abs(a-b) < compareEpsilon }))
}

type compareBlock struct {
	name, kind   string
	a, b, output string
	cmp          func(a, b float64) bool
}

func (c *compareBlock) Name() string { return c.name }
func (c *compareBlock) Kind() string { return c.kind }

func (c *compareBlock) Execute(bs *bus.Bus) error {
	av, err := bs.GetFloat64(c.a)
	if err != nil {
		return err
	}
	bv, err := bs.GetFloat64(c.b)
	if err != nil {
		return err
	}
	bs.Set(c.output, value.FromBool(c.cmp(av, bv)))
	return nil
}

func newCompare(kind string, cmp func(a, b float64) bool) Factory {
	return func(spec Spec) (Block, error) {
		a, err := requirePort(spec, spec.Inputs, "a")
		if err != nil {
			return nil, err
		}
		b, err := requirePort(spec, spec.Inputs, "b")
		if err != nil {
			return nil, err
		}
		out, err := requirePort(spec, spec.Outputs, "out")
		if err != nil {
			return nil, err
		}
		return &compareBlock{name: spec.Name, kind: kind, a: a, b: b, output: out, cmp: cmp}, nil
	}
}
