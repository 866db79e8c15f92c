package block

import (
	"fmt"
	"sort"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("AND", newAndOr(true))
	register("OR", newAndOr(false))
	register("NOT", newNot)
}

// logicBlock is the shared shape for AND/OR/NOT: a named instance with a
// fixed set of input signal names and a single output.
type logicBlock struct {
	name    string
	kind    string
	inputs  []string
	output  string
	combine func(vals []bool) bool
}

func (l *logicBlock) Name() string { return l.name }
func (l *logicBlock) Kind() string { return l.kind }

func (l *logicBlock) Execute(b *bus.Bus) error {
	vals := make([]bool, len(l.inputs))
	for i, sig := range l.inputs {
		v, err := b.GetBool(sig)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	b.Set(l.output, value.FromBool(l.combine(vals)))
	return nil
}

// newAndOr returns a factory for AND (conjunctive=true) or OR
// (conjunctive=false). Any number of bool inputs is accepted (n-ary),
// keyed by port name; inputs are evaluated in sorted port-name order for
// determinism, not in config declaration order.
func newAndOr(conjunctive bool) Factory {
	return func(spec Spec) (Block, error) {
		out, err := requirePort(spec, spec.Outputs, "out")
		if err != nil {
			return nil, err
		}
		if len(spec.Inputs) < 1 {
			return nil, fmt.Errorf("requires at least one input")
		}
		ports := make([]string, 0, len(spec.Inputs))
		for p := range spec.Inputs {
			ports = append(ports, p)
		}
		sort.Strings(ports)
		inputs := make([]string, len(ports))
		for i, p := range ports {
			inputs[i] = spec.Inputs[p]
		}

		kind := "OR"
		combine := func(vals []bool) bool {
			for _, v := range vals {
				if v {
					return true
				}
			}
			return false
		}
		if conjunctive {
			kind = "AND"
			combine = func(vals []bool) bool {
				for _, v := range vals {
					if !v {
						return false
					}
				}
				return true
			}
		}

		return &logicBlock{name: spec.Name, kind: kind, inputs: inputs, output: out, combine: combine}, nil
	}
}

func newNot(spec Spec) (Block, error) {
	in, err := requirePort(spec, spec.Inputs, "in")
	if err != nil {
		return nil, err
	}
	out, err := requirePort(spec, spec.Outputs, "out")
	if err != nil {
		return nil, err
	}
	return &logicBlock{
		name: spec.Name, kind: "NOT", inputs: []string{in}, output: out,
		combine: func(vals []bool) bool { return !vals[0] },
	}, nil
}
