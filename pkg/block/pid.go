package block

import (
	"time"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("PID", newPID)
}

// pidBlock is a discrete PID controller with optional output and integral
// clamps. When clamps are configured, integral accumulation pauses once
// the unclamped output would saturate (anti-windup).
type pidBlock struct {
	name             string
	setpoint, pv, out string

	kp, ki, kd float64

	hasOutClamp          bool
	outMin, outMax       float64
	hasIntegralClamp     bool
	integralMin, integralMax float64

	integral  float64
	prevErr   float64
	havePrev  bool
	lastTick  time.Time
	now       func() time.Time
}

func (p *pidBlock) Name() string { return p.name }
func (p *pidBlock) Kind() string { return "PID" }

func (p *pidBlock) Execute(b *bus.Bus) error {
	sp, err := b.GetFloat64(p.setpoint)
	if err != nil {
		return err
	}
	pv, err := b.GetFloat64(p.pv)
	if err != nil {
		return err
	}

	now := p.now()
	dt := time.Second
	if p.havePrev {
		dt = now.Sub(p.lastTick)
		if dt <= 0 {
			dt = time.Millisecond
		}
	}
	p.lastTick = now

	e := sp - pv

	proposedIntegral := p.integral + e*dt.Seconds()
	if p.hasIntegralClamp {
		proposedIntegral = clamp(proposedIntegral, p.integralMin, p.integralMax)
	}

	derivative := 0.0
	if p.havePrev && dt > 0 {
		derivative = (e - p.prevErr) / dt.Seconds()
	}

	out := p.kp*e + p.ki*proposedIntegral + p.kd*derivative

	if p.hasOutClamp {
		clamped := clamp(out, p.outMin, p.outMax)
		// Anti-windup: only commit the integral step if it didn't push
		// the output past the clamp, otherwise hold the prior integral.
		if clamped == out {
			p.integral = proposedIntegral
		}
		out = clamped
	} else {
		p.integral = proposedIntegral
	}

	p.prevErr = e
	p.havePrev = true

	b.Set(p.out, value.FromFloat64(out))
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func newPID(spec Spec) (Block, error) {
	sp, err := requirePort(spec, spec.Inputs, "setpoint")
	if err != nil {
		return nil, err
	}
	pv, err := requirePort(spec, spec.Inputs, "pv")
	if err != nil {
		return nil, err
	}
	out, err := requirePort(spec, spec.Outputs, "out")
	if err != nil {
		return nil, err
	}

	p := &pidBlock{
		name: spec.Name, setpoint: sp, pv: pv, out: out,
		kp: floatParam(spec, "kp", 0),
		ki: floatParam(spec, "ki", 0),
		kd: floatParam(spec, "kd", 0),
		now: time.Now,
	}

	if _, ok := spec.Params["output_min"]; ok {
		p.hasOutClamp = true
		p.outMin = floatParam(spec, "output_min", 0)
		p.outMax = floatParam(spec, "output_max", 0)
	}
	if _, ok := spec.Params["integral_min"]; ok {
		p.hasIntegralClamp = true
		p.integralMin = floatParam(spec, "integral_min", 0)
		p.integralMax = floatParam(spec, "integral_max", 0)
	}

	return p, nil
}
