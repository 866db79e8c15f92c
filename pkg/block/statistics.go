package block

import (
	"math"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

func init() {
	register("STATISTICS", newStatistics)
}

// statisticsBlock maintains a sliding window of the last windowSize
// samples and reports mean/min/max/stddev over it.
type statisticsBlock struct {
	name                           string
	in, meanOut, minOut, maxOut, stddevOut string
	windowSize                     int

	window []float64
	pos    int
	filled bool
}

func (s *statisticsBlock) Name() string { return s.name }
func (s *statisticsBlock) Kind() string { return "STATISTICS" }

func (s *statisticsBlock) Execute(b *bus.Bus) error {
	v, err := b.GetFloat64(s.in)
	if err != nil {
		return err
	}

	s.window[s.pos] = v
	s.pos = (s.pos + 1) % len(s.window)
	if s.pos == 0 {
		s.filled = true
	}

	samples := s.window
	if !s.filled {
		samples = s.window[:s.pos]
	}

	mean, mn, mx, stddev := summarize(samples)

	b.Set(s.meanOut, value.FromFloat64(mean))
	b.Set(s.minOut, value.FromFloat64(mn))
	b.Set(s.maxOut, value.FromFloat64(mx))
	b.Set(s.stddevOut, value.FromFloat64(stddev))
	return nil
}

func summarize(samples []float64) (mean, mn, mx, stddev float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	mn, mx = samples[0], samples[0]
	sum := 0.0
	for _, v := range samples {
		sum += v
		if v < mn {
			mn = v
		}
		if v > mx {
			mx = v
		}
	}
	mean = sum / float64(len(samples))

	var variance float64
	for _, v := range samples {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	stddev = math.Sqrt(variance)
	return mean, mn, mx, stddev
}

func newStatistics(spec Spec) (Block, error) {
	in, err := requirePort(spec, spec.Inputs, "in")
	if err != nil {
		return nil, err
	}
	mean, err := requirePort(spec, spec.Outputs, "mean")
	if err != nil {
		return nil, err
	}
	mn, err := requirePort(spec, spec.Outputs, "min")
	if err != nil {
		return nil, err
	}
	mx, err := requirePort(spec, spec.Outputs, "max")
	if err != nil {
		return nil, err
	}
	stddev, err := requirePort(spec, spec.Outputs, "stddev")
	if err != nil {
		return nil, err
	}

	windowSize := intParam(spec, "window_size", 10)
	if windowSize < 1 {
		windowSize = 1
	}

	return &statisticsBlock{
		name: spec.Name, in: in, meanOut: mean, minOut: mn, maxOut: mx, stddevOut: stddev,
		windowSize: windowSize,
		window:     make([]float64, windowSize),
	}, nil
}
