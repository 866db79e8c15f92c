package historian

import (
	"path/filepath"
	"sync"
	"time"
)

// downsampler throttles how often a given signal name is admitted into the
// historian's batch, per the configured DownsampleRules. A signal matching
// no rule is always admitted.
type downsampler struct {
	rules []DownsampleRule

	mu   sync.Mutex
	last map[string]time.Time
}

func newDownsampler(rules []DownsampleRule) *downsampler {
	return &downsampler{rules: rules, last: make(map[string]time.Time)}
}

// admit reports whether a change to name should be persisted now, given how
// recently a change to the same name was last admitted.
func (d *downsampler) admit(name string) bool {
	if len(d.rules) == 0 {
		return true
	}
	rule, ok := d.matchingRule(name)
	if !ok {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if prev, seen := d.last[name]; seen && now.Sub(prev) < rule.MinInterval {
		return false
	}
	d.last[name] = now
	return true
}

func (d *downsampler) matchingRule(name string) (DownsampleRule, bool) {
	for _, r := range d.rules {
		if ok, _ := filepath.Match(r.Pattern, name); ok {
			return r, true
		}
	}
	return DownsampleRule{}, false
}
