package block

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

var sideEffectLog = plog.For("BLOCK")

func init() {
	register("SIDE_EFFECT", newSideEffect)
}

// Sender performs the actual out-of-scan send for a SIDE_EFFECT block
// (email, SMS, or any other notification channel). Protocol adapters
// register concrete senders by block name via RegisterSender; a block
// with no registered sender logs instead of sending, so construction
// never fails for missing adapter wiring.
type Sender interface {
	Send(content string) error
}

type loggingSender struct{ name string }

func (l loggingSender) Send(content string) error {
	sideEffectLog.Infof("side-effect %q fired (no sender registered): %s", l.name, content)
	return nil
}

var (
	sendersMu sync.RWMutex
	senders   = map[string]Sender{}
)

// RegisterSender wires a concrete Sender for the side-effect block named
// blockName. Call during adapter setup, before the engine starts running.
func RegisterSender(blockName string, s Sender) {
	sendersMu.Lock()
	defer sendersMu.Unlock()
	senders[blockName] = s
}

func senderFor(blockName string) Sender {
	sendersMu.RLock()
	defer sendersMu.RUnlock()
	if s, ok := senders[blockName]; ok {
		return s
	}
	return loggingSender{name: blockName}
}

// sideEffectBlock debounces on the rising edge of trigger, honors a
// per-block cooldown, and dispatches the send to a detached goroutine so
// that Execute never blocks the scan.
type sideEffectBlock struct {
	name    string
	effect  string
	trigger, content, success string
	cooldown time.Duration

	prevTrigger bool
	havePrev    bool
	lastSent    time.Time
	haveSent    bool
	inFlight    atomic.Bool

	now func() time.Time
}

func (s *sideEffectBlock) Name() string { return s.name }
func (s *sideEffectBlock) Kind() string { return "SIDE_EFFECT:" + s.effect }

func (s *sideEffectBlock) Execute(b *bus.Bus) error {
	trig, err := b.GetBool(s.trigger)
	if err != nil {
		return err
	}

	rising := s.havePrev && !s.prevTrigger && trig
	s.prevTrigger = trig
	s.havePrev = true

	if !rising {
		return nil
	}

	now := s.now()
	if s.haveSent && now.Sub(s.lastSent) < s.cooldown {
		return nil
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	s.lastSent = now
	s.haveSent = true

	content := ""
	if s.content != "" {
		if v, err := b.Get(s.content); err == nil {
			content = v.String()
		}
	}

	sender := senderFor(s.name)
	dispatchID := uuid.NewString()
	go func() {
		defer s.inFlight.Store(false)
		err := sender.Send(content)
		b.Set(s.success, value.FromBool(err == nil))
		if err != nil {
			sideEffectLog.Errorf("side-effect %q dispatch %s send failed: %v", s.name, dispatchID, err)
		} else {
			sideEffectLog.Debugf("side-effect %q dispatch %s sent", s.name, dispatchID)
		}
	}()

	return nil
}

func newSideEffect(spec Spec) (Block, error) {
	trigger, err := requirePort(spec, spec.Inputs, "trigger")
	if err != nil {
		return nil, err
	}
	success, err := requirePort(spec, spec.Outputs, "success")
	if err != nil {
		return nil, err
	}
	content := spec.Inputs["content"]
	cooldownMs := uint64Param(spec, "cooldown_ms", 0)
	effect := stringParam(spec, "effect", "generic")

	return &sideEffectBlock{
		name: spec.Name, effect: effect,
		trigger: trigger, content: content, success: success,
		cooldown: time.Duration(cooldownMs) * time.Millisecond,
		now:      time.Now,
	}, nil
}
