package block

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

type recordingSender struct {
	mu   sync.Mutex
	got  []string
	fail bool
	done chan struct{}
}

func (r *recordingSender) Send(content string) error {
	r.mu.Lock()
	r.got = append(r.got, content)
	fail := r.fail
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	if fail {
		return errors.New("send failed")
	}
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestSideEffectFiresOnceOnRisingEdge(t *testing.T) {
	b := bus.New()
	b.Set("trig", value.FromBool(false))
	b.Set("msg", value.FromFloat64(42))
	b.Set("ok", value.FromBool(false))

	sender := &recordingSender{done: make(chan struct{}, 1)}
	RegisterSender("se1", sender)

	blk, err := Build(Spec{
		Name: "se1", BlockType: "SIDE_EFFECT",
		Inputs:  map[string]string{"trigger": "trig", "content": "msg"},
		Outputs: map[string]string{"success": "ok"},
	})
	require.NoError(t, err)

	require.NoError(t, blk.Execute(b))
	b.Set("trig", value.FromBool(true))
	require.NoError(t, blk.Execute(b))
	<-sender.done

	assert.Equal(t, []string{"42.000"}, sender.sent())
	ok, _ := b.GetBool("ok")
	assert.True(t, ok)

	require.NoError(t, blk.Execute(b))
	assert.Len(t, sender.sent(), 1, "no trigger transition, no re-fire")
}

func TestSideEffectHonorsCooldown(t *testing.T) {
	b := bus.New()
	b.Set("trig", value.FromBool(false))
	b.Set("ok", value.FromBool(false))

	sender := &recordingSender{done: make(chan struct{}, 2)}
	RegisterSender("se2", sender)

	blk, err := Build(Spec{
		Name: "se2", BlockType: "SIDE_EFFECT",
		Inputs:  map[string]string{"trigger": "trig"},
		Outputs: map[string]string{"success": "ok"},
		Params:  map[string]any{"cooldown_ms": 1000},
	})
	require.NoError(t, err)

	now := time.Now()
	blk.(*sideEffectBlock).now = func() time.Time { return now }

	// The first scan only records the trigger's starting state.
	require.NoError(t, blk.Execute(b))
	b.Set("trig", value.FromBool(true))
	require.NoError(t, blk.Execute(b))
	<-sender.done
	assert.Eventually(t, func() bool { return !blk.(*sideEffectBlock).inFlight.Load() }, time.Second, 5*time.Millisecond)

	b.Set("trig", value.FromBool(false))
	require.NoError(t, blk.Execute(b))
	b.Set("trig", value.FromBool(true))
	require.NoError(t, blk.Execute(b))
	assert.Len(t, sender.sent(), 1, "second edge within cooldown must not re-fire")

	now = now.Add(2 * time.Second)
	b.Set("trig", value.FromBool(false))
	require.NoError(t, blk.Execute(b))
	b.Set("trig", value.FromBool(true))
	require.NoError(t, blk.Execute(b))
	<-sender.done
	assert.Len(t, sender.sent(), 2, "edge after cooldown elapsed must fire")
}

func TestSideEffectFallsBackToLoggingSenderWhenUnregistered(t *testing.T) {
	b := bus.New()
	b.Set("trig", value.FromBool(false))
	b.Set("ok", value.FromBool(false))

	blk, err := Build(Spec{
		Name: "se-unregistered", BlockType: "SIDE_EFFECT",
		Inputs:  map[string]string{"trigger": "trig"},
		Outputs: map[string]string{"success": "ok"},
	})
	require.NoError(t, err)

	require.NoError(t, blk.Execute(b))
	b.Set("trig", value.FromBool(true))
	require.NoError(t, blk.Execute(b))

	assert.Eventually(t, func() bool {
		ok, _ := b.GetBool("ok")
		return ok
	}, time.Second, 5*time.Millisecond)
}
