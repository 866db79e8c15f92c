// Package mqttbridge is a worked example of a PETRA protocol adapter: a
// component that owns its own background task, reads and writes the
// Signal Bus through its public interface, and never touches the WAL or
// the Scan Engine directly. It stands in for a field-bus connection (MQTT,
// Modbus, S7 — any broker-shaped transport) using github.com/nats-io/nats.go
// as the pub/sub client. Connection management and subscription tracking
// live on a per-adapter instance, so more than one protocol adapter can
// run in the same process.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/internal/statusapi"
	"github.com/lithos-systems/petra/pkg/bus"
	"github.com/lithos-systems/petra/pkg/value"
)

var log = plog.For("MQTTBRIDGE")

// SignalMapping binds one bus signal to one broker subject.
type SignalMapping struct {
	Signal  string
	Subject string
}

// Config configures a Bridge.
type Config struct {
	Address       string
	Username      string
	Password      string
	CredsFilePath string

	// Inbound mappings deliver broker messages onto the bus: a message on
	// Subject calls bus.Set(Signal, ...).
	Inbound []SignalMapping
	// Outbound mappings republish bus changes onto the broker: whenever
	// Signal changes, its new value is published to Subject.
	Outbound []SignalMapping
}

// wireValue is the JSON payload exchanged on the wire, deliberately the
// same {"type", "value"} shape the status API's change stream uses, so a
// single dashboard-side decoder handles both.
type wireValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Bridge connects a Signal Bus to a NATS-compatible broker in both
// directions. Construct with New and drive with Run; Run owns the
// connection lifecycle and blocks until ctx is canceled.
type Bridge struct {
	cfg Config
	bus *bus.Bus

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription

	connected atomic.Bool
	lastErr   atomic.Value // string
}

// New constructs a Bridge bound to b. It does not connect until Run.
func New(cfg Config, b *bus.Bus) *Bridge {
	return &Bridge{cfg: cfg, bus: b}
}

// Run connects to the broker, wires every inbound/outbound mapping, and
// blocks until ctx is canceled, at which point it unsubscribes and closes
// the connection before returning.
func (br *Bridge) Run(ctx context.Context) error {
	var opts []nats.Option
	if br.cfg.Username != "" && br.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(br.cfg.Username, br.cfg.Password))
	}
	if br.cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(br.cfg.CredsFilePath))
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			br.connected.Store(false)
			if err != nil {
				br.lastErr.Store(err.Error())
				log.Warnf("disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			br.connected.Store(true)
			log.Infof("reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			br.lastErr.Store(err.Error())
			log.Errorf("broker error: %v", err)
		}),
	)

	conn, err := nats.Connect(br.cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("mqttbridge: connect to %s: %w", br.cfg.Address, err)
	}
	br.mu.Lock()
	br.conn = conn
	br.mu.Unlock()
	br.connected.Store(true)
	log.Infof("connected to %s", br.cfg.Address)

	for _, m := range br.cfg.Inbound {
		if err := br.subscribeInbound(m); err != nil {
			br.closeLocked()
			return err
		}
	}

	changes, cancelChanges := br.bus.Subscribe()
	defer cancelChanges()
	outboundSubjects := make(map[string]string, len(br.cfg.Outbound))
	for _, m := range br.cfg.Outbound {
		outboundSubjects[m.Signal] = m.Subject
	}

	for {
		select {
		case <-ctx.Done():
			br.closeLocked()
			return nil
		case ev, ok := <-changes:
			if !ok {
				br.closeLocked()
				return nil
			}
			subject, wanted := outboundSubjects[ev.Name]
			if !wanted {
				continue
			}
			if err := br.publish(subject, ev.Value); err != nil {
				log.Warnf("publishing %q to %s: %v", ev.Name, subject, err)
			}
		}
	}
}

func (br *Bridge) subscribeInbound(m SignalMapping) error {
	signal := m.Signal
	sub, err := br.conn.Subscribe(m.Subject, func(msg *nats.Msg) {
		var wv wireValue
		if err := json.Unmarshal(msg.Data, &wv); err != nil {
			log.Warnf("decoding message on %s: %v", msg.Subject, err)
			return
		}
		v, err := decodeWireValue(wv)
		if err != nil {
			log.Warnf("decoding value on %s: %v", msg.Subject, err)
			return
		}
		br.bus.Set(signal, v)
	})
	if err != nil {
		return fmt.Errorf("mqttbridge: subscribe %s: %w", m.Subject, err)
	}
	br.mu.Lock()
	br.subs = append(br.subs, sub)
	br.mu.Unlock()
	return nil
}

func (br *Bridge) publish(subject string, v value.Value) error {
	wv := encodeWireValue(v)
	data, err := json.Marshal(wv)
	if err != nil {
		return err
	}
	return br.conn.Publish(subject, data)
}

func (br *Bridge) closeLocked() {
	br.mu.Lock()
	defer br.mu.Unlock()
	for _, sub := range br.subs {
		_ = sub.Unsubscribe()
	}
	br.subs = nil
	if br.conn != nil {
		br.conn.Close()
	}
	br.connected.Store(false)
}

func encodeWireValue(v value.Value) wireValue {
	switch v.Kind() {
	case value.Bool:
		return wireValue{Type: "bool", Value: v.Bool()}
	case value.Int32:
		return wireValue{Type: "int", Value: v.Int32()}
	default:
		return wireValue{Type: "float", Value: v.Float64()}
	}
}

func decodeWireValue(wv wireValue) (value.Value, error) {
	switch wv.Type {
	case "bool":
		b, ok := wv.Value.(bool)
		if !ok {
			return value.Value{}, fmt.Errorf("expected bool value, got %T", wv.Value)
		}
		return value.FromBool(b), nil
	case "int":
		n, ok := wv.Value.(float64)
		if !ok {
			return value.Value{}, fmt.Errorf("expected numeric value, got %T", wv.Value)
		}
		return value.FromInt32(int32(n)), nil
	case "float":
		n, ok := wv.Value.(float64)
		if !ok {
			return value.Value{}, fmt.Errorf("expected numeric value, got %T", wv.Value)
		}
		return value.FromFloat64(n), nil
	default:
		return value.Value{}, fmt.Errorf("unknown wire value type %q", wv.Type)
	}
}

// Name identifies this bridge in the status API's aggregate health
// response, satisfying statusapi.HealthChecker.
func (br *Bridge) Name() string { return "mqttbridge:" + br.cfg.Address }

// CheckHealth reports the broker connection state.
func (br *Bridge) CheckHealth(ctx context.Context) statusapi.SubsystemHealth {
	if !br.connected.Load() {
		msg := br.LastError()
		if msg == "" {
			msg = "not connected"
		}
		return statusapi.SubsystemHealth{Healthy: false, State: statusapi.HealthFailed, Message: msg}
	}
	return statusapi.SubsystemHealth{Healthy: true, State: statusapi.HealthOK}
}

// Connected reports whether the broker connection is currently up.
func (br *Bridge) Connected() bool { return br.connected.Load() }

// LastError returns the most recent broker error message, if any.
func (br *Bridge) LastError() string {
	if v, ok := br.lastErr.Load().(string); ok {
		return v
	}
	return ""
}
