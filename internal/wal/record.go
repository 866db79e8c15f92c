package wal

import (
	"fmt"

	"github.com/linkedin/goavro/v2"

	"github.com/lithos-systems/petra/pkg/value"
)

// OpKind is the operation discriminant carried by every WAL entry.
type OpKind uint8

const (
	OpSignalUpdate OpKind = iota
	OpBatch
	OpCheckpoint
)

func (k OpKind) String() string {
	switch k {
	case OpSignalUpdate:
		return "SIGNAL_UPDATE"
	case OpBatch:
		return "BATCH"
	case OpCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// SignalUpdate is one (name, value) pair, the payload of a SignalUpdate
// operation and the element type of a Batch operation.
type SignalUpdate struct {
	Name  string
	Value value.Value
}

// Operation is the tagged payload of a WAL entry: exactly one of
// SignalUpdate{name,value}, Batch{updates}, or Checkpoint{seq}.
type Operation struct {
	Kind          OpKind
	Single        SignalUpdate
	Batch         []SignalUpdate
	CheckpointSeq uint64
}

// Entry is one WAL record: (monotonic_sequence, wall_timestamp_nanos, operation).
type Entry struct {
	Sequence  uint64
	Timestamp int64
	Operation Operation
}

// entrySchema is the self-describing Avro schema used to encode every WAL
// payload, so entries remain decodable independent of the Go struct
// layout that produced them (schema evolution without a format version
// bump).
const entrySchema = `{
  "type": "record",
  "name": "WalEntry",
  "namespace": "petra.wal",
  "fields": [
    {"name": "sequence", "type": "long"},
    {"name": "timestamp", "type": "long"},
    {"name": "op_kind", "type": {"type": "enum", "name": "OpKind", "symbols": ["SIGNAL_UPDATE", "BATCH", "CHECKPOINT"]}},
    {"name": "single", "type": ["null", {
      "type": "record", "name": "SignalUpdate",
      "fields": [
        {"name": "name", "type": "string"},
        {"name": "value_kind", "type": {"type": "enum", "name": "ValueKind", "symbols": ["BOOL", "INT", "FLOAT"]}},
        {"name": "value_bool", "type": "boolean"},
        {"name": "value_int", "type": "int"},
        {"name": "value_float", "type": "double"}
      ]
    }], "default": null},
    {"name": "batch", "type": {"type": "array", "items": "SignalUpdate"}, "default": []},
    {"name": "checkpoint_seq", "type": ["null", "long"], "default": null}
  ]
}`

// codec wraps the compiled Avro schema used for every entry payload.
type codec struct {
	c *goavro.Codec
}

func newCodec() (*codec, error) {
	c, err := goavro.NewCodec(entrySchema)
	if err != nil {
		return nil, fmt.Errorf("wal: compiling avro schema: %w", err)
	}
	return &codec{c: c}, nil
}

func valueKindName(k value.Kind) string {
	switch k {
	case value.Bool:
		return "BOOL"
	case value.Int32:
		return "INT"
	default:
		return "FLOAT"
	}
}

func signalUpdateNative(u SignalUpdate) map[string]any {
	return map[string]any{
		"name":         u.Name,
		"value_kind":   valueKindName(u.Value.Kind()),
		"value_bool":   u.Value.Bool(),
		"value_int":    u.Value.Int32(),
		"value_float":  u.Value.Float64(),
	}
}

func signalUpdateFromNative(m map[string]any) SignalUpdate {
	kind, _ := m["value_kind"].(string)
	var v value.Value
	switch kind {
	case "BOOL":
		v = value.FromBool(m["value_bool"].(bool))
	case "INT":
		v = value.FromInt32(m["value_int"].(int32))
	default:
		v = value.FromFloat64(m["value_float"].(float64))
	}
	return SignalUpdate{Name: m["name"].(string), Value: v}
}

// encode serializes e to its Avro binary payload (no magic/length/CRC —
// the segment writer adds those).
func (c *codec) encode(e Entry) ([]byte, error) {
	native := map[string]any{
		"sequence":       int64(e.Sequence),
		"timestamp":      e.Timestamp,
		"op_kind":        e.Operation.Kind.String(),
		"batch":          []any{},
		"checkpoint_seq": nil,
	}

	switch e.Operation.Kind {
	case OpSignalUpdate:
		native["single"] = goavro.Union("petra.wal.SignalUpdate", signalUpdateNative(e.Operation.Single))
	case OpBatch:
		native["single"] = nil
		batch := make([]any, len(e.Operation.Batch))
		for i, u := range e.Operation.Batch {
			batch[i] = signalUpdateNative(u)
		}
		native["batch"] = batch
	case OpCheckpoint:
		native["single"] = nil
		native["checkpoint_seq"] = goavro.Union("long", int64(e.Operation.CheckpointSeq))
	}
	if _, ok := native["single"]; !ok {
		native["single"] = nil
	}

	payload, err := c.c.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("wal: encoding entry %d: %w", e.Sequence, err)
	}
	return payload, nil
}

// decode parses a payload previously produced by encode.
func (c *codec) decode(payload []byte) (Entry, error) {
	native, _, err := c.c.NativeFromBinary(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("wal: decoding payload: %w", err)
	}
	m := native.(map[string]any)

	e := Entry{
		Sequence:  uint64(m["sequence"].(int64)),
		Timestamp: m["timestamp"].(int64),
	}

	kindStr, _ := m["op_kind"].(string)
	switch kindStr {
	case "SIGNAL_UPDATE":
		e.Operation.Kind = OpSignalUpdate
		if wrapped, ok := m["single"].(map[string]any); ok {
			e.Operation.Single = signalUpdateFromNative(wrapped)
		} else if wrapped, ok := unwrapUnion(m["single"]); ok {
			e.Operation.Single = signalUpdateFromNative(wrapped)
		}
	case "BATCH":
		e.Operation.Kind = OpBatch
		arr, _ := m["batch"].([]any)
		e.Operation.Batch = make([]SignalUpdate, 0, len(arr))
		for _, item := range arr {
			if rec, ok := item.(map[string]any); ok {
				e.Operation.Batch = append(e.Operation.Batch, signalUpdateFromNative(rec))
			}
		}
	case "CHECKPOINT":
		e.Operation.Kind = OpCheckpoint
		if seq, ok := unwrapUnionLong(m["checkpoint_seq"]); ok {
			e.Operation.CheckpointSeq = uint64(seq)
		}
	default:
		return Entry{}, fmt.Errorf("wal: unknown op_kind %q", kindStr)
	}

	return e, nil
}

// unwrapUnion extracts the record payload of a goavro union value, which
// decodes as map[string]any{"petra.wal.SignalUpdate": map[string]any{...}}.
func unwrapUnion(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, inner := range m {
		if rec, ok := inner.(map[string]any); ok {
			return rec, true
		}
	}
	return nil, false
}

func unwrapUnionLong(v any) (int64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, inner := range m {
		if n, ok := inner.(int64); ok {
			return n, true
		}
	}
	return 0, false
}
