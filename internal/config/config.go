// Package config loads and validates PETRA's YAML configuration document
// into a typed Config: decode, validate against an embedded JSON Schema,
// then unmarshal into the typed struct.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/internal/plog"
)

var log = plog.For("CONFIG")

// SignalSpec declares one signal the bus must have at startup.
type SignalSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // "bool" | "int" | "float"
	Initial any    `yaml:"initial,omitempty"`
}

// BlockSpec declares one block instance to construct.
type BlockSpec struct {
	Name      string            `yaml:"name"`
	BlockType string            `yaml:"block_type"`
	Inputs    map[string]string `yaml:"inputs"`
	Outputs   map[string]string `yaml:"outputs"`
	Params    map[string]any    `yaml:"params"`
}

// DownsampleRule thins historian writes for a glob of signal names.
type DownsampleRule struct {
	SignalPattern string `yaml:"signal_pattern"`
	MinIntervalMs int64  `yaml:"min_interval_ms"`
	Aggregation   string `yaml:"aggregation"` // "last"|"mean"|"max"|"min"
}

// HistoryConfig configures the local store and the batching in front of it.
type HistoryConfig struct {
	DataDir         string           `yaml:"data_dir"`
	MaxFileSizeMB   int64            `yaml:"max_file_size_mb"`
	BatchSize       int              `yaml:"batch_size"`
	FlushIntervalMs int64            `yaml:"flush_interval_ms"`
	RetentionDays   int              `yaml:"retention_days"`
	TrackedSignals  []string         `yaml:"tracked_signals"`
	DownsampleRules []DownsampleRule `yaml:"downsample_rules"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	WalDir       string `yaml:"wal_dir"`
	MaxWalSizeMB int64  `yaml:"max_wal_size_mb"`
	SyncOnWrite  *bool  `yaml:"sync_on_write"`
}

// SyncOnWriteOrDefault returns the configured fsync policy, defaulting to
// true (correctness over throughput) when unset.
func (w WALConfig) SyncOnWriteOrDefault() bool {
	if w.SyncOnWrite == nil {
		return true
	}
	return *w.SyncOnWrite
}

// RemoteConfig configures the historian's optional remote sink.
type RemoteConfig struct {
	Strategy   string `yaml:"strategy"` // "local_first"|"remote_first"|"parallel"
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint,omitempty"`
}

// Config is the root of the YAML document. Unknown top-level keys
// (adapter blocks such as mqtt/s7/modbus) are preserved verbatim in
// Extra for collaborators, and ignored by the core.
type Config struct {
	ScanTimeMs int64          `yaml:"scan_time_ms"`
	Signals    []SignalSpec   `yaml:"signals"`
	Blocks     []BlockSpec    `yaml:"blocks"`
	History    *HistoryConfig `yaml:"history,omitempty"`
	WAL        *WALConfig     `yaml:"wal,omitempty"`
	Remote     *RemoteConfig  `yaml:"remote,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// configSchema validates the document's shape before the typed decode,
// so structural mistakes are reported with a JSON-pointer-like path
// rather than a Go zero-value silently appearing.
const configSchema = `{
  "type": "object",
  "required": ["scan_time_ms", "signals", "blocks"],
  "properties": {
    "scan_time_ms": {"type": "integer", "exclusiveMinimum": 0},
    "signals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["bool", "int", "float"]}
        }
      }
    },
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "block_type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "block_type": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// Load reads and validates a YAML config document from path.
func Load(path string) (*Config, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, perr.Config("config.Load", err)
	}
	return Parse(raw)
}

// Parse validates and decodes a YAML config document already in memory.
func Parse(raw []byte) (*Config, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, perr.Config("config.Parse", fmt.Errorf("parsing yaml: %w", err))
	}

	if err := validateAgainstSchema(generic); err != nil {
		return nil, perr.Config("config.Parse", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, perr.Config("config.Parse", fmt.Errorf("decoding yaml: %w", err))
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, perr.Config("config.Parse", err)
	}

	log.Infof("loaded config: scan_time_ms=%d signals=%d blocks=%d", cfg.ScanTimeMs, len(cfg.Signals), len(cfg.Blocks))
	return &cfg, nil
}

// validateAgainstSchema re-marshals the YAML-decoded document to JSON
// (yaml.v3 already produces map[string]any/[]any compatible with
// encoding/json) and validates it against the embedded schema.
func validateAgainstSchema(doc any) error {
	sch, err := jsonschema.CompileString("petra-config.json", configSchema)
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	normalized, err := jsonRoundTrip(doc)
	if err != nil {
		return fmt.Errorf("normalizing config document: %w", err)
	}

	if err := sch.Validate(normalized); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// jsonRoundTrip converts a yaml.v3-decoded value into pure JSON-compatible
// types by marshaling and unmarshaling through encoding/json, since
// jsonschema.Validate expects json-shaped data (map[string]interface{}).
func jsonRoundTrip(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Config) applyDefaults() error {
	if c.History != nil {
		if c.History.MaxFileSizeMB <= 0 {
			c.History.MaxFileSizeMB = 128
		}
		if c.History.BatchSize <= 0 {
			c.History.BatchSize = 500
		}
		if c.History.FlushIntervalMs <= 0 {
			c.History.FlushIntervalMs = 1000
		}
	}
	if c.WAL != nil && c.WAL.MaxWalSizeMB <= 0 {
		c.WAL.MaxWalSizeMB = 64
	}
	if c.Remote != nil && c.Remote.Strategy == "" {
		c.Remote.Strategy = "local_first"
	}
	return nil
}
