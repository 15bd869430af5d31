// Package config loads and validates the gateway configuration. The file
// config/gateway.yaml holds everything non-secret: sources, the default
// target, normalisation defaults and backpressure sizes. Secrets live in
// the credential store and are referenced by name only.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"otbridge.evalgo.org/backpressure"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/normalize"
	"otbridge.evalgo.org/zerobus"
)

// Duration wraps time.Duration for YAML strings like "5s" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON accepts the same duration strings over the control
// surface, plus bare nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// MarshalJSON implements json.Marshaler for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// BackpressureConfig sizes the three buffer tiers.
type BackpressureConfig struct {
	MemoryCapacity   int                     `yaml:"memory_capacity" json:"memory_capacity"`
	DropPolicy       backpressure.DropPolicy `yaml:"drop_policy" json:"drop_policy"`
	SpoolMaxBytes    int64                   `yaml:"spool_max_bytes" json:"spool_max_bytes"`
	SpoolMaxSegments int                     `yaml:"spool_max_segments" json:"spool_max_segments"`
	SegmentMaxBytes  int64                   `yaml:"segment_max_bytes" json:"segment_max_bytes"`
	SegmentMaxAge    Duration                `yaml:"segment_max_age" json:"segment_max_age"`
}

// SinkConfig tunes batching and egress for all sinks.
type SinkConfig struct {
	BatchMaxRecords int      `yaml:"batch_max_records" json:"batch_max_records"`
	BatchMaxWait    Duration `yaml:"batch_max_wait" json:"batch_max_wait"`
	AckTimeout      Duration `yaml:"ack_timeout" json:"ack_timeout"`
	RetryInitial    Duration `yaml:"retry_initial" json:"retry_initial"`
	RetryMax        Duration `yaml:"retry_max" json:"retry_max"`
	ProxyURL        string   `yaml:"proxy_url" json:"proxy_url"`
}

// OPCUASecurity selects the OPC-UA channel security.
type OPCUASecurity string

const (
	OPCUASecurityNone           OPCUASecurity = "none"
	OPCUASecuritySign           OPCUASecurity = "sign"
	OPCUASecuritySignAndEncrypt OPCUASecurity = "sign-and-encrypt"
)

// OPCUANode is one monitored node.
type OPCUANode struct {
	NodeID     string `yaml:"node_id" json:"node_id"`
	SignalType string `yaml:"signal_type" json:"signal_type"`
	Tag        string `yaml:"tag" json:"tag"`
	Unit       string `yaml:"unit" json:"unit"`
}

// OPCUAOptions configures the OPC-UA client for one source.
type OPCUAOptions struct {
	Security         OPCUASecurity `yaml:"security" json:"security"`
	CertFile         string        `yaml:"cert_file" json:"cert_file"`
	KeyFile          string        `yaml:"key_file" json:"key_file"`
	Username         string        `yaml:"username" json:"username"`
	PasswordRef      string        `yaml:"password_ref" json:"password_ref"`
	SamplingInterval Duration      `yaml:"sampling_interval" json:"sampling_interval"`
	QueueSize        uint32        `yaml:"queue_size" json:"queue_size"`
	// UsePolling falls back to periodic reads instead of a subscription.
	UsePolling   bool        `yaml:"use_polling" json:"use_polling"`
	PollInterval Duration    `yaml:"poll_interval" json:"poll_interval"`
	Nodes        []OPCUANode `yaml:"nodes" json:"nodes"`
}

// MQTTDecode selects per-topic payload decoding.
type MQTTDecode string

const (
	MQTTDecodeRaw  MQTTDecode = "raw"
	MQTTDecodeUTF8 MQTTDecode = "utf8"
	MQTTDecodeJSON MQTTDecode = "json"
)

// MQTTTopic is one subscription filter with its decoding rule.
type MQTTTopic struct {
	Filter string     `yaml:"filter" json:"filter"`
	QoS    byte       `yaml:"qos" json:"qos"`
	Decode MQTTDecode `yaml:"decode" json:"decode"`
	// SignalType defaults to the last topic level when empty.
	SignalType string `yaml:"signal_type" json:"signal_type"`
	Unit       string `yaml:"unit" json:"unit"`
}

// MQTTOptions configures the MQTT client for one source.
type MQTTOptions struct {
	ClientID     string      `yaml:"client_id" json:"client_id"`
	Username     string      `yaml:"username" json:"username"`
	PasswordRef  string      `yaml:"password_ref" json:"password_ref"`
	CleanSession bool        `yaml:"clean_session" json:"clean_session"`
	CAFile       string      `yaml:"ca_file" json:"ca_file"`
	CertFile     string      `yaml:"cert_file" json:"cert_file"`
	KeyFile      string      `yaml:"key_file" json:"key_file"`
	Topics       []MQTTTopic `yaml:"topics" json:"topics"`
}

// ModbusRegisterKind names the four register tables.
type ModbusRegisterKind string

const (
	ModbusHolding  ModbusRegisterKind = "holding"
	ModbusInput    ModbusRegisterKind = "input"
	ModbusCoil     ModbusRegisterKind = "coil"
	ModbusDiscrete ModbusRegisterKind = "discrete"
)

// ModbusDataType names the decoded value type of a register entry.
type ModbusDataType string

const (
	ModbusInt16   ModbusDataType = "int16"
	ModbusUint16  ModbusDataType = "uint16"
	ModbusInt32   ModbusDataType = "int32"
	ModbusUint32  ModbusDataType = "uint32"
	ModbusFloat32 ModbusDataType = "float32"
	ModbusFloat64 ModbusDataType = "float64"
	ModbusBool    ModbusDataType = "bool"
)

// ModbusEntry describes one register range to poll.
type ModbusEntry struct {
	Name       string             `yaml:"name" json:"name"`
	SignalType string             `yaml:"signal_type" json:"signal_type"`
	Unit       string             `yaml:"unit" json:"unit"`
	Address    uint16             `yaml:"address" json:"address"`
	Count      uint16             `yaml:"count" json:"count"`
	Kind       ModbusRegisterKind `yaml:"kind" json:"kind"`
	Type       ModbusDataType     `yaml:"type" json:"type"`
	// ByteSwap and WordSwap adjust endianness for multi-register values.
	ByteSwap bool `yaml:"byte_swap" json:"byte_swap"`
	WordSwap bool `yaml:"word_swap" json:"word_swap"`
	// Scale applies value*slope+offset after decoding; zero slope and zero
	// offset mean no scaling, and a zero slope alone counts as slope 1.
	Slope  float64 `yaml:"slope" json:"slope"`
	Offset float64 `yaml:"offset" json:"offset"`
	// Deadband suppresses emission until the value moves this much;
	// DeadbandPercent interprets it as percent of Range.
	Deadband        float64 `yaml:"deadband" json:"deadband"`
	DeadbandPercent bool    `yaml:"deadband_percent" json:"deadband_percent"`
	Range           float64 `yaml:"range" json:"range"`
}

// ModbusOptions configures the Modbus client for one source.
type ModbusOptions struct {
	// Transport is tcp or rtu.
	Transport string `yaml:"transport" json:"transport"`
	// Serial settings apply to rtu transport only.
	BaudRate int    `yaml:"baud_rate" json:"baud_rate"`
	DataBits int    `yaml:"data_bits" json:"data_bits"`
	Parity   string `yaml:"parity" json:"parity"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits"`
	SlaveID  byte   `yaml:"slave_id" json:"slave_id"`

	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	// HeartbeatInterval re-emits unchanged entries periodically.
	HeartbeatInterval Duration      `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	Entries           []ModbusEntry `yaml:"entries" json:"entries"`
}

// SourceConfig is one configured collector.
type SourceConfig struct {
	Name     string            `yaml:"name" json:"name"`
	Protocol model.Protocol    `yaml:"protocol" json:"protocol"`
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Context  normalize.Context `yaml:"context" json:"context"`
	// Target overrides the default sink target for this source.
	Target *zerobus.Target `yaml:"target,omitempty" json:"target,omitempty"`

	OPCUA  *OPCUAOptions  `yaml:"opcua,omitempty" json:"opcua,omitempty"`
	MQTT   *MQTTOptions   `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Modbus *ModbusOptions `yaml:"modbus,omitempty" json:"modbus,omitempty"`
}

// Config is the full gateway configuration.
type Config struct {
	Listen   string    `yaml:"listen" json:"listen"`
	StateDir string    `yaml:"state_dir" json:"state_dir"`
	Log      LogConfig `yaml:"log" json:"log"`

	Defaults     normalize.Defaults `yaml:"normalization_defaults" json:"normalization_defaults"`
	Backpressure BackpressureConfig `yaml:"backpressure" json:"backpressure"`
	Sink         SinkConfig         `yaml:"sink" json:"sink"`
	Target       zerobus.Target     `yaml:"target" json:"target"`
	Sources      []SourceConfig     `yaml:"sources" json:"sources"`
}

// Default returns the built-in configuration before the file is applied.
func Default() Config {
	return Config{
		Listen:   "127.0.0.1:8098",
		StateDir: "state",
		Log:      LogConfig{Level: "info", Format: "text"},
		Defaults: normalize.DefaultDefaults(),
		Backpressure: BackpressureConfig{
			MemoryCapacity: 10000,
			DropPolicy:     backpressure.DropOldest,
			SpoolMaxBytes:  1 << 30,
		},
	}
}

// Load reads and validates the configuration file. A missing file returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration back to disk.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the whole configuration and reports every problem at
// once.
func (c Config) Validate() error {
	v := NewValidator()
	v.RequireString("listen", c.Listen)
	v.RequireString("state_dir", c.StateDir)
	if c.Backpressure.DropPolicy != "" && !c.Backpressure.DropPolicy.Valid() {
		v.fail(fmt.Sprintf("backpressure.drop_policy must be one of oldest, newest, reject, got %q", c.Backpressure.DropPolicy))
	}

	if c.Target != (zerobus.Target{}) {
		if err := c.Target.Validate(); err != nil {
			v.fail(err.Error())
		}
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if seen[src.Name] {
			v.fail(fmt.Sprintf("duplicate source name %q", src.Name))
		}
		seen[src.Name] = true
		if err := src.Validate(); err != nil {
			v.fail(err.Error())
		}
	}
	return v.Validate()
}

// Validate checks one source configuration.
func (s SourceConfig) Validate() error {
	v := NewValidator()
	v.RequireString("source name", s.Name)
	if !s.Protocol.Valid() {
		v.fail(fmt.Sprintf("source %q: unknown protocol %q", s.Name, s.Protocol))
		return v.Validate()
	}

	switch s.Protocol {
	case model.ProtocolOPCUA:
		if !strings.HasPrefix(s.Endpoint, "opc.tcp://") {
			v.fail(fmt.Sprintf("source %q: endpoint must start with opc.tcp://", s.Name))
		}
		if s.OPCUA == nil || len(s.OPCUA.Nodes) == 0 {
			v.fail(fmt.Sprintf("source %q: opcua.nodes is required", s.Name))
		}
	case model.ProtocolMQTT:
		if !strings.HasPrefix(s.Endpoint, "mqtt://") && !strings.HasPrefix(s.Endpoint, "mqtts://") &&
			!strings.HasPrefix(s.Endpoint, "tcp://") && !strings.HasPrefix(s.Endpoint, "ssl://") {
			v.fail(fmt.Sprintf("source %q: endpoint must be mqtt://, mqtts://, tcp:// or ssl://", s.Name))
		}
		if s.MQTT == nil || len(s.MQTT.Topics) == 0 {
			v.fail(fmt.Sprintf("source %q: mqtt.topics is required", s.Name))
		}
	case model.ProtocolModbus:
		if s.Modbus == nil || len(s.Modbus.Entries) == 0 {
			v.fail(fmt.Sprintf("source %q: modbus.entries is required", s.Name))
		} else {
			if s.Modbus.Transport != "tcp" && s.Modbus.Transport != "rtu" {
				v.fail(fmt.Sprintf("source %q: modbus.transport must be tcp or rtu", s.Name))
			}
			for _, entry := range s.Modbus.Entries {
				if err := entry.Validate(); err != nil {
					v.fail(fmt.Sprintf("source %q: %v", s.Name, err))
				}
			}
		}
		if s.Endpoint == "" {
			v.fail(fmt.Sprintf("source %q: endpoint (host:port or serial device) is required", s.Name))
		}
	}

	if s.Target != nil {
		if err := s.Target.Validate(); err != nil {
			v.fail(fmt.Sprintf("source %q: %v", s.Name, err))
		}
	}
	return v.Validate()
}

// Validate checks one register map entry.
func (e ModbusEntry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("modbus entry needs a name")
	}
	switch e.Kind {
	case ModbusHolding, ModbusInput, ModbusCoil, ModbusDiscrete:
	default:
		return fmt.Errorf("modbus entry %q: unknown register kind %q", e.Name, e.Kind)
	}
	switch e.Type {
	case ModbusInt16, ModbusUint16, ModbusInt32, ModbusUint32, ModbusFloat32, ModbusFloat64, ModbusBool:
	default:
		return fmt.Errorf("modbus entry %q: unknown data type %q", e.Name, e.Type)
	}
	if e.DeadbandPercent && e.Range <= 0 {
		return fmt.Errorf("modbus entry %q: deadband_percent requires a positive range", e.Name)
	}
	return nil
}

// Validator accumulates configuration problems: collect everything,
// report once.
type Validator struct {
	errors []string
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) fail(msg string) {
	v.errors = append(v.errors, msg)
}

// IsValid returns true if there are no validation errors.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []string {
	return v.errors
}

// Validate runs validation and returns an error if invalid.
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration invalid: %s", strings.Join(v.errors, "; "))
	}
	return nil
}
