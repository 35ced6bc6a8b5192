package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	App        AppConfig        `json:"app" yaml:"app"`
	Serial     SerialConfig     `json:"serial" yaml:"serial"`
	Transform  TransformConfig  `json:"transform" yaml:"transform"`
	Broadcast  BroadcastConfig  `json:"broadcast" yaml:"broadcast"`
	Buttons    ButtonsConfig    `json:"buttons" yaml:"buttons"`
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	Recovery   RecoveryConfig   `json:"recovery" yaml:"recovery"`
	Health     HealthConfig     `json:"health" yaml:"health"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name       string `json:"name" yaml:"name"`
	InstanceID string `json:"instance_id" yaml:"instance_id"`
}

// SerialConfig describes how the sensor device is found and read
type SerialConfig struct {
	Candidates     []string `json:"candidates" yaml:"candidates"`             // Probed in order
	BaudRate       int      `json:"baud_rate" yaml:"baud_rate"`               // Fixed, no autobaud
	ProbeTimeoutMs int      `json:"probe_timeout_ms" yaml:"probe_timeout_ms"` // Per candidate open
	PollIntervalMs int      `json:"poll_interval_ms" yaml:"poll_interval_ms"` // Read timeout while connected
	MaxLineLength  int      `json:"max_line_length" yaml:"max_line_length"`   // Longer lines are noise
	AutoDiscover   bool     `json:"auto_discover" yaml:"auto_discover"`       // Append USB serial ports
	Hotplug        *bool    `json:"hotplug" yaml:"hotplug"`                   // nil = enabled
}

// TransformConfig holds the sensor calibration
type TransformConfig struct {
	Divisor int  `json:"divisor" yaml:"divisor"`
	Offset  *int `json:"offset" yaml:"offset"` // nil = 45, zero is a valid offset
	Clamp   bool `json:"clamp" yaml:"clamp"`
	Min     int  `json:"min" yaml:"min"`
	Max     int  `json:"max" yaml:"max"`
}

// BroadcastConfig contains subscriber fan-out settings
type BroadcastConfig struct {
	RateLimitMs      int    `json:"rate_limit_ms" yaml:"rate_limit_ms"`         // Minimum spacing of metric events
	MetricEvent      string `json:"metric_event" yaml:"metric_event"`           // Wire name of the metric event
	EmitRaw          bool   `json:"emit_raw" yaml:"emit_raw"`                   // Also send raw_data
	ReplayLast       *bool  `json:"replay_last" yaml:"replay_last"`             // nil = enabled
	SubscriberBuffer int    `json:"subscriber_buffer" yaml:"subscriber_buffer"` // Per subscriber queue
}

// ButtonInput maps one physical input to a (player, value) pair
type ButtonInput struct {
	Name    string `json:"name" yaml:"name"`
	Player  int    `json:"player" yaml:"player"`
	Value   string `json:"value" yaml:"value"`     // "Ja" or "Nein"
	Line    int    `json:"line" yaml:"line"`       // GPIO line offset (BCM numbering)
	Address uint16 `json:"address" yaml:"address"` // Modbus discrete input address
}

// ModbusConfig configures the Modbus I/O module button backend
type ModbusConfig struct {
	URL            string `json:"url" yaml:"url"` // tcp://host:502 or rtu:///dev/ttyUSB2
	SlaveID        byte   `json:"slave_id" yaml:"slave_id"`
	BaudRate       int    `json:"baud_rate" yaml:"baud_rate"` // RTU only
	PollIntervalMs int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	TimeoutMs      int    `json:"timeout_ms" yaml:"timeout_ms"`
}

// ButtonsConfig contains the discrete input settings
type ButtonsConfig struct {
	Backend    string        `json:"backend" yaml:"backend"` // gpio, modbus, none
	Chip       string        `json:"chip" yaml:"chip"`
	DebounceMs *int          `json:"debounce_ms" yaml:"debounce_ms"` // 0 disables software debounce
	Inputs     []ButtonInput `json:"inputs" yaml:"inputs"`
	Modbus     ModbusConfig  `json:"modbus" yaml:"modbus"`
}

// NATSConfig contains NATS connection settings
type NATSConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	URL              string `json:"url" yaml:"url"`
	SubjectPrefix    string `json:"subject_prefix" yaml:"subject_prefix"`
	MaxReconnects    int    `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWaitSec int    `json:"reconnect_wait_sec" yaml:"reconnect_wait_sec"`
}

// LoggingConfig contains logging and log rotation settings
type LoggingConfig struct {
	BasePath   string `json:"base_path" yaml:"base_path"` // Empty = stdout only
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
	Level      string `json:"level" yaml:"level"` // debug, info, warn, error
}

// MonitoringConfig contains HTTP server settings
type MonitoringConfig struct {
	Port int `json:"port" yaml:"port"`
}

// RecoveryConfig contains reconnection settings for the sensor link
type RecoveryConfig struct {
	ReconnectDelayMs    int  `json:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	MaxReconnectDelayMs int  `json:"max_reconnect_delay_ms" yaml:"max_reconnect_delay_ms"`
	ExponentialBackoff  bool `json:"exponential_backoff" yaml:"exponential_backoff"`
}

// HealthConfig contains the NATS heartbeat settings
type HealthConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled"`
	IntervalSec int  `json:"interval_sec" yaml:"interval_sec"`
}

// MaxDiscreteInputSpan is the most Modbus inputs one FC2 read may cover.
const MaxDiscreteInputSpan = 2000

// DefaultCandidates is the probe order used when none is configured.
var DefaultCandidates = []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyACM1", "/dev/ttyUSB1"}

// DefaultInputs is the two-player yes/no panel wired to BCM pins 17, 27, 22 and 23.
func DefaultInputs() []ButtonInput {
	return []ButtonInput{
		{Name: "p1_ja", Player: 1, Value: "Ja", Line: 17, Address: 0},
		{Name: "p1_nein", Player: 1, Value: "Nein", Line: 27, Address: 1},
		{Name: "p2_ja", Player: 2, Value: "Ja", Line: 22, Address: 2},
		{Name: "p2_nein", Player: 2, Value: "Nein", Line: 23, Address: 3},
	}
}

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration usable without any file.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// setDefaults fills in default values for optional fields
func (c *Config) setDefaults() {
	// App defaults
	if c.App.Name == "" {
		c.App.Name = "PulseBridge"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	// Serial defaults
	if len(c.Serial.Candidates) == 0 {
		c.Serial.Candidates = append([]string(nil), DefaultCandidates...)
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}
	if c.Serial.ProbeTimeoutMs == 0 {
		c.Serial.ProbeTimeoutMs = 100
	}
	if c.Serial.PollIntervalMs == 0 {
		c.Serial.PollIntervalMs = 20
	}
	if c.Serial.MaxLineLength == 0 {
		c.Serial.MaxLineLength = 256
	}
	if c.Serial.Hotplug == nil {
		c.Serial.Hotplug = boolPtr(true)
	}

	// Transform defaults
	if c.Transform.Divisor == 0 {
		c.Transform.Divisor = 10
	}
	if c.Transform.Offset == nil {
		c.Transform.Offset = intPtr(45)
	}
	if c.Transform.Clamp && c.Transform.Min == 0 && c.Transform.Max == 0 {
		c.Transform.Min = 30
		c.Transform.Max = 220
	}

	// Broadcast defaults
	if c.Broadcast.RateLimitMs == 0 {
		c.Broadcast.RateLimitMs = 80
	}
	if c.Broadcast.MetricEvent == "" {
		c.Broadcast.MetricEvent = "live_pulse"
	}
	if c.Broadcast.ReplayLast == nil {
		c.Broadcast.ReplayLast = boolPtr(true)
	}
	if c.Broadcast.SubscriberBuffer == 0 {
		c.Broadcast.SubscriberBuffer = 64
	}

	// Buttons defaults
	if c.Buttons.Backend == "" {
		c.Buttons.Backend = "gpio"
	}
	if c.Buttons.Chip == "" {
		c.Buttons.Chip = "gpiochip0"
	}
	if c.Buttons.DebounceMs == nil {
		c.Buttons.DebounceMs = intPtr(50)
	}
	if len(c.Buttons.Inputs) == 0 {
		c.Buttons.Inputs = DefaultInputs()
	}
	if c.Buttons.Modbus.SlaveID == 0 {
		c.Buttons.Modbus.SlaveID = 1
	}
	if c.Buttons.Modbus.BaudRate == 0 {
		c.Buttons.Modbus.BaudRate = 19200
	}
	if c.Buttons.Modbus.PollIntervalMs == 0 {
		c.Buttons.Modbus.PollIntervalMs = 10
	}
	if c.Buttons.Modbus.TimeoutMs == 0 {
		c.Buttons.Modbus.TimeoutMs = 500
	}

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "pulsebridge"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWaitSec == 0 {
		c.NATS.ReconnectWaitSec = 2
	}

	// Logging defaults
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 20
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// Monitoring defaults
	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = 5000
	}

	// Recovery defaults
	if c.Recovery.ReconnectDelayMs == 0 {
		c.Recovery.ReconnectDelayMs = 2000
	}
	if c.Recovery.MaxReconnectDelayMs == 0 {
		c.Recovery.MaxReconnectDelayMs = 30000
	}

	// Health defaults
	if c.Health.IntervalSec == 0 {
		c.Health.IntervalSec = 30
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// Helper methods for time conversions
func (s *SerialConfig) ProbeTimeout() time.Duration {
	return time.Duration(s.ProbeTimeoutMs) * time.Millisecond
}

func (s *SerialConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// HotplugEnabled reports whether /dev should be watched for new devices.
func (s *SerialConfig) HotplugEnabled() bool {
	return s.Hotplug == nil || *s.Hotplug
}

// OffsetValue returns the configured offset, 45 when unset.
func (t *TransformConfig) OffsetValue() int {
	if t.Offset == nil {
		return 45
	}
	return *t.Offset
}

func (b *BroadcastConfig) RateLimit() time.Duration {
	return time.Duration(b.RateLimitMs) * time.Millisecond
}

// ReplayEnabled reports whether late joiners get the cached status and metric.
func (b *BroadcastConfig) ReplayEnabled() bool {
	return b.ReplayLast == nil || *b.ReplayLast
}

// Debounce returns the software debounce window, 50ms when unset.
func (b *ButtonsConfig) Debounce() time.Duration {
	if b.DebounceMs == nil {
		return 50 * time.Millisecond
	}
	return time.Duration(*b.DebounceMs) * time.Millisecond
}

func (m *ModbusConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

func (m *ModbusConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

func (n *NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitSec) * time.Second
}

func (r *RecoveryConfig) ReconnectDelay() time.Duration {
	return time.Duration(r.ReconnectDelayMs) * time.Millisecond
}

func (r *RecoveryConfig) MaxReconnectDelay() time.Duration {
	return time.Duration(r.MaxReconnectDelayMs) * time.Millisecond
}

func (h *HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSec) * time.Second
}
