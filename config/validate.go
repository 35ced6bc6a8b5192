package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

var (
	// Valid baud rates
	validBaudRates = map[int]bool{
		300:    true,
		1200:   true,
		2400:   true,
		4800:   true,
		9600:   true,
		19200:  true,
		38400:  true,
		57600:  true,
		115200: true,
	}

	// Valid log levels
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	validBackends = map[string]bool{
		"gpio":   true,
		"modbus": true,
		"none":   true,
	}

	validValues = map[string]bool{
		"Ja":   true,
		"Nein": true,
	}
)

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateSerial(); err != nil {
		return fmt.Errorf("serial config: %w", err)
	}

	if err := c.validateTransform(); err != nil {
		return fmt.Errorf("transform config: %w", err)
	}

	if err := c.validateBroadcast(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}

	if err := c.validateButtons(); err != nil {
		return fmt.Errorf("buttons config: %w", err)
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	if err := c.validateRecovery(); err != nil {
		return fmt.Errorf("recovery config: %w", err)
	}

	if err := c.validateHealth(); err != nil {
		return fmt.Errorf("health config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	return nil
}

func (c *Config) validateSerial() error {
	if len(c.Serial.Candidates) == 0 && !c.Serial.AutoDiscover {
		return fmt.Errorf("at least one candidate is required unless auto_discover is set")
	}

	seen := make(map[string]bool)
	for i, dev := range c.Serial.Candidates {
		if dev == "" {
			return fmt.Errorf("candidate %d: device is required", i)
		}
		if seen[dev] {
			return fmt.Errorf("candidate %d: duplicate device %s", i, dev)
		}
		seen[dev] = true
	}

	if !validBaudRates[c.Serial.BaudRate] {
		return fmt.Errorf("invalid baud_rate %d, must be one of: 300, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200",
			c.Serial.BaudRate)
	}

	if c.Serial.ProbeTimeoutMs <= 0 || c.Serial.ProbeTimeoutMs > 100 {
		return fmt.Errorf("probe_timeout_ms must be between 1 and 100, got: %d", c.Serial.ProbeTimeoutMs)
	}

	if c.Serial.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive, got: %d", c.Serial.PollIntervalMs)
	}

	if c.Serial.MaxLineLength < 8 {
		return fmt.Errorf("max_line_length must be at least 8, got: %d", c.Serial.MaxLineLength)
	}

	return nil
}

func (c *Config) validateTransform() error {
	if c.Transform.Divisor <= 0 {
		return fmt.Errorf("divisor must be positive, got: %d", c.Transform.Divisor)
	}

	if c.Transform.Clamp && c.Transform.Min > c.Transform.Max {
		return fmt.Errorf("min (%d) must be <= max (%d)", c.Transform.Min, c.Transform.Max)
	}

	return nil
}

func (c *Config) validateBroadcast() error {
	if c.Broadcast.RateLimitMs <= 0 {
		return fmt.Errorf("rate_limit_ms must be positive, got: %d", c.Broadcast.RateLimitMs)
	}

	if c.Broadcast.MetricEvent == "status" || c.Broadcast.MetricEvent == "hardware_input" || c.Broadcast.MetricEvent == "raw_data" {
		return fmt.Errorf("metric_event %q collides with a reserved event name", c.Broadcast.MetricEvent)
	}

	if c.Broadcast.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive, got: %d", c.Broadcast.SubscriberBuffer)
	}

	return nil
}

func (c *Config) validateButtons() error {
	if !validBackends[c.Buttons.Backend] {
		return fmt.Errorf("invalid backend %q, must be one of: gpio, modbus, none", c.Buttons.Backend)
	}

	if c.Buttons.DebounceMs != nil && *c.Buttons.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms must be non-negative, got: %d", *c.Buttons.DebounceMs)
	}

	names := make(map[string]bool)
	lines := make(map[int]bool)
	addrs := make(map[uint16]bool)
	for i, in := range c.Buttons.Inputs {
		if in.Name == "" {
			return fmt.Errorf("input %d: name is required", i)
		}
		if names[in.Name] {
			return fmt.Errorf("input %d: duplicate name %s", i, in.Name)
		}
		names[in.Name] = true

		if in.Player != 1 && in.Player != 2 {
			return fmt.Errorf("input %d (%s): player must be 1 or 2, got: %d", i, in.Name, in.Player)
		}
		if !validValues[in.Value] {
			return fmt.Errorf("input %d (%s): value must be Ja or Nein, got: %q", i, in.Name, in.Value)
		}

		switch c.Buttons.Backend {
		case "gpio":
			if in.Line < 0 {
				return fmt.Errorf("input %d (%s): line must be non-negative, got: %d", i, in.Name, in.Line)
			}
			if lines[in.Line] {
				return fmt.Errorf("input %d (%s): duplicate line %d", i, in.Name, in.Line)
			}
			lines[in.Line] = true
		case "modbus":
			if addrs[in.Address] {
				return fmt.Errorf("input %d (%s): duplicate address %d", i, in.Name, in.Address)
			}
			addrs[in.Address] = true
		}
	}

	if c.Buttons.Backend == "modbus" && len(c.Buttons.Inputs) > 0 {
		lo, hi := c.Buttons.Inputs[0].Address, c.Buttons.Inputs[0].Address
		for _, in := range c.Buttons.Inputs[1:] {
			lo = min(lo, in.Address)
			hi = max(hi, in.Address)
		}
		// All inputs are read with one FC2 request
		if span := int(hi) - int(lo) + 1; span > MaxDiscreteInputSpan {
			return fmt.Errorf("input addresses %d-%d span %d inputs, max %d per read", lo, hi, span, MaxDiscreteInputSpan)
		}
	}

	if c.Buttons.Backend == "modbus" {
		if err := c.validateModbus(); err != nil {
			return fmt.Errorf("modbus: %w", err)
		}
	}

	return nil
}

func (c *Config) validateModbus() error {
	m := c.Buttons.Modbus
	if m.URL == "" {
		return fmt.Errorf("url is required")
	}

	u, err := url.Parse(m.URL)
	if err != nil {
		return fmt.Errorf("invalid url %s: %w", m.URL, err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return fmt.Errorf("tcp url needs host:port, got: %s", m.URL)
		}
	case "rtu":
		if u.Path == "" {
			return fmt.Errorf("rtu url needs a device path, got: %s", m.URL)
		}
		if !validBaudRates[m.BaudRate] {
			return fmt.Errorf("invalid baud_rate %d", m.BaudRate)
		}
	default:
		return fmt.Errorf("url scheme must be tcp or rtu, got: %s", u.Scheme)
	}

	if m.SlaveID == 0 || m.SlaveID > 247 {
		return fmt.Errorf("slave_id must be between 1 and 247, got: %d", m.SlaveID)
	}

	if m.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive, got: %d", m.PollIntervalMs)
	}

	if m.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got: %d", m.TimeoutMs)
	}

	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("url is required")
	}

	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("url must start with nats:// or tls://, got: %s", c.NATS.URL)
	}

	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}

	// -1 means unlimited reconnects (NATS client convention)
	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 (unlimited) or non-negative, got: %d", c.NATS.MaxReconnects)
	}

	if c.NATS.ReconnectWaitSec <= 0 {
		return fmt.Errorf("reconnect_wait_sec must be positive, got: %d", c.NATS.ReconnectWaitSec)
	}

	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.BasePath != "" {
		if _, err := os.Stat(c.Logging.BasePath); os.IsNotExist(err) {
			if err := os.MkdirAll(c.Logging.BasePath, 0755); err != nil {
				return fmt.Errorf("base_path %s does not exist and cannot be created: %w", c.Logging.BasePath, err)
			}
		}
	}

	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got: %d", c.Logging.MaxSizeMB)
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got: %d", c.Logging.MaxBackups)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func (c *Config) validateMonitoring() error {
	if c.Monitoring.Port <= 0 || c.Monitoring.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Monitoring.Port)
	}

	return nil
}

func (c *Config) validateRecovery() error {
	if c.Recovery.ReconnectDelayMs <= 0 {
		return fmt.Errorf("reconnect_delay_ms must be positive, got: %d", c.Recovery.ReconnectDelayMs)
	}

	if c.Recovery.MaxReconnectDelayMs <= 0 {
		return fmt.Errorf("max_reconnect_delay_ms must be positive, got: %d", c.Recovery.MaxReconnectDelayMs)
	}

	if c.Recovery.MaxReconnectDelayMs < c.Recovery.ReconnectDelayMs {
		return fmt.Errorf("max_reconnect_delay_ms (%d) must be >= reconnect_delay_ms (%d)",
			c.Recovery.MaxReconnectDelayMs, c.Recovery.ReconnectDelayMs)
	}

	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.Enabled && !c.NATS.Enabled {
		return fmt.Errorf("health heartbeat requires nats.enabled")
	}

	if c.Health.IntervalSec <= 0 {
		return fmt.Errorf("interval_sec must be positive, got: %d", c.Health.IntervalSec)
	}

	return nil
}
