package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configJSON := `{
		"app": {
			"name": "TestBridge",
			"instance_id": "test-01"
		},
		"serial": {
			"candidates": ["/dev/ttyS1", "/dev/ttyS2"],
			"baud_rate": 9600,
			"poll_interval_ms": 10
		},
		"transform": {
			"divisor": 8,
			"offset": 0
		},
		"broadcast": {
			"rate_limit_ms": 100,
			"metric_event": "live_metric",
			"emit_raw": true,
			"replay_last": false
		},
		"buttons": {
			"backend": "none",
			"debounce_ms": 0
		},
		"nats": {
			"enabled": true,
			"url": "nats://localhost:4222",
			"subject_prefix": "test.bridge",
			"max_reconnects": 5,
			"reconnect_wait_sec": 1
		},
		"logging": {
			"base_path": "` + tmpDir + `",
			"level": "debug"
		},
		"monitoring": {
			"port": 8080
		}
	}`

	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "TestBridge" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "TestBridge")
	}
	if len(cfg.Serial.Candidates) != 2 {
		t.Errorf("len(Serial.Candidates) = %d, want 2", len(cfg.Serial.Candidates))
	}
	if cfg.Serial.PollInterval() != 10*time.Millisecond {
		t.Errorf("Serial.PollInterval() = %v, want 10ms", cfg.Serial.PollInterval())
	}
	if cfg.Transform.Divisor != 8 {
		t.Errorf("Transform.Divisor = %d, want 8", cfg.Transform.Divisor)
	}
	if cfg.Transform.OffsetValue() != 0 {
		t.Errorf("Transform.OffsetValue() = %d, want 0 (explicit zero must survive defaults)", cfg.Transform.OffsetValue())
	}
	if cfg.Buttons.Debounce() != 0 {
		t.Errorf("Buttons.Debounce() = %v, want 0 (explicit zero disables debounce)", cfg.Buttons.Debounce())
	}
	if cfg.Broadcast.MetricEvent != "live_metric" {
		t.Errorf("Broadcast.MetricEvent = %q, want %q", cfg.Broadcast.MetricEvent, "live_metric")
	}
	if cfg.Broadcast.ReplayEnabled() {
		t.Error("Broadcast.ReplayEnabled() = true, want false")
	}
	if !cfg.Broadcast.EmitRaw {
		t.Error("Broadcast.EmitRaw = false, want true")
	}
	if cfg.NATS.MaxReconnects != 5 {
		t.Errorf("NATS.MaxReconnects = %d, want 5", cfg.NATS.MaxReconnects)
	}
	// Unset sections still get defaults
	if cfg.Serial.ProbeTimeoutMs != 100 {
		t.Errorf("Serial.ProbeTimeoutMs = %d, want 100", cfg.Serial.ProbeTimeoutMs)
	}
	if cfg.Recovery.ReconnectDelay() != 2*time.Second {
		t.Errorf("Recovery.ReconnectDelay() = %v, want 2s", cfg.Recovery.ReconnectDelay())
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configYAML := `
app:
  name: YamlBridge
serial:
  candidates:
    - /dev/ttyACM3
  auto_discover: true
  hotplug: false
buttons:
  backend: modbus
  debounce_ms: 30
  modbus:
    url: tcp://10.0.0.5:502
    slave_id: 3
  inputs:
    - {name: a, player: 1, value: Ja, address: 4}
    - {name: b, player: 2, value: Nein, address: 5}
`

	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "YamlBridge" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "YamlBridge")
	}
	if got := cfg.Serial.Candidates; len(got) != 1 || got[0] != "/dev/ttyACM3" {
		t.Errorf("Serial.Candidates = %v, want [/dev/ttyACM3]", got)
	}
	if !cfg.Serial.AutoDiscover {
		t.Error("Serial.AutoDiscover = false, want true")
	}
	if cfg.Serial.HotplugEnabled() {
		t.Error("Serial.HotplugEnabled() = true, want false")
	}
	if cfg.Buttons.Backend != "modbus" {
		t.Errorf("Buttons.Backend = %q, want modbus", cfg.Buttons.Backend)
	}
	if cfg.Buttons.Debounce() != 30*time.Millisecond {
		t.Errorf("Buttons.Debounce() = %v, want 30ms", cfg.Buttons.Debounce())
	}
	if cfg.Buttons.Modbus.SlaveID != 3 {
		t.Errorf("Buttons.Modbus.SlaveID = %d, want 3", cfg.Buttons.Modbus.SlaveID)
	}
	if len(cfg.Buttons.Inputs) != 2 || cfg.Buttons.Inputs[1].Address != 5 {
		t.Errorf("Buttons.Inputs = %+v", cfg.Buttons.Inputs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.json")

	if err := os.WriteFile(configPath, []byte("not valid json"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid JSON, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yml")

	if err := os.WriteFile(configPath, []byte("serial: [unterminated"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"transform": {"divisor": -1}}`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for negative divisor, got nil")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}

	want := []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyACM1", "/dev/ttyUSB1"}
	if len(cfg.Serial.Candidates) != len(want) {
		t.Fatalf("Serial.Candidates = %v, want %v", cfg.Serial.Candidates, want)
	}
	for i := range want {
		if cfg.Serial.Candidates[i] != want[i] {
			t.Errorf("Serial.Candidates[%d] = %q, want %q", i, cfg.Serial.Candidates[i], want[i])
		}
	}

	if cfg.Serial.BaudRate != 9600 {
		t.Errorf("Serial.BaudRate = %d, want 9600", cfg.Serial.BaudRate)
	}
	if cfg.Transform.Divisor != 10 || cfg.Transform.OffsetValue() != 45 {
		t.Errorf("Transform = %d/%d, want 10/45", cfg.Transform.Divisor, cfg.Transform.OffsetValue())
	}
	if cfg.Transform.Clamp {
		t.Error("Transform.Clamp = true, want false")
	}
	if cfg.Broadcast.RateLimit() != 80*time.Millisecond {
		t.Errorf("Broadcast.RateLimit() = %v, want 80ms", cfg.Broadcast.RateLimit())
	}
	if cfg.Broadcast.MetricEvent != "live_pulse" {
		t.Errorf("Broadcast.MetricEvent = %q, want live_pulse", cfg.Broadcast.MetricEvent)
	}
	if cfg.Monitoring.Port != 5000 {
		t.Errorf("Monitoring.Port = %d, want 5000", cfg.Monitoring.Port)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS.Enabled = true, want false")
	}
	if cfg.Logging.BasePath != "" {
		t.Errorf("Logging.BasePath = %q, want empty (stdout)", cfg.Logging.BasePath)
	}
}

func TestDefaultInputs(t *testing.T) {
	inputs := DefaultInputs()
	want := map[int][2]any{
		17: {1, "Ja"},
		27: {1, "Nein"},
		22: {2, "Ja"},
		23: {2, "Nein"},
	}

	if len(inputs) != len(want) {
		t.Fatalf("len(DefaultInputs()) = %d, want %d", len(inputs), len(want))
	}
	for _, in := range inputs {
		w, ok := want[in.Line]
		if !ok {
			t.Errorf("unexpected line %d", in.Line)
			continue
		}
		if in.Player != w[0] || in.Value != w[1] {
			t.Errorf("line %d = player %d %s, want player %v %v", in.Line, in.Player, in.Value, w[0], w[1])
		}
	}
}

func TestClampDefaultsBounds(t *testing.T) {
	cfg := Config{Transform: TransformConfig{Clamp: true}}
	cfg.setDefaults()

	if cfg.Transform.Min != 30 || cfg.Transform.Max != 220 {
		t.Errorf("clamp bounds = [%d, %d], want [30, 220]", cfg.Transform.Min, cfg.Transform.Max)
	}
}

func TestRecoveryConfigDelays(t *testing.T) {
	cfg := RecoveryConfig{
		ReconnectDelayMs:    2000,
		MaxReconnectDelayMs: 30000,
	}

	if cfg.ReconnectDelay() != 2*time.Second {
		t.Errorf("ReconnectDelay() = %v, want 2s", cfg.ReconnectDelay())
	}
	if cfg.MaxReconnectDelay() != 30*time.Second {
		t.Errorf("MaxReconnectDelay() = %v, want 30s", cfg.MaxReconnectDelay())
	}
}
