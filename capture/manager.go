package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulsebridge/broadcast"
	"pulsebridge/buttons"
	"pulsebridge/config"
	"pulsebridge/metrics"
	"pulsebridge/output"
	"pulsebridge/protocol"
	"pulsebridge/serial"
)

// hotplugDir is watched for new tty nodes.
const hotplugDir = "/dev"

// Manager wires the sensor link, the button monitor and the optional NATS
// mirror to one broadcast gateway and owns their lifecycle.
type Manager struct {
	config  *config.Config
	version string
	metrics *metrics.Metrics
	logger  *slog.Logger

	gateway         *broadcast.Gateway
	locator         *serial.Locator
	link            *Link
	buttons         *buttons.Monitor
	natsConn        *output.NATSConnection
	eventPublisher  *output.EventPublisher
	healthPublisher *output.HealthPublisher

	// Replaceable in tests
	buttonSource func(cfg *config.ButtonsConfig) buttons.Source
	watchHotplug func(ctx context.Context, dir string, logger *slog.Logger) (<-chan string, error)

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewManager builds every component from cfg. Nothing runs until Start.
func NewManager(cfg *config.Config, version string, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return newManager(cfg, version, m, nil, logger)
}

func newManager(cfg *config.Config, version string, m *metrics.Metrics, open serial.OpenFunc, logger *slog.Logger) *Manager {
	gateway := broadcast.New(broadcast.Config{
		RateLimit:        cfg.Broadcast.RateLimit(),
		MetricEvent:      cfg.Broadcast.MetricEvent,
		EmitRaw:          cfg.Broadcast.EmitRaw,
		ReplayLast:       cfg.Broadcast.ReplayEnabled(),
		SubscriberBuffer: cfg.Broadcast.SubscriberBuffer,
	}, logger, m)

	lc := locatorConfig(&cfg.Serial)
	lc.Open = open
	locator := serial.NewLocator(lc, logger)

	link := NewLink(LinkConfig{
		PollInterval:       cfg.Serial.PollInterval(),
		MaxLineLength:      cfg.Serial.MaxLineLength,
		Transform:          TransformFromConfig(&cfg.Transform),
		ReconnectDelay:     cfg.Recovery.ReconnectDelay(),
		MaxReconnectDelay:  cfg.Recovery.MaxReconnectDelay(),
		ExponentialBackoff: cfg.Recovery.ExponentialBackoff,
	}, locator, gateway, m, logger)

	return &Manager{
		config:       cfg,
		version:      version,
		metrics:      m,
		logger:       logger,
		gateway:      gateway,
		locator:      locator,
		link:         link,
		buttonSource: newButtonSource(logger),
		watchHotplug: serial.WatchHotplug,
	}
}

// TransformFromConfig converts the calibration section to a protocol.Transform.
func TransformFromConfig(t *config.TransformConfig) protocol.Transform {
	return protocol.Transform{
		Divisor: t.Divisor,
		Offset:  t.OffsetValue(),
		Clamp:   t.Clamp,
		Min:     t.Min,
		Max:     t.Max,
	}
}

// ButtonInputs converts the configured inputs.
func ButtonInputs(cfg *config.ButtonsConfig) []buttons.Input {
	inputs := make([]buttons.Input, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		inputs = append(inputs, buttons.Input{
			Name:    in.Name,
			Player:  in.Player,
			Value:   in.Value,
			Line:    in.Line,
			Address: in.Address,
		})
	}
	return inputs
}

// NewLocator builds the port locator described by cfg.
func NewLocator(cfg *config.SerialConfig, logger *slog.Logger) *serial.Locator {
	return serial.NewLocator(locatorConfig(cfg), logger)
}

func locatorConfig(cfg *config.SerialConfig) serial.LocatorConfig {
	return serial.LocatorConfig{
		Candidates:   cfg.Candidates,
		BaudRate:     cfg.BaudRate,
		ProbeTimeout: cfg.ProbeTimeout(),
		AutoDiscover: cfg.AutoDiscover,
	}
}

func newButtonSource(logger *slog.Logger) func(cfg *config.ButtonsConfig) buttons.Source {
	return func(cfg *config.ButtonsConfig) buttons.Source {
		switch cfg.Backend {
		case "gpio":
			return buttons.NewGPIOSource(cfg.Chip, cfg.Debounce(), logger)
		case "modbus":
			return buttons.NewModbusSource(buttons.ModbusConfig{
				URL:          cfg.Modbus.URL,
				SlaveID:      cfg.Modbus.SlaveID,
				BaudRate:     cfg.Modbus.BaudRate,
				PollInterval: cfg.Modbus.PollInterval(),
				Timeout:      cfg.Modbus.Timeout(),
			}, logger)
		default:
			return nil
		}
	}
}

// Start launches the gateway, the sensor link and the button monitor.
// Missing hardware and an unreachable NATS server are not errors.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.startTime = time.Now()

	m.logger.Info("Starting bridge manager", "instance", m.config.App.InstanceID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.gateway.Run(ctx); err != nil {
			m.logger.Error("Gateway failed", "error", err)
		}
	}()

	m.startNATS(ctx)

	if m.config.Serial.HotplugEnabled() {
		wake, err := m.watchHotplug(ctx, hotplugDir, m.logger)
		if err != nil {
			m.logger.Warn("Hotplug watch unavailable, relying on periodic retry", "error", err)
		} else {
			m.link.SetWake(wake)
		}
	}
	m.link.Start(ctx)

	source := m.buttonSource(&m.config.Buttons)
	m.buttons = buttons.NewMonitor(ButtonInputs(&m.config.Buttons), source, m.config.Buttons.Debounce(), m.metrics, m.logger)
	if err := m.buttons.Start(ctx); err != nil {
		m.logger.Warn("Button monitor not started", "error", err)
	} else {
		m.wg.Add(1)
		go m.forwardButtons(m.buttons.Events())
	}

	m.logger.Info("Bridge manager started",
		"buttons", m.buttons.Mode(),
		"nats", m.NATSConnected())
	return nil
}

// startNATS connects the optional mirror. Failure leaves NATS disabled.
func (m *Manager) startNATS(ctx context.Context) {
	if !m.config.NATS.Enabled {
		return
	}

	conn, err := output.NewNATSConnection(
		m.config.NATS.URL,
		m.config.App.Name+"-"+m.config.App.InstanceID,
		m.config.NATS.MaxReconnects,
		m.config.NATS.ReconnectWait(),
		m.logger,
	)
	if err != nil {
		m.logger.Warn("NATS unavailable, mirror disabled", "error", err)
		return
	}
	m.natsConn = conn

	m.eventPublisher = output.NewEventPublisher(&output.EventPublisherConfig{
		Conn:          conn,
		SubjectPrefix: m.config.NATS.SubjectPrefix,
		InstanceID:    m.config.App.InstanceID,
		Metrics:       m.metrics,
		Logger:        m.logger,
	})
	m.eventPublisher.PublishServiceStart(m.version)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.eventPublisher.Run(ctx, m.gateway); err != nil {
			m.logger.Warn("NATS mirror stopped", "error", err)
		}
	}()

	if m.config.Health.Enabled {
		m.healthPublisher = output.NewHealthPublisher(&output.HealthPublisherConfig{
			Conn:       conn,
			Subject:    output.BuildHealthSubject(m.config.NATS.SubjectPrefix, m.config.App.InstanceID),
			InstanceID: m.config.App.InstanceID,
			Interval:   m.config.Health.Interval(),
			Logger:     m.logger,
			StatsFunc:  m.getHealthStats,
		})
		m.healthPublisher.Start()
	}
}

// forwardButtons turns presses into hardware_input events. Ends when the
// monitor closes its stream.
func (m *Manager) forwardButtons(events <-chan buttons.Event) {
	defer m.wg.Done()
	for ev := range events {
		m.gateway.PublishHardwareInput(ev.Player, ev.Value)
	}
}

// Stop releases the serial handle and the button hardware, then stops the
// gateway and closes NATS.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping bridge manager")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.link.Stop()
		}()
		if m.buttons != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.buttons.Stop()
			}()
		}
		wg.Wait()

		if m.healthPublisher != nil {
			m.healthPublisher.Stop()
		}
		m.eventPublisher.PublishServiceStop("shutdown requested")

		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		m.natsConn.Close()

		m.logger.Info("Bridge manager stopped")
	})
}

// Gateway returns the broadcast gateway subscribers attach to.
func (m *Manager) Gateway() *broadcast.Gateway {
	return m.gateway
}

// Link returns the sensor link supervisor.
func (m *Manager) Link() *Link {
	return m.link
}

// NATSConnected returns true if connected to NATS
func (m *Manager) NATSConnected() bool {
	return m.natsConn.IsConnected()
}

// LinkInfo is the sensor link part of the stats response
type LinkInfo struct {
	State      string    `json:"state"`
	Device     string    `json:"device,omitempty"`
	Candidates []string  `json:"candidates"`
	Stats      LinkStats `json:"stats"`
}

// ButtonInfo is the button part of the stats response
type ButtonInfo struct {
	Mode      string `json:"mode"`
	Simulated bool   `json:"simulated"`
	Inputs    int    `json:"inputs"`
}

// PortInfo describes one candidate device for the ports API
type PortInfo struct {
	Device  string `json:"device"`
	Present bool   `json:"present"`
	InUse   bool   `json:"in_use"`
}

// Ports lists the candidates the locator would probe now.
func (m *Manager) Ports() []PortInfo {
	current := m.link.Device()
	candidates := m.locator.Candidates()

	ports := make([]PortInfo, 0, len(candidates))
	for _, dev := range candidates {
		ports = append(ports, PortInfo{
			Device:  dev,
			Present: serial.DevicePresent(dev),
			InUse:   dev == current,
		})
	}
	return ports
}

// GetAllStats returns the bridge status for the API.
func (m *Manager) GetAllStats() map[string]any {
	buttonInfo := ButtonInfo{Mode: "stopped", Inputs: len(m.config.Buttons.Inputs)}
	if m.buttons != nil {
		buttonInfo.Mode = m.buttons.Mode()
		buttonInfo.Simulated = m.buttons.Simulated()
	}

	var uptime int64
	if !m.startTime.IsZero() {
		uptime = int64(time.Since(m.startTime).Seconds())
	}

	return map[string]any{
		"instance_id": m.config.App.InstanceID,
		"uptime_sec":  uptime,
		"link": LinkInfo{
			State:      m.link.State().String(),
			Device:     m.link.Device(),
			Candidates: m.locator.Candidates(),
			Stats:      m.link.Stats(),
		},
		"subscribers":    m.gateway.SubscriberCount(),
		"buttons":        buttonInfo,
		"nats_connected": m.NATSConnected(),
	}
}

// getHealthStats returns health stats for the health publisher
func (m *Manager) getHealthStats() output.HealthStats {
	stats := m.link.Stats()

	var lastLineAgo int64 = -1
	if !stats.LastLineTime.IsZero() {
		lastLineAgo = int64(time.Since(stats.LastLineTime).Seconds())
	}

	mode := "stopped"
	if m.buttons != nil {
		mode = m.buttons.Mode()
	}

	return output.HealthStats{
		NATSConnected: m.NATSConnected(),
		Link: output.LinkHealth{
			Device:      stats.Device,
			State:       m.link.State().String(),
			Reconnects:  stats.Reconnects,
			BytesRead:   stats.BytesRead,
			LinesRead:   stats.LinesRead,
			NoiseLines:  stats.NoiseLines,
			Errors:      stats.Errors,
			LastLineAgo: lastLineAgo,
		},
		Subscribers: m.gateway.SubscriberCount(),
		ButtonMode:  mode,
	}
}
