package output

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultHealthInterval is the heartbeat period when none is configured.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher publishes periodic health heartbeats to NATS.
type HealthPublisher struct {
	conn       Publisher
	subject    string
	instanceID string
	startTime  time.Time
	interval   time.Duration
	logger     *slog.Logger

	statsFunc func() HealthStats // Callback to get current stats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HealthStats is provided by the capture.Manager via callback.
type HealthStats struct {
	NATSConnected bool
	Link          LinkHealth
	Subscribers   int
	ButtonMode    string
}

// LinkHealth is the sensor link part of a heartbeat
type LinkHealth struct {
	Device      string `json:"device,omitempty"`
	State       string `json:"state"`
	Reconnects  int64  `json:"reconnects"`
	BytesRead   int64  `json:"bytes"`
	LinesRead   int64  `json:"lines"`
	NoiseLines  int64  `json:"noise"`
	Errors      int64  `json:"errors"`
	LastLineAgo int64  `json:"last_line_ago_sec"` // -1 if never
}

// HealthMessage is the JSON payload published to NATS
type HealthMessage struct {
	Version       int        `json:"v"`
	Timestamp     string     `json:"ts"`
	InstanceID    string     `json:"instance_id"`
	UptimeSec     int64      `json:"uptime_sec"`
	NATSConnected bool       `json:"nats_connected"`
	Link          LinkHealth `json:"link"`
	Subscribers   int        `json:"subscribers"`
	Buttons       string     `json:"buttons"`
}

// HealthPublisherConfig contains configuration for HealthPublisher
type HealthPublisherConfig struct {
	Conn       Publisher
	Subject    string        // e.g. "pulsebridge.health.stage-left"
	InstanceID string        // e.g. "stage-left"
	Interval   time.Duration // How often to publish (default 30s)
	Logger     *slog.Logger
	StatsFunc  func() HealthStats
}

// NewHealthPublisher creates a new HealthPublisher
func NewHealthPublisher(cfg *HealthPublisherConfig) *HealthPublisher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	return &HealthPublisher{
		conn:       cfg.Conn,
		subject:    cfg.Subject,
		instanceID: cfg.InstanceID,
		startTime:  time.Now(),
		interval:   interval,
		logger:     cfg.Logger.With("component", "health"),
		statsFunc:  cfg.StatsFunc,
		stopCh:     make(chan struct{}),
	}
}

// Start begins publishing health heartbeats
func (h *HealthPublisher) Start() {
	h.wg.Add(1)
	go h.publishLoop()
	h.logger.Info("Health publisher started",
		"subject", h.subject,
		"interval", h.interval)
}

// Stop stops the health publisher after a final heartbeat
func (h *HealthPublisher) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()
		h.logger.Info("Health publisher stopped")
	})
}

func (h *HealthPublisher) publishLoop() {
	defer h.wg.Done()

	h.publish()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			h.publish()
			return
		case <-ticker.C:
			h.publish()
		}
	}
}

func (h *HealthPublisher) publish() {
	if h.conn == nil || !h.conn.IsConnected() {
		h.logger.Debug("Skipping health publish - NATS not connected")
		return
	}

	msg := h.buildMessage(time.Now())

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal health message", "error", err)
		return
	}

	if err := h.conn.Publish(h.subject, data); err != nil {
		h.logger.Warn("Failed to publish health message", "error", err)
		return
	}

	h.logger.Debug("Published health heartbeat",
		"subject", h.subject,
		"uptime_sec", msg.UptimeSec,
		"link_state", msg.Link.State)
}

func (h *HealthPublisher) buildMessage(now time.Time) HealthMessage {
	var stats HealthStats
	if h.statsFunc != nil {
		stats = h.statsFunc()
	}

	return HealthMessage{
		Version:       1,
		Timestamp:     now.UTC().Format(time.RFC3339),
		InstanceID:    h.instanceID,
		UptimeSec:     int64(now.Sub(h.startTime).Seconds()),
		NATSConnected: stats.NATSConnected,
		Link:          stats.Link,
		Subscribers:   stats.Subscribers,
		Buttons:       stats.ButtonMode,
	}
}

// BuildHealthSubject constructs the health subject
// Format: {prefix}.health.{instance}
func BuildHealthSubject(subjectPrefix, instanceID string) string {
	return BuildSubject(BuildSubject(subjectPrefix, "health"), instanceID)
}
