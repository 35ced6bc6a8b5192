package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"pulsebridge/broadcast"
	"pulsebridge/metrics"
	"pulsebridge/protocol"
	"pulsebridge/serial"
)

// LinkState represents the state of the sensor link
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateStopped
)

const (
	// DefaultPollInterval is the read timeout while connected.
	DefaultPollInterval = 20 * time.Millisecond

	// DefaultMaxLineLength bounds a single record; longer lines are noise.
	DefaultMaxLineLength = 256

	// DefaultPresenceCheck is how long reads may stay empty before the
	// device node is checked.
	DefaultPresenceCheck = time.Second

	readBufferSize = 256
)

// ErrDeviceGone is returned when the bound device node disappears.
var ErrDeviceGone = errors.New("device removed")

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LinkStats tracks statistics for the sensor link
type LinkStats struct {
	BytesRead    int64     `json:"bytes_read"`
	LinesRead    int64     `json:"lines_read"`
	NoiseLines   int64     `json:"noise_lines"`
	Errors       int64     `json:"errors"`
	Reconnects   int64     `json:"reconnects"`
	LastLineTime time.Time `json:"last_line_time"`
	Device       string    `json:"device"`
	StartTime    time.Time `json:"start_time"`
}

// Sink receives what the link produces. broadcast.Gateway implements it.
type Sink interface {
	PublishMetric(m protocol.Metric, raw protocol.Reading)
	PublishStatus(msg string)
}

// Locator finds and opens the sensor device.
type Locator interface {
	Locate(ctx context.Context) (serial.Reader, error)
}

// LinkConfig configures a Link
type LinkConfig struct {
	PollInterval       time.Duration
	MaxLineLength      int
	Transform          protocol.Transform
	ReconnectDelay     time.Duration
	MaxReconnectDelay  time.Duration
	ExponentialBackoff bool
	PresenceCheck      time.Duration
	Present            func(device string) bool // nil = serial.DevicePresent
}

// Link supervises the serial sensor: it locates the device, reads lines,
// and reconnects after any failure. The serial handle is owned by the link
// goroutine alone.
type Link struct {
	cfg     LinkConfig
	locator Locator
	sink    Sink
	metrics *metrics.Metrics
	wake    <-chan string

	state      LinkState
	stateMutex sync.RWMutex

	stats               LinkStats // totals of finished sessions
	reader              *serial.ReaderWithStats
	consecutiveFailures int64
	statsMutex          sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewLink creates a new sensor link supervisor
func NewLink(cfg LinkConfig, locator Locator, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Link {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if cfg.Transform.Divisor <= 0 {
		cfg.Transform = protocol.DefaultTransform()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.PresenceCheck <= 0 {
		cfg.PresenceCheck = DefaultPresenceCheck
	}
	if cfg.Present == nil {
		cfg.Present = serial.DevicePresent
	}

	return &Link{
		cfg:     cfg,
		locator: locator,
		sink:    sink,
		metrics: m,
		state:   StateDisconnected,
		stopCh:  make(chan struct{}),
		logger:  logger.With("component", "link"),
	}
}

// SetWake installs a channel whose sends cut the reconnect wait short,
// normally fed by serial.WatchHotplug. Must be called before Start.
func (l *Link) SetWake(wake <-chan string) {
	l.wake = wake
}

// Start begins supervising the link in the background
func (l *Link) Start(ctx context.Context) {
	l.logger.Info("Starting sensor link", "poll_interval", l.cfg.PollInterval)

	l.statsMutex.Lock()
	l.stats.StartTime = time.Now()
	l.statsMutex.Unlock()

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop stops the link and releases the serial handle before returning
func (l *Link) Stop() {
	l.stopOnce.Do(func() {
		l.logger.Info("Stopping sensor link")
		close(l.stopCh)
	})
	l.wg.Wait()
	l.setState(StateStopped)
	l.logger.Info("Sensor link stopped")
}

func (l *Link) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Link) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		if l.stopping(ctx) {
			return
		}

		err := l.runSession(ctx)
		if l.stopping(ctx) {
			return
		}

		if errors.Is(err, serial.ErrPortNotFound) {
			l.logger.Debug("Sensor not found", "error", err)
		} else if err != nil {
			l.logger.Warn("Sensor session ended", "error", err)
		}

		l.handleReconnect(ctx)
	}
}

// runSession locates the device and reads until the link fails
func (l *Link) runSession(ctx context.Context) error {
	l.setState(StateConnecting)

	reader, err := l.locator.Locate(ctx)
	if err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("locate: %w", err)
	}

	r := serial.NewReaderWithStats(reader)
	device := r.Device()

	l.statsMutex.Lock()
	l.reader = r
	l.stats.Device = device
	l.consecutiveFailures = 0
	l.statsMutex.Unlock()

	defer l.releaseReader(r)

	if err := r.SetReadTimeout(l.cfg.PollInterval); err != nil {
		l.logger.Warn("Failed to set read timeout", "device", device, "error", err)
	}

	l.setState(StateConnected)
	l.metrics.SetLinkConnected(true)
	l.sink.PublishStatus(broadcast.LinkOK(device))
	l.logger.Info("Sensor link connected", "device", device)

	err = l.readLoop(ctx, r)

	l.setState(StateDisconnected)
	l.metrics.SetLinkConnected(false)

	if l.stopping(ctx) {
		return nil
	}

	l.statsMutex.Lock()
	l.stats.Reconnects++
	l.statsMutex.Unlock()
	l.metrics.Reconnect()

	l.sink.PublishStatus(broadcast.StatusLinkLost)
	l.logger.Warn("Sensor link lost", "device", device, "error", err)

	return err
}

// releaseReader closes the handle and folds its counters into the totals
func (l *Link) releaseReader(r *serial.ReaderWithStats) {
	if err := r.Close(); err != nil {
		l.logger.Debug("Close failed", "device", r.Device(), "error", err)
	}

	bytesRead, linesRead, noise, errs := r.Stats()

	l.statsMutex.Lock()
	l.stats.BytesRead += bytesRead
	l.stats.LinesRead += linesRead
	l.stats.NoiseLines += noise
	l.stats.Errors += errs
	l.stats.Device = ""
	l.reader = nil
	l.statsMutex.Unlock()
}

// readLoop reads and dispatches lines. A read that returns no bytes is a
// poll timeout; the device node is checked after a run of them since an
// unplugged CDC device can look the same.
func (l *Link) readLoop(ctx context.Context, r *serial.ReaderWithStats) error {
	buf := make([]byte, readBufferSize)
	lines := newLineAssembler(l.cfg.MaxLineLength)
	lastData := time.Now()

	for {
		if l.stopping(ctx) {
			return nil
		}

		n, err := r.Read(buf)
		if n > 0 {
			lastData = time.Now()
			lines.feed(buf[:n], func(line []byte) {
				l.processLine(r, line)
			})
		}

		if err != nil {
			if isTimeoutError(err) {
				continue
			}
			l.metrics.ReadError()
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("read %s: device closed: %w", r.Device(), err)
			}
			return fmt.Errorf("read %s: %w", r.Device(), err)
		}

		if n == 0 && time.Since(lastData) >= l.cfg.PresenceCheck {
			if !l.cfg.Present(r.Device()) {
				return fmt.Errorf("read %s: %w", r.Device(), ErrDeviceGone)
			}
			lastData = time.Now()
		}
	}
}

// isTimeoutError checks if an error indicates a timeout rather than a real
// serial port failure
func isTimeoutError(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "resource temporarily unavailable")
}

// processLine decodes one record and hands it on. Noise is counted, never
// surfaced above debug.
func (l *Link) processLine(r *serial.ReaderWithStats, line []byte) {
	reading, ok := protocol.Decode(line)
	if !ok {
		r.NoiseRead()
		l.metrics.LineNoise()
		l.logger.Debug("Discarding malformed line", "device", r.Device(), "bytes", len(line))
		return
	}

	r.LineRead()
	l.metrics.LineAccepted()

	l.statsMutex.Lock()
	l.stats.LastLineTime = time.Now()
	l.statsMutex.Unlock()

	l.sink.PublishMetric(l.cfg.Transform.Apply(reading), reading)
}

// reconnectDelay returns the wait before the next attempt
func (l *Link) reconnectDelay(failures int64) time.Duration {
	delay := l.cfg.ReconnectDelay
	if !l.cfg.ExponentialBackoff || failures <= 1 {
		return delay
	}

	exponent := math.Min(float64(failures-1), 30)
	calculated := time.Duration(float64(delay) * math.Pow(2, exponent))
	if calculated > l.cfg.MaxReconnectDelay {
		return l.cfg.MaxReconnectDelay
	}
	return calculated
}

// handleReconnect waits before the next locate attempt. A hotplug wake-up
// ends the wait early.
func (l *Link) handleReconnect(ctx context.Context) {
	l.statsMutex.Lock()
	l.consecutiveFailures++
	failures := l.consecutiveFailures
	l.statsMutex.Unlock()

	delay := l.reconnectDelay(failures)
	l.logger.Debug("Waiting before reconnection attempt",
		"consecutive_failures", failures,
		"delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-l.stopCh:
	case <-timer.C:
	case dev, ok := <-l.wake:
		if !ok {
			l.wake = nil
			return
		}
		l.logger.Info("Serial device appeared", "device", dev)
	}
}

func (l *Link) setState(state LinkState) {
	l.stateMutex.Lock()
	prev := l.state
	l.state = state
	l.stateMutex.Unlock()

	if prev != state {
		l.logger.Debug("State changed", "from", prev.String(), "to", state.String())
	}
}

// State returns the current state
func (l *Link) State() LinkState {
	l.stateMutex.RLock()
	defer l.stateMutex.RUnlock()
	return l.state
}

// Stats returns current statistics, including the live session
func (l *Link) Stats() LinkStats {
	l.statsMutex.RLock()
	defer l.statsMutex.RUnlock()

	stats := l.stats
	if l.reader != nil {
		bytesRead, linesRead, noise, errs := l.reader.Stats()
		stats.BytesRead += bytesRead
		stats.LinesRead += linesRead
		stats.NoiseLines += noise
		stats.Errors += errs
	}

	return stats
}

// Device returns the bound device path, empty while disconnected
func (l *Link) Device() string {
	l.statsMutex.RLock()
	defer l.statsMutex.RUnlock()
	return l.stats.Device
}

// lineAssembler splits a byte stream into newline-terminated records.
// A record longer than max is dropped whole and reported as an empty line,
// which the decoder rejects as noise.
type lineAssembler struct {
	buf      []byte
	max      int
	overflow bool
}

func newLineAssembler(max int) *lineAssembler {
	return &lineAssembler{buf: make([]byte, 0, max), max: max}
}

func (a *lineAssembler) feed(p []byte, emit func(line []byte)) {
	for _, b := range p {
		if b == '\n' {
			if a.overflow {
				emit(nil)
			} else {
				emit(a.buf)
			}
			a.buf = a.buf[:0]
			a.overflow = false
			continue
		}
		if a.overflow {
			continue
		}
		if len(a.buf) >= a.max {
			a.overflow = true
			a.buf = a.buf[:0]
			continue
		}
		a.buf = append(a.buf, b)
	}
}
