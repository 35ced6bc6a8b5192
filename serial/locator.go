package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPortNotFound is returned when no candidate could be opened.
	ErrPortNotFound = errors.New("no serial device found")

	// ErrProbeInFlight is returned when Locate is called while another probe runs.
	ErrProbeInFlight = errors.New("probe already in progress")
)

// MaxProbeTimeout caps the time spent on a single candidate.
const MaxProbeTimeout = 100 * time.Millisecond

// OpenFunc opens a device. Open is the production implementation.
type OpenFunc func(device string, baudRate int) (Reader, error)

// DiscoverFunc lists additional candidate devices.
type DiscoverFunc func() ([]string, error)

// LocatorConfig configures a Locator
type LocatorConfig struct {
	Candidates   []string
	BaudRate     int
	ProbeTimeout time.Duration
	AutoDiscover bool
	Open         OpenFunc     // nil = Open
	Discover     DiscoverFunc // nil = DiscoverUSBPorts
}

// Locator finds the sensor device among an ordered list of candidate paths
type Locator struct {
	candidates   []string
	baudRate     int
	probeTimeout time.Duration
	autoDiscover bool
	open         OpenFunc
	discover     DiscoverFunc
	logger       *slog.Logger

	probing sync.Mutex

	stuckMu sync.Mutex
	stuck   map[string]bool
}

// NewLocator creates a new Locator
func NewLocator(cfg LocatorConfig, logger *slog.Logger) *Locator {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 || timeout > MaxProbeTimeout {
		timeout = MaxProbeTimeout
	}

	open := cfg.Open
	if open == nil {
		open = Open
	}

	discover := cfg.Discover
	if discover == nil {
		discover = DiscoverUSBPorts
	}

	return &Locator{
		candidates:   append([]string(nil), cfg.Candidates...),
		baudRate:     cfg.BaudRate,
		probeTimeout: timeout,
		autoDiscover: cfg.AutoDiscover,
		open:         open,
		discover:     discover,
		logger:       logger.With("component", "locator"),
		stuck:        make(map[string]bool),
	}
}

// Candidates returns the probe order: configured paths first, then any
// discovered USB serial ports not already listed.
func (l *Locator) Candidates() []string {
	out := append([]string(nil), l.candidates...)
	if !l.autoDiscover {
		return out
	}

	found, err := l.discover()
	if err != nil {
		l.logger.Debug("Port discovery failed", "error", err)
		return out
	}

	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c] = true
	}
	for _, dev := range found {
		if !seen[dev] {
			seen[dev] = true
			out = append(out, dev)
		}
	}
	return out
}

// Locate probes each candidate in order and returns the first one that
// opens. The caller owns the returned handle. Only one probe may run at a
// time; a concurrent call returns ErrProbeInFlight.
func (l *Locator) Locate(ctx context.Context) (Reader, error) {
	if !l.probing.TryLock() {
		return nil, ErrProbeInFlight
	}
	defer l.probing.Unlock()

	candidates := l.Candidates()
	for _, dev := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if l.isStuck(dev) {
			l.logger.Debug("Skipping candidate with pending open", "device", dev)
			continue
		}

		reader, err := l.probe(ctx, dev)
		if err != nil {
			l.logger.Debug("Candidate failed", "device", dev, "error", err)
			continue
		}

		if err := reader.ResetInputBuffer(); err != nil {
			l.logger.Debug("Failed to reset input buffer", "device", dev, "error", err)
		}

		l.logger.Info("Found serial device", "device", dev, "baud", l.baudRate)
		return reader, nil
	}

	return nil, fmt.Errorf("%w: tried %d candidates", ErrPortNotFound, len(candidates))
}

type probeResult struct {
	reader Reader
	err    error
}

// probe opens one candidate with a deadline. An open that misses the
// deadline keeps the candidate marked stuck until it returns, and a handle
// it produces late is closed.
func (l *Locator) probe(ctx context.Context, dev string) (Reader, error) {
	done := make(chan probeResult, 1)
	go func() {
		r, err := l.open(dev, l.baudRate)
		done <- probeResult{reader: r, err: err}
	}()

	timer := time.NewTimer(l.probeTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.reader, res.err
	case <-timer.C:
	case <-ctx.Done():
	}

	l.setStuck(dev, true)
	go func() {
		res := <-done
		if res.err == nil && res.reader != nil {
			res.reader.Close()
		}
		l.setStuck(dev, false)
		l.logger.Debug("Late open released", "device", dev)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("open %s: timed out after %v", dev, l.probeTimeout)
}

func (l *Locator) isStuck(dev string) bool {
	l.stuckMu.Lock()
	defer l.stuckMu.Unlock()
	return l.stuck[dev]
}

func (l *Locator) setStuck(dev string, stuck bool) {
	l.stuckMu.Lock()
	defer l.stuckMu.Unlock()
	if stuck {
		l.stuck[dev] = true
	} else {
		delete(l.stuck, dev)
	}
}
