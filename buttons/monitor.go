// Package buttons turns four physical push-buttons into press events.
//
// A Source delivers raw edges (GPIO character device or a Modbus I/O
// module). The Monitor debounces them and emits exactly one Event per
// accepted press. Without usable hardware the Monitor runs in simulation
// mode and emits nothing.
package buttons

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pulsebridge/metrics"
)

// ErrNoInputs is returned by Start when no inputs are configured.
var ErrNoInputs = errors.New("no inputs configured")

// DefaultDebounce is the software debounce window.
const DefaultDebounce = 50 * time.Millisecond

const eventBufferSize = 64

// Input maps one physical input to a (player, value) pair
type Input struct {
	Name    string
	Player  int
	Value   string // "Ja" or "Nein"
	Line    int    // GPIO line offset
	Address uint16 // Modbus discrete input address
}

// Edge is a raw transition reported by a Source. Input indexes the slice
// passed to Source.Start.
type Edge struct {
	Input  int
	Active bool
	At     time.Time
}

// Event is a debounced press
type Event struct {
	Name   string
	Player int
	Value  string
	At     time.Time
}

// Source delivers raw edges from button hardware. The edge channel is not
// closed by the source; consumers stop on their own context.
type Source interface {
	Name() string
	Start(ctx context.Context, inputs []Input) (<-chan Edge, error)
	Close() error
}

// Monitor debounces edges into press events
type Monitor struct {
	inputs   []Input
	source   Source
	debounce time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	events    chan Event
	simulated atomic.Bool
	mode      atomic.Value // string

	// Owned by the loop goroutine
	lastChange []time.Time
	active     []bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a Monitor. A nil source means simulation mode.
func NewMonitor(inputs []Input, source Source, debounce time.Duration, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if debounce < 0 {
		debounce = DefaultDebounce
	}

	mon := &Monitor{
		inputs:     append([]Input(nil), inputs...),
		source:     source,
		debounce:   debounce,
		metrics:    m,
		logger:     logger.With("component", "buttons"),
		events:     make(chan Event, eventBufferSize),
		lastChange: make([]time.Time, len(inputs)),
		active:     make([]bool, len(inputs)),
	}
	mon.mode.Store("stopped")
	return mon
}

// Start attaches to the source. Missing or failing hardware switches to
// simulation mode rather than returning an error.
func (m *Monitor) Start(ctx context.Context) error {
	if len(m.inputs) == 0 {
		return ErrNoInputs
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.source == nil {
		m.enterSimulation("no button backend configured", nil)
		return nil
	}

	edges, err := m.source.Start(ctx, m.inputs)
	if err != nil {
		m.source.Close()
		m.source = nil
		m.enterSimulation("button hardware unavailable", err)
		return nil
	}

	m.mode.Store(m.source.Name())
	m.logger.Info("Button monitor started", "backend", m.source.Name(), "inputs", len(m.inputs), "debounce", m.debounce)

	m.wg.Add(1)
	go m.loop(ctx, edges)

	return nil
}

func (m *Monitor) enterSimulation(reason string, err error) {
	m.simulated.Store(true)
	m.mode.Store("simulation")
	if err != nil {
		m.logger.Warn("Button monitor in simulation mode", "reason", reason, "error", err)
	} else {
		m.logger.Info("Button monitor in simulation mode", "reason", reason)
	}
}

// Events returns the press stream. It is closed by Stop.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Simulated reports whether the monitor runs without hardware.
func (m *Monitor) Simulated() bool {
	return m.simulated.Load()
}

// Mode returns the backend name, "simulation" or "stopped".
func (m *Monitor) Mode() string {
	return m.mode.Load().(string)
}

// Stop releases the hardware and closes the event stream.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		if m.source != nil {
			if err := m.source.Close(); err != nil {
				m.logger.Warn("Failed to release button hardware", "error", err)
			}
		}
		close(m.events)
		m.mode.Store("stopped")
		m.logger.Info("Button monitor stopped")
	})
}

func (m *Monitor) loop(ctx context.Context, edges <-chan Edge) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case edge := <-edges:
			if ev, ok := m.accept(edge); ok {
				select {
				case m.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// accept applies the debounce window. Any edge within the window of the
// last accepted change on the same input is contact bounce. An accepted
// activation is a press.
func (m *Monitor) accept(edge Edge) (Event, bool) {
	if edge.Input < 0 || edge.Input >= len(m.inputs) {
		m.logger.Debug("Edge for unknown input", "input", edge.Input)
		return Event{}, false
	}

	i := edge.Input
	last := m.lastChange[i]
	if !last.IsZero() && edge.At.Sub(last) < m.debounce {
		return Event{}, false
	}
	if edge.Active == m.active[i] && !edge.Active {
		return Event{}, false
	}

	m.lastChange[i] = edge.At
	m.active[i] = edge.Active
	if !edge.Active {
		return Event{}, false
	}

	in := m.inputs[i]
	m.metrics.ButtonPress(in.Player, in.Value)
	m.logger.Debug("Button pressed", "input", in.Name, "player", in.Player, "value", in.Value)

	return Event{Name: in.Name, Player: in.Player, Value: in.Value, At: edge.At}, true
}
