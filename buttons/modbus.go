package buttons

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

const (
	// DefaultModbusPoll is the discrete input poll interval.
	DefaultModbusPoll = 10 * time.Millisecond

	// DefaultModbusTimeout bounds one Modbus request.
	DefaultModbusTimeout = 500 * time.Millisecond

	// MaxDiscreteInputs is the most inputs one FC2 request may read.
	MaxDiscreteInputs = 2000
)

// ModbusConfig selects the I/O module. URL is tcp://host:port or
// rtu:///dev/ttyUSB2.
type ModbusConfig struct {
	URL          string
	SlaveID      byte
	BaudRate     int
	PollInterval time.Duration
	Timeout      time.Duration
}

// discreteClient abstracts the single Modbus operation the poller needs (FC 2).
type discreteClient interface {
	ReadDiscreteInputs(addr, qty uint16) ([]bool, error)
	Close() error
}

type dialFunc func(cfg ModbusConfig) (discreteClient, error)

// ModbusSource polls the discrete inputs of a Modbus I/O module and reports
// every level change as an edge.
type ModbusSource struct {
	cfg    ModbusConfig
	logger *slog.Logger
	dial   dialFunc

	mu     sync.Mutex
	client discreteClient
	wg     sync.WaitGroup
}

// NewModbusSource creates a Modbus backend.
func NewModbusSource(cfg ModbusConfig, logger *slog.Logger) *ModbusSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultModbusPoll
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultModbusTimeout
	}
	if cfg.SlaveID == 0 {
		cfg.SlaveID = 1
	}
	return &ModbusSource{
		cfg:    cfg,
		logger: logger.With("component", "modbus", "url", cfg.URL),
		dial:   dialModbus,
	}
}

// Name returns the backend name
func (s *ModbusSource) Name() string { return "modbus" }

// Start connects to the module and starts polling. The first poll is the
// baseline and emits nothing.
func (s *ModbusSource) Start(ctx context.Context, inputs []Input) (<-chan Edge, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	base, span := addressSpan(inputs)
	if span > MaxDiscreteInputs {
		return nil, fmt.Errorf("input addresses span %d from %d, max %d per read", span, base, MaxDiscreteInputs)
	}
	qty := uint16(span)

	client, err := s.dial(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	edges := make(chan Edge, edgeBufferSize)

	s.wg.Add(1)
	go s.poll(ctx, client, inputs, base, qty, edges)

	s.logger.Info("Modbus polling started",
		"slave_id", s.cfg.SlaveID,
		"base", base,
		"quantity", qty,
		"interval", s.cfg.PollInterval)

	return edges, nil
}

// Close stops polling and closes the connection. The poll loop must already
// have been cancelled through the context passed to Start.
func (s *ModbusSource) Close() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *ModbusSource) poll(ctx context.Context, client discreteClient, inputs []Input, base, qty uint16, edges chan<- Edge) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var levels []bool
	failing := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bits, err := client.ReadDiscreteInputs(base, qty)
		if err != nil {
			if !failing {
				s.logger.Warn("Discrete input read failed", "error", err)
				failing = true
			}
			continue
		}
		if failing {
			s.logger.Info("Discrete input reads recovered")
			failing = false
		}

		now := time.Now()
		current := make([]bool, len(inputs))
		for i, in := range inputs {
			off := int(in.Address - base)
			if off < len(bits) {
				current[i] = bits[off]
			}
		}

		if levels == nil {
			levels = current
			continue
		}

		for i := range inputs {
			if current[i] == levels[i] {
				continue
			}
			select {
			case edges <- Edge{Input: i, Active: current[i], At: now}:
			case <-ctx.Done():
				return
			}
		}
		levels = current
	}
}

// addressSpan returns the smallest block covering every input address.
func addressSpan(inputs []Input) (base uint16, qty int) {
	lo, hi := inputs[0].Address, inputs[0].Address
	for _, in := range inputs[1:] {
		if in.Address < lo {
			lo = in.Address
		}
		if in.Address > hi {
			hi = in.Address
		}
	}
	return lo, int(hi) - int(lo) + 1
}

// goburrowClient adapts a goburrow handler and client to discreteClient.
type goburrowClient struct {
	handler interface{ Close() error }
	client  modbus.Client
}

func (c *goburrowClient) ReadDiscreteInputs(addr, qty uint16) ([]bool, error) {
	raw, err := c.client.ReadDiscreteInputs(addr, qty)
	if err != nil {
		return nil, err
	}
	return unpackBits(raw, int(qty)), nil
}

func (c *goburrowClient) Close() error {
	return c.handler.Close()
}

func dialModbus(cfg ModbusConfig) (discreteClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse modbus url: %w", err)
	}

	switch u.Scheme {
	case "tcp":
		h := modbus.NewTCPClientHandler(u.Host)
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.SlaveID
		if err := h.Connect(); err != nil {
			return nil, err
		}
		return &goburrowClient{handler: h, client: modbus.NewClient(h)}, nil

	case "rtu":
		h := modbus.NewRTUClientHandler(u.Path)
		h.BaudRate = cfg.BaudRate
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.SlaveID
		if err := h.Connect(); err != nil {
			return nil, err
		}
		return &goburrowClient{handler: h, client: modbus.NewClient(h)}, nil

	default:
		return nil, errors.New("modbus url scheme must be tcp or rtu")
	}
}

// unpackBits expands an FC 1/2 response, LSB first within each byte.
func unpackBits(raw []byte, qty int) []bool {
	out := make([]bool, qty)
	for i := 0; i < qty && i/8 < len(raw); i++ {
		out[i] = raw[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}
