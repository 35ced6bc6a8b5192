package buttons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// DefaultChip is the GPIO character device used when none is configured.
const DefaultChip = "gpiochip0"

const edgeBufferSize = 64

// lineRequester requests one input line and calls handler on every edge with
// the logical level after the edge.
type lineRequester func(chip string, offset int, debounce time.Duration, handler func(active bool)) (io.Closer, error)

// GPIOSource reads buttons wired between a GPIO line and ground. Lines are
// requested with pull-up and active-low so a pressed button reads active.
type GPIOSource struct {
	chip     string
	debounce time.Duration
	logger   *slog.Logger
	request  lineRequester

	mu    sync.Mutex
	lines []io.Closer
}

// NewGPIOSource creates a GPIO backend on chip. debounce is also handed to
// the kernel where the driver supports it.
func NewGPIOSource(chip string, debounce time.Duration, logger *slog.Logger) *GPIOSource {
	if chip == "" {
		chip = DefaultChip
	}
	return &GPIOSource{
		chip:     chip,
		debounce: debounce,
		logger:   logger.With("component", "gpio", "chip", chip),
		request:  requestLine,
	}
}

// Name returns the backend name
func (s *GPIOSource) Name() string { return "gpio" }

// Start requests every input line. Any failure releases the lines already
// requested.
func (s *GPIOSource) Start(ctx context.Context, inputs []Input) (<-chan Edge, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}

	edges := make(chan Edge, edgeBufferSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, in := range inputs {
		idx := i
		handler := func(active bool) {
			select {
			case edges <- Edge{Input: idx, Active: active, At: time.Now()}:
			case <-ctx.Done():
			default:
				s.logger.Warn("Edge buffer full, dropping edge", "input", inputs[idx].Name)
			}
		}

		line, err := s.request(s.chip, in.Line, s.debounce, handler)
		if err != nil {
			s.releaseLocked()
			return nil, fmt.Errorf("request line %d (%s): %w", in.Line, in.Name, err)
		}
		s.lines = append(s.lines, line)
		s.logger.Debug("Line requested", "line", in.Line, "input", in.Name)
	}

	s.logger.Info("GPIO lines requested", "count", len(s.lines))
	return edges, nil
}

// Close releases all requested lines.
func (s *GPIOSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked()
}

func (s *GPIOSource) releaseLocked() error {
	var errs []error
	for _, l := range s.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.lines = nil
	return errors.Join(errs...)
}

func requestLine(chip string, offset int, debounce time.Duration, handler func(active bool)) (io.Closer, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.AsActiveLow,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			handler(evt.Type == gpiocdev.LineEventRisingEdge)
		}),
	}
	if debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(debounce))
	}

	line, err := gpiocdev.RequestLine(chip, offset, opts...)
	if err != nil {
		return nil, err
	}
	return line, nil
}
