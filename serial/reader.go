package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrPortClosed is returned when reading from a released handle.
var ErrPortClosed = errors.New("port not open")

// Reader interface for serial port reading
type Reader interface {
	io.Reader
	io.Closer
	Device() string
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
}

// RealReader implements Reader using go.bug.st/serial
type RealReader struct {
	device   string
	port     serial.Port
	baudRate int
	mu       sync.Mutex
}

// Open opens device at baudRate, 8N1, no flow control.
func Open(device string, baudRate int) (Reader, error) {
	r, err := NewRealReader(device, baudRate)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// NewRealReader creates and opens a RealReader
func NewRealReader(device string, baudRate int) (*RealReader, error) {
	reader := &RealReader{
		device:   device,
		baudRate: baudRate,
	}

	if err := reader.open(); err != nil {
		return nil, err
	}

	return reader, nil
}

func (r *RealReader) open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port != nil {
		return fmt.Errorf("port already open")
	}

	mode := &serial.Mode{
		BaudRate: r.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(r.device, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", r.device, err)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	r.port = port

	return nil
}

// Read implements io.Reader. A read that times out returns (0, nil).
func (r *RealReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	port := r.port
	r.mu.Unlock()

	if port == nil {
		return 0, ErrPortClosed
	}

	return port.Read(p)
}

// Close implements io.Closer
func (r *RealReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		return nil
	}

	err := r.port.Close()
	r.port = nil

	return err
}

// Device returns the device path
func (r *RealReader) Device() string {
	return r.device
}

// SetReadTimeout bounds how long a single Read may block.
func (r *RealReader) SetReadTimeout(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		return ErrPortClosed
	}
	return r.port.SetReadTimeout(timeout)
}

// ResetInputBuffer discards bytes received but not yet read.
func (r *RealReader) ResetInputBuffer() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		return ErrPortClosed
	}
	return r.port.ResetInputBuffer()
}

// DevicePresent reports whether the device node still exists. A USB CDC
// device that is unplugged keeps returning empty reads on some kernels, so
// the supervisor checks the node after a run of idle reads.
func DevicePresent(device string) bool {
	_, err := os.Stat(device)
	return err == nil
}

// ReaderWithStats wraps a Reader to track statistics
type ReaderWithStats struct {
	reader    Reader
	bytesRead atomic.Int64
	linesRead atomic.Int64
	noise     atomic.Int64
	errors    atomic.Int64
}

// NewReaderWithStats creates a new ReaderWithStats
func NewReaderWithStats(reader Reader) *ReaderWithStats {
	return &ReaderWithStats{
		reader: reader,
	}
}

// Read implements io.Reader and tracks bytes read
func (r *ReaderWithStats) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)

	r.bytesRead.Add(int64(n))
	if err != nil && err != io.EOF {
		r.errors.Add(1)
	}

	return n, err
}

// Close implements io.Closer
func (r *ReaderWithStats) Close() error {
	return r.reader.Close()
}

// Device returns the device path
func (r *ReaderWithStats) Device() string {
	return r.reader.Device()
}

// SetReadTimeout sets the read timeout of the wrapped handle
func (r *ReaderWithStats) SetReadTimeout(timeout time.Duration) error {
	return r.reader.SetReadTimeout(timeout)
}

// LineRead increments the accepted line counter
func (r *ReaderWithStats) LineRead() {
	r.linesRead.Add(1)
}

// NoiseRead increments the rejected line counter
func (r *ReaderWithStats) NoiseRead() {
	r.noise.Add(1)
}

// Stats returns current statistics
func (r *ReaderWithStats) Stats() (bytesRead, linesRead, noise, errors int64) {
	return r.bytesRead.Load(), r.linesRead.Load(), r.noise.Load(), r.errors.Load()
}
