package buttons

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeLine struct {
	offset  int
	handler func(active bool)
	closed  bool
}

func (l *fakeLine) Close() error {
	l.closed = true
	return nil
}

type fakeChip struct {
	mu     sync.Mutex
	lines  map[int]*fakeLine
	failOn int
}

func (c *fakeChip) request(chip string, offset int, debounce time.Duration, handler func(bool)) (io.Closer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset == c.failOn {
		return nil, errors.New("device or resource busy")
	}
	l := &fakeLine{offset: offset, handler: handler}
	c.lines[offset] = l
	return l, nil
}

func (c *fakeChip) line(offset int) *fakeLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[offset]
}

func TestGPIOSourceEdges(t *testing.T) {
	chip := &fakeChip{lines: map[int]*fakeLine{}, failOn: -1}
	src := NewGPIOSource("", 0, testLogger())
	src.request = chip.request

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	edges, err := src.Start(ctx, testInputs())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(chip.lines) != 4 {
		t.Fatalf("requested %d lines, want 4", len(chip.lines))
	}

	chip.line(22).handler(true)

	select {
	case e := <-edges:
		if e.Input != 2 || !e.Active {
			t.Errorf("edge = %+v, want input 2 active", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no edge delivered")
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for off, l := range chip.lines {
		if !l.closed {
			t.Errorf("line %d not released", off)
		}
	}
}

func TestGPIOSourceRequestFailureReleases(t *testing.T) {
	chip := &fakeChip{lines: map[int]*fakeLine{}, failOn: 22}
	src := NewGPIOSource("gpiochip1", 0, testLogger())
	src.request = chip.request

	if _, err := src.Start(context.Background(), testInputs()); err == nil {
		t.Fatal("Start() expected error")
	}
	for off, l := range chip.lines {
		if !l.closed {
			t.Errorf("line %d leaked after failed start", off)
		}
	}
}

func TestGPIOSourceNoInputs(t *testing.T) {
	src := NewGPIOSource("", 0, testLogger())
	if _, err := src.Start(context.Background(), nil); !errors.Is(err, ErrNoInputs) {
		t.Errorf("Start() error = %v, want ErrNoInputs", err)
	}
}

// fakeModule is a scripted discrete input block
type fakeModule struct {
	mu     sync.Mutex
	bits   []bool
	err    error
	reads  int
	closed bool
	base   uint16
	qty    uint16
}

func (m *fakeModule) ReadDiscreteInputs(addr, qty uint16) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	m.base, m.qty = addr, qty
	if m.err != nil {
		return nil, m.err
	}
	return append([]bool(nil), m.bits...), nil
}

func (m *fakeModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeModule) set(i int, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bits[i] = v
}

func (m *fakeModule) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *fakeModule) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func newTestModbus(module *fakeModule) *ModbusSource {
	src := NewModbusSource(ModbusConfig{URL: "tcp://127.0.0.1:502", PollInterval: 2 * time.Millisecond}, testLogger())
	src.dial = func(ModbusConfig) (discreteClient, error) { return module, nil }
	return src
}

func waitReads(t *testing.T, m *fakeModule, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for m.readCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d reads, want %d", m.readCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestModbusSourceEdges(t *testing.T) {
	module := &fakeModule{bits: make([]bool, 4)}
	module.bits[1] = true // held at startup: baseline, not a press
	src := newTestModbus(module)

	ctx, cancel := context.WithCancel(context.Background())
	edges, err := src.Start(ctx, testInputs())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitReads(t, module, 2)
	select {
	case e := <-edges:
		t.Fatalf("baseline produced edge %+v", e)
	default:
	}

	module.set(3, true)

	select {
	case e := <-edges:
		if e.Input != 3 || !e.Active {
			t.Errorf("edge = %+v, want input 3 active", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no edge after input change")
	}

	module.mu.Lock()
	if module.base != 0 || module.qty != 4 {
		t.Errorf("read block = %d+%d, want 0+4", module.base, module.qty)
	}
	module.mu.Unlock()

	cancel()
	if err := src.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !module.closed {
		t.Error("module connection not closed")
	}
}

func TestModbusSourceReadErrorsKeepPolling(t *testing.T) {
	module := &fakeModule{bits: make([]bool, 4)}
	src := newTestModbus(module)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		src.Close()
	}()

	edges, err := src.Start(ctx, testInputs())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitReads(t, module, 2)

	module.setErr(errors.New("i/o timeout"))
	n := module.readCount()
	waitReads(t, module, n+3)

	module.set(0, true)
	module.setErr(nil)

	select {
	case e := <-edges:
		if e.Input != 0 || !e.Active {
			t.Errorf("edge = %+v, want input 0 active", e)
		}
	case <-time.After(time.Second):
		t.Fatal("polling did not recover after read errors")
	}
}

func TestModbusSourceDialFailure(t *testing.T) {
	src := NewModbusSource(ModbusConfig{URL: "tcp://127.0.0.1:1"}, testLogger())
	src.dial = func(ModbusConfig) (discreteClient, error) { return nil, errors.New("connection refused") }

	if _, err := src.Start(context.Background(), testInputs()); err == nil {
		t.Fatal("Start() expected error")
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestAddressSpan(t *testing.T) {
	inputs := []Input{{Address: 12}, {Address: 9}, {Address: 15}, {Address: 10}}
	base, qty := addressSpan(inputs)
	if base != 9 || qty != 7 {
		t.Errorf("addressSpan() = %d,%d, want 9,7", base, qty)
	}

	base, qty = addressSpan([]Input{{Address: 0}, {Address: 65535}})
	if base != 0 || qty != 65536 {
		t.Errorf("addressSpan() = %d,%d, want 0,65536", base, qty)
	}
}

func TestModbusSourceRejectsWideSpan(t *testing.T) {
	src := NewModbusSource(ModbusConfig{URL: "tcp://127.0.0.1:502"}, testLogger())
	dialed := false
	src.dial = func(ModbusConfig) (discreteClient, error) {
		dialed = true
		return nil, errors.New("unexpected dial")
	}

	inputs := []Input{{Name: "a", Address: 0}, {Name: "b", Address: 65535}}
	if _, err := src.Start(context.Background(), inputs); err == nil {
		t.Fatal("Start() expected error for 65536-input span")
	}
	if dialed {
		t.Error("dialed the module for an unreadable span")
	}
}

func TestUnpackBits(t *testing.T) {
	got := unpackBits([]byte{0b00000101, 0b00000001}, 10)
	want := []bool{true, false, true, false, false, false, false, false, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bit %d = %v, want %v", i, got[i], want[i])
		}
	}

	// Short response leaves the rest inactive
	if got := unpackBits(nil, 3); len(got) != 3 || got[0] || got[1] || got[2] {
		t.Errorf("unpackBits(nil, 3) = %v", got)
	}
}

func TestDialModbusBadScheme(t *testing.T) {
	if _, err := dialModbus(ModbusConfig{URL: "udp://host:502"}); err == nil {
		t.Error("dialModbus() expected error for udp scheme")
	}
}
