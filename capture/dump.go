package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pulsebridge/protocol"
	"pulsebridge/serial"
)

// Dump locates the sensor, then prints every raw line with its decode result
// until ctx is cancelled or the device fails. It is a bench tool for
// checking wiring and firmware output without any subscribers.
func Dump(ctx context.Context, locator Locator, tr protocol.Transform, poll time.Duration, w io.Writer) error {
	var reader serial.Reader
	for reader == nil {
		r, err := locator.Locate(ctx)
		if err == nil {
			reader = r
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, serial.ErrPortNotFound) && !errors.Is(err, serial.ErrProbeInFlight) {
			return err
		}
		fmt.Fprintf(w, "waiting for device: %v\n", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
	defer reader.Close()

	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if err := reader.SetReadTimeout(poll); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}

	fmt.Fprintf(w, "reading %s (Ctrl+C to stop)\n", reader.Device())

	buf := make([]byte, readBufferSize)
	lines := newLineAssembler(DefaultMaxLineLength)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := reader.Read(buf)
		if n > 0 {
			lines.feed(buf[:n], func(line []byte) {
				fmt.Fprintln(w, describeLine(line, tr))
			})
		}
		if err != nil && !isTimeoutError(err) {
			return fmt.Errorf("read %s: %w", reader.Device(), err)
		}
	}
}

func describeLine(line []byte, tr protocol.Transform) string {
	reading, ok := protocol.Decode(line)
	if !ok {
		return fmt.Sprintf("%q -> noise", line)
	}
	m := tr.Apply(reading)
	return fmt.Sprintf("%q -> raw=%d,%d p1=%d p2=%d", line, reading.A, reading.B, m.P1, m.P2)
}
