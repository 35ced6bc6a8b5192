package protocol

import "fmt"

// Calibration constants of the pulse sensor firmware.
const (
	DefaultDivisor = 10
	DefaultOffset  = 45
)

// Metric is the derived per-channel rate shown to subscribers.
type Metric struct {
	P1 int `json:"p1"`
	P2 int `json:"p2"`
}

// Transform maps raw analog magnitudes to display rates:
//
//	floor(raw / Divisor) + Offset
//
// Division rounds toward negative infinity, so -5 maps to 44 with the
// default constants. When Clamp is set the result is limited to [Min, Max].
type Transform struct {
	Divisor int
	Offset  int
	Clamp   bool
	Min     int
	Max     int
}

// DefaultTransform returns the device calibration without clamping.
func DefaultTransform() Transform {
	return Transform{Divisor: DefaultDivisor, Offset: DefaultOffset}
}

// Validate checks that the transform can be applied.
func (t Transform) Validate() error {
	if t.Divisor <= 0 {
		return fmt.Errorf("divisor must be positive, got: %d", t.Divisor)
	}
	if t.Clamp && t.Min > t.Max {
		return fmt.Errorf("clamp min (%d) must be <= max (%d)", t.Min, t.Max)
	}
	return nil
}

// Value converts a single raw magnitude.
func (t Transform) Value(raw int) int {
	v := floorDiv(raw, t.Divisor) + t.Offset
	if t.Clamp {
		v = max(t.Min, min(t.Max, v))
	}
	return v
}

// Apply converts both channels of a reading.
func (t Transform) Apply(r Reading) Metric {
	return Metric{P1: t.Value(r.A), P2: t.Value(r.B)}
}

// floorDiv is integer division rounding toward negative infinity.
// Go's / truncates toward zero.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
