package broadcast

import "encoding/json"

// Event names on the wire.
const (
	EventStatus        = "status"
	EventHardwareInput = "hardware_input"
	EventRawData       = "raw_data"

	// DefaultMetricEvent is the wire name of the rate-limited metric.
	DefaultMetricEvent = "live_pulse"
)

// Status messages.
const (
	StatusServerOK = "SVR_OK"
	StatusLinkLost = "ARDUINO_LOST"
	statusLinkOK   = "ARDUINO_OK:"
)

// Message is one outbound event. It encodes as {"event": ..., "data": ...}.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JSON encodes the message. Payload types in this package always encode.
func (m Message) JSON() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte(`{"event":"` + m.Event + `","data":null}`)
	}
	return b
}

// DataJSON encodes only the payload, as sent in an SSE data line.
func (m Message) DataJSON() []byte {
	b, err := json.Marshal(m.Data)
	if err != nil {
		return []byte("null")
	}
	return b
}

// Status is the payload of a status event.
type Status struct {
	Msg string `json:"msg"`
}

// Pulse is the payload of the metric and raw_data events.
type Pulse struct {
	P1 int `json:"p1"`
	P2 int `json:"p2"`
}

// HardwareInput is the payload of a button press.
type HardwareInput struct {
	Player int    `json:"player"`
	Val    string `json:"val"`
}

// LinkOK is the status announced when the sensor link comes up: the prefix
// followed by the last four characters of the device path.
func LinkOK(device string) string {
	tail := device
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return statusLinkOK + tail
}
