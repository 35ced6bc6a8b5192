// Package protocol decodes the sensor line format and converts raw samples
// into display metrics.
//
// Wire format (device -> host), one record per line at 9600 baud:
//
//	<int>,<int>\n
//
// Anything else on the line is electrical noise or a partial record and is
// dropped without complaint.
package protocol

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Reading is one decoded record: the raw analog samples of both channels.
type Reading struct {
	A int
	B int
}

// Decode parses a single line. Invalid UTF-8 is replaced rather than
// rejected, surrounding whitespace is trimmed and the record must consist
// of exactly two comma-separated base-10 integers. ok is false for
// everything else.
func Decode(line []byte) (r Reading, ok bool) {
	text := string(line)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
	}
	text = strings.TrimSpace(text)

	first, second, found := strings.Cut(text, ",")
	if !found || strings.Contains(second, ",") {
		return Reading{}, false
	}

	a, err := parseField(first)
	if err != nil {
		return Reading{}, false
	}
	b, err := parseField(second)
	if err != nil {
		return Reading{}, false
	}

	return Reading{A: a, B: b}, true
}

func parseField(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
