// internal/protocol/frame.go
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	stx = 0x02
	etx = 0x03
)

// Markers configures the framing of every message on the wire.
type Markers struct {
	Start          string `json:"start"`
	End            byte   `json:"end"`
	LineTerminator string `json:"line_terminator"`
}

// DefaultMarkers returns the instrument's stock framing: S ... Q, newline terminated.
func DefaultMarkers() Markers {
	return Markers{Start: "S", End: 'Q', LineTerminator: "\n"}
}

// Frame is one encoded message. Values are immutable once built by Encode.
type Frame struct {
	Start     string `json:"start"`
	Direction string `json:"direction,omitempty"`
	Code      string `json:"code"`
	Payload   string `json:"payload,omitempty"`
	Checksum  string `json:"checksum"`
	End       byte   `json:"-"`
}

// String renders the wire form.
func (f Frame) String() string {
	var b strings.Builder
	b.Grow(len(f.Start) + len(f.Direction) + len(f.Code) + len(f.Payload) + 3)
	b.WriteString(f.Start)
	b.WriteString(f.Direction)
	b.WriteString(f.Code)
	b.WriteString(f.Payload)
	b.WriteString(f.Checksum)
	b.WriteByte(f.End)
	return b.String()
}

// Bytes renders the wire form as bytes.
func (f Frame) Bytes() []byte { return []byte(f.String()) }

// Reply is a verified frame split into its fields.
type Reply struct {
	Raw       string `json:"raw"`
	Body      string `json:"body"`
	Direction string `json:"direction"`
	Code      string `json:"code"`
	Data      string `json:"data"`
}

// Codec encodes and verifies frames for one marker configuration.
type Codec struct {
	markers Markers
}

// NewCodec creates a codec; an empty start marker or zero end byte falls back to the defaults.
func NewCodec(markers Markers) *Codec {
	def := DefaultMarkers()
	if markers.Start == "" {
		markers.Start = def.Start
	}
	if markers.End == 0 {
		markers.End = def.End
	}
	if markers.LineTerminator == "" {
		markers.LineTerminator = def.LineTerminator
	}
	return &Codec{markers: markers}
}

// Markers returns the codec's framing configuration.
func (c *Codec) Markers() Markers { return c.markers }

// Checksum is the two's complement of the low byte of the byte sum of s, as two uppercase hex digits.
func Checksum(s string) string {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum += s[i]
	}
	return fmt.Sprintf("%02X", byte(-sum))
}

// Encode builds a frame; direction and payload may be empty.
func (c *Codec) Encode(direction, code, payload string) Frame {
	f := Frame{
		Start:     c.markers.Start,
		Direction: direction,
		Code:      code,
		Payload:   payload,
		End:       c.markers.End,
	}
	f.Checksum = Checksum(f.Start + f.Direction + f.Code + f.Payload)
	return f
}

// EncodeCommand returns the wire string of an encoded frame.
func (c *Codec) EncodeCommand(direction, code, payload string) string {
	return c.Encode(direction, code, payload).String()
}

// minFrameLen is start marker + two checksum digits + end marker.
func (c *Codec) minFrameLen() int { return len(c.markers.Start) + 3 }

// Verify checks the markers and checksum of raw and returns the content
// between the start marker and the checksum.
func (c *Codec) Verify(raw string) (string, error) {
	if len(raw) < c.minFrameLen() {
		return "", &FormatError{Raw: raw, Reason: fmt.Sprintf("length %d below minimum %d", len(raw), c.minFrameLen())}
	}
	if !strings.HasPrefix(raw, c.markers.Start) {
		return "", &FormatError{Raw: raw, Reason: "missing start marker"}
	}
	if raw[len(raw)-1] != c.markers.End {
		return "", &FormatError{Raw: raw, Reason: "missing end marker"}
	}

	received := raw[len(raw)-3 : len(raw)-1]
	expected := Checksum(raw[:len(raw)-3])
	if _, err := strconv.ParseUint(received, 16, 8); err != nil {
		return "", &ChecksumError{Expected: expected, Received: received}
	}
	if !strings.EqualFold(received, expected) {
		return "", &ChecksumError{Expected: expected, Received: received}
	}

	return raw[len(c.markers.Start) : len(raw)-3], nil
}

// Decode trims surrounding whitespace, verifies raw and splits the body
// into direction, code and data.
func (c *Codec) Decode(raw string) (*Reply, error) {
	raw = strings.TrimSpace(raw)
	body, err := c.Verify(raw)
	if err != nil {
		return nil, err
	}

	reply := &Reply{Raw: raw, Body: body}
	switch {
	case len(body) >= 2:
		reply.Direction = body[:1]
		reply.Code = body[1:2]
		reply.Data = body[2:]
	case len(body) == 1:
		reply.Code = body
	}
	return reply, nil
}

// Normalize strips whitespace, an STX byte or start marker at the front and
// an ETX byte or end marker at the back. Only the timeout policy uses it.
func (c *Codec) Normalize(command string) string {
	s := strings.TrimSpace(command)
	s = strings.NewReplacer("\r", "", "\n", "").Replace(s)

	if strings.HasPrefix(s, string(rune(stx))) {
		s = s[1:]
	} else if strings.HasPrefix(s, c.markers.Start) {
		s = s[len(c.markers.Start):]
	}

	if n := len(s); n > 0 && (s[n-1] == etx || s[n-1] == c.markers.End) {
		s = s[:n-1]
	}
	return s
}
