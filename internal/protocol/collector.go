// internal/protocol/collector.go
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// DeadlineReader is the part of a connection the collector needs.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// LineFunc receives every complete, non-empty reply line as it arrives.
type LineFunc func(line string)

// Role selects the side-specific read behavior of a collector.
type Role int

const (
	// RoleClient dials the instrument and drains stale input before writing.
	RoleClient Role = iota
	// RoleServer talks to an instrument that connected to the bridge.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

func (r Role) chunkSize() int {
	if r == RoleServer {
		return 1024
	}
	return 8192
}

// PreDrains reports whether stale bytes are discarded before a command is written.
func (r Role) PreDrains() bool { return r == RoleClient }

// Collected is the outcome of one reply collection.
type Collected struct {
	Text       string        `json:"text"`
	Completed  bool          `json:"completed"`
	PeerClosed bool          `json:"peer_closed"`
	Bytes      int           `json:"bytes"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Collector decides when a reply without a length prefix is complete.
type Collector struct {
	policy *Policy
	role   Role
}

// NewCollector creates a collector for role.
func NewCollector(policy *Policy, role Role) *Collector {
	return &Collector{policy: policy, role: role}
}

// WithRole returns a collector sharing the same policy with another role.
func (c *Collector) WithRole(role Role) *Collector {
	return &Collector{policy: c.policy, role: role}
}

// Policy returns the timeout policy the collector reads its timings from.
func (c *Collector) Policy() *Policy { return c.policy }

// Role returns the collector role.
func (c *Collector) Role() Role { return c.role }

// Collect reads r until profile's rule is met, MaxWait elapses or the peer closes.
// Running out of time is not an error: whatever arrived is returned with Completed false.
func (c *Collector) Collect(r DeadlineReader, profile ClassProfile, onLine LineFunc) (*Collected, error) {
	started := time.Now()
	deadline := started.Add(profile.MaxWait)

	var buf []byte
	lines := &lineSplitter{emit: onLine}
	chunk := make([]byte, c.role.chunkSize())
	completed, terminated, closed := false, false, false

	for !completed {
		now := time.Now()
		if !now.Before(deadline) {
			break
		}

		wait := profile.ConnectTimeout
		if profile.Rule == RuleTimeoutOnly && len(buf) > 0 {
			wait = c.policy.ShortReadTimeout
		}
		if remaining := deadline.Sub(now); wait <= 0 || wait > remaining {
			wait = remaining
		}
		if err := r.SetReadDeadline(now.Add(wait)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			lines.feed(chunk[:n])
			if c.terminated(buf, profile) {
				completed, terminated = true, true
				continue
			}
		}

		if err != nil {
			if isTimeout(err) {
				if profile.Rule == RuleTimeoutOnly && len(buf) > 0 {
					completed = true
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				closed = true
				break
			}
			return nil, err
		}
	}

	if terminated {
		c.drain(r)
	}
	lines.flush()

	return &Collected{
		Text:       decodeText(buf),
		Completed:  completed,
		PeerClosed: closed,
		Bytes:      len(buf),
		Elapsed:    time.Since(started),
	}, nil
}

// DrainPending discards bytes already waiting on r for at most window.
func DrainPending(r DeadlineReader, window time.Duration) int {
	if err := r.SetReadDeadline(time.Now().Add(window)); err != nil {
		return 0
	}
	defer r.SetReadDeadline(time.Time{})

	var total int
	scratch := make([]byte, 1024)
	for {
		n, err := r.Read(scratch)
		total += n
		if err != nil || n == 0 {
			return total
		}
	}
}

func (c *Collector) drain(r DeadlineReader) {
	DrainPending(r, c.policy.DrainTimeout)
}

func (c *Collector) terminated(buf []byte, profile ClassProfile) bool {
	endMarker := len(buf) > 0 && buf[len(buf)-1] == c.policy.codec.markers.End

	switch profile.Rule {
	case RuleEndLine:
		if hasEndLine(buf) {
			return true
		}
	case RuleEndStatus:
		if hasEndStatus(buf) {
			return true
		}
	case RuleEndMarker:
		if endMarker {
			return true
		}
	}
	return profile.RequiresExplicitTerminator && endMarker
}

func isLineBreak(b byte) bool { return b == '\r' || b == '\n' }

// lineEndingIndex returns where the trailing line terminator starts, or -1.
func lineEndingIndex(buf []byte) int {
	n := len(buf)
	switch {
	case n >= 2 && buf[n-2] == '\r' && buf[n-1] == '\n':
		return n - 2
	case n >= 1 && isLineBreak(buf[n-1]):
		return n - 1
	}
	return -1
}

// hasEndLine: the buffer's last line is exactly END, with or without its terminator.
func hasEndLine(buf []byte) bool {
	end := lineEndingIndex(buf)
	if end < 0 {
		end = len(buf)
	}
	if end < 3 {
		return false
	}
	if string(buf[end-3:end]) != "END" {
		return false
	}
	start := end - 3
	return start == 0 || isLineBreak(buf[start-1])
}

// hasEndStatus: the buffer's last line is END followed by a two byte status.
func hasEndStatus(buf []byte) bool {
	end := lineEndingIndex(buf)
	if end < 5 {
		return false
	}
	suffix := buf[end-5 : end]
	if !bytes.HasPrefix(suffix, []byte("END")) {
		return false
	}
	if isLineBreak(suffix[3]) || isLineBreak(suffix[4]) {
		return false
	}
	start := end - 5
	return start == 0 || isLineBreak(buf[start-1])
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func decodeText(buf []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(buf), "\uFFFD"))
}

// lineSplitter carries the partial trailing line across chunks.
type lineSplitter struct {
	emit    LineFunc
	pending []byte
}

func (s *lineSplitter) feed(p []byte) {
	if s.emit == nil {
		return
	}
	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexAny(s.pending, "\r\n")
		if i < 0 {
			return
		}
		s.emitLine(s.pending[:i])
		s.pending = s.pending[i+1:]
	}
}

func (s *lineSplitter) flush() {
	if s.emit == nil || len(s.pending) == 0 {
		return
	}
	s.emitLine(s.pending)
	s.pending = nil
}

func (s *lineSplitter) emitLine(line []byte) {
	if text := decodeText(line); text != "" {
		s.emit(text)
	}
}
