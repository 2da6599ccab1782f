// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat matches every *FormatError.
	ErrFormat = errors.New("protocol: malformed frame")
	// ErrChecksum matches every *ChecksumError.
	ErrChecksum = errors.New("protocol: checksum mismatch")

	ErrLinkTimeout = errors.New("link: timeout")
	ErrLinkRefused = errors.New("link: connection refused")
	ErrLinkIO      = errors.New("link: i/o failure")
)

// FormatError reports a frame that is too short or lacks its markers.
type FormatError struct {
	Reason string
	Raw    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed frame %q: %s", e.Raw, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// ChecksumError reports a frame whose transmitted checksum does not match.
type ChecksumError struct {
	Expected string
	Received string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, received %q", e.Expected, e.Received)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksum }

// LinkErrorKind classifies transport failures of a device link.
type LinkErrorKind int

const (
	LinkIO LinkErrorKind = iota
	LinkTimeout
	LinkRefused
)

func (k LinkErrorKind) String() string {
	switch k {
	case LinkTimeout:
		return "timeout"
	case LinkRefused:
		return "refused"
	default:
		return "io"
	}
}

// LinkError wraps a transport failure with the operation that hit it.
type LinkError struct {
	Kind LinkErrorKind
	Op   string
	Addr string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s %s: %s: %v", e.Op, e.Addr, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

func (e *LinkError) Is(target error) bool {
	switch target {
	case ErrLinkTimeout:
		return e.Kind == LinkTimeout
	case ErrLinkRefused:
		return e.Kind == LinkRefused
	case ErrLinkIO:
		return e.Kind == LinkIO
	}
	return false
}
