// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"daq-bridge/internal/model"
)

// SerialLink talks to a serial-attached instrument, opening the port per command
type SerialLink struct {
	config    SerialConfig
	collector *Collector
	logger    *zap.Logger
	mutex     sync.Mutex
	stats     statsRecorder
	open      func(name string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialLink creates a serial device link
func NewSerialLink(config SerialConfig, collector *Collector, logger *zap.Logger) *SerialLink {
	return &SerialLink{
		config:    config,
		collector: collector,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
		open: serial.Open,
	}
}

// Send opens the port, writes command plus the line terminator and collects the reply.
func (sl *SerialLink) Send(ctx context.Context, command string, onLine LineFunc) (string, error) {
	return sl.Query(ctx, command, QueryOptions{OnLine: onLine})
}

// Query is Send with a per-call timeout override.
func (sl *SerialLink) Query(ctx context.Context, command string, opts QueryOptions) (string, error) {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	profile := opts.profileFor(sl.collector.Policy(), command)
	startTime := time.Now()

	mode, err := sl.mode()
	if err != nil {
		return "", err
	}

	port, err := sl.open(sl.config.Port, mode)
	if err != nil {
		linkErr := sl.linkError("open", err)
		sl.stats.record(0, 0, 0, linkErr)
		sl.logger.Warn("Failed to open serial port", zap.Error(err))
		return "", linkErr
	}
	defer port.Close()

	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	if sl.collector.Role().PreDrains() {
		if err := port.ResetInputBuffer(); err != nil {
			sl.logger.Debug("Failed to reset input buffer", zap.Error(err))
		}
	}

	wire := command + sl.collector.Policy().Codec().Markers().LineTerminator
	if _, err := io.WriteString(port, wire); err != nil {
		linkErr := sl.linkError("write", err)
		sl.stats.record(len(wire), 0, 0, linkErr)
		return "", linkErr
	}

	result, err := sl.collector.Collect(&deadlinePort{Port: port}, profile, opts.OnLine)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		linkErr := sl.linkError("read", err)
		sl.stats.record(len(wire), 0, 0, linkErr)
		return "", linkErr
	}

	sl.stats.record(len(wire), result.Bytes, time.Since(startTime), nil)
	return result.Text, nil
}

// GetProtocolType returns the protocol type
func (sl *SerialLink) GetProtocolType() model.ConnectionType {
	return model.ConnectionTypeSerial
}

// Address returns the serial device name
func (sl *SerialLink) Address() string { return sl.config.Port }

// Stats returns a snapshot of link statistics
func (sl *SerialLink) Stats() ProtocolStats { return sl.stats.snapshot() }

func (sl *SerialLink) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: sl.config.BaudRate,
		DataBits: sl.config.DataBits,
	}

	switch sl.config.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", sl.config.StopBits)
	}

	switch sl.config.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", sl.config.Parity)
	}

	return mode, nil
}

func (sl *SerialLink) linkError(op string, err error) *LinkError {
	kind := LinkIO
	var portErr *serial.PortError
	switch {
	case isTimeout(err):
		kind = LinkTimeout
	case errors.As(err, &portErr) && (portErr.Code() == serial.PortBusy || portErr.Code() == serial.PortNotFound):
		kind = LinkRefused
	}
	return &LinkError{Kind: kind, Op: op, Addr: sl.config.Port, Err: err}
}

// deadlinePort maps read deadlines onto the port's read timeout.
// A read that returns nothing when the timeout expires reports os.ErrDeadlineExceeded.
type deadlinePort struct {
	serial.Port
}

func (p *deadlinePort) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return p.Port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return p.Port.SetReadTimeout(d)
}

func (p *deadlinePort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

var _ Link = (*SerialLink)(nil)
