// internal/protocol/tcp_connection.go
package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"daq-bridge/internal/model"
)

// TCPLink talks to the instrument over a fresh TCP connection per command
type TCPLink struct {
	config    TCPConfig
	address   string
	collector *Collector
	logger    *zap.Logger
	stats     statsRecorder
}

// NewTCPLink creates a TCP device link
func NewTCPLink(config TCPConfig, collector *Collector, logger *zap.Logger) *TCPLink {
	address := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	return &TCPLink{
		config:    config,
		address:   address,
		collector: collector,
		logger: logger.With(
			zap.String("protocol", "tcp"),
			zap.String("address", address),
		),
	}
}

// Send dials the instrument, writes command plus the line terminator and
// collects the reply under the command's timeout profile.
func (tl *TCPLink) Send(ctx context.Context, command string, onLine LineFunc) (string, error) {
	return tl.Query(ctx, command, QueryOptions{OnLine: onLine})
}

// Query is Send with a per-call timeout override.
func (tl *TCPLink) Query(ctx context.Context, command string, opts QueryOptions) (string, error) {
	profile := opts.profileFor(tl.collector.Policy(), command)
	startTime := time.Now()

	dialer := &net.Dialer{
		Timeout:   profile.ConnectTimeout,
		KeepAlive: tl.config.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", tl.address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		linkErr := tl.linkError("dial", err)
		tl.stats.record(0, 0, 0, linkErr)
		tl.logger.Warn("Failed to connect to instrument", zap.Error(err))
		return "", linkErr
	}
	defer shutdown(conn)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if tl.collector.Role().PreDrains() {
		if n := DrainPending(conn, tl.config.PreDrainWindow); n > 0 {
			tl.logger.Debug("Discarded stale bytes", zap.Int("bytes", n))
		}
	}

	wire := command + tl.collector.Policy().Codec().Markers().LineTerminator
	if err := conn.SetWriteDeadline(time.Now().Add(profile.ConnectTimeout)); err != nil {
		return "", tl.fail(ctx, "write", err, len(wire), 0)
	}
	if _, err := io.WriteString(conn, wire); err != nil {
		return "", tl.fail(ctx, "write", err, len(wire), 0)
	}

	result, err := tl.collector.Collect(conn, profile, opts.OnLine)
	if err != nil {
		return "", tl.fail(ctx, "read", err, len(wire), 0)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	tl.stats.record(len(wire), result.Bytes, time.Since(startTime), nil)
	tl.logger.Debug("Command completed",
		zap.String("class", profile.Class.String()),
		zap.Bool("completed", result.Completed),
		zap.Int("bytes", result.Bytes),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result.Text, nil
}

// GetProtocolType returns the protocol type
func (tl *TCPLink) GetProtocolType() model.ConnectionType {
	return model.ConnectionTypeTCP
}

// Address returns the instrument address
func (tl *TCPLink) Address() string { return tl.address }

// Stats returns a snapshot of link statistics
func (tl *TCPLink) Stats() ProtocolStats { return tl.stats.snapshot() }

func (tl *TCPLink) fail(ctx context.Context, op string, err error, written, read int) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		tl.stats.record(written, read, 0, ctxErr)
		return ctxErr
	}
	linkErr := tl.linkError(op, err)
	tl.stats.record(written, read, 0, linkErr)
	tl.logger.Error("TCP exchange failed", zap.String("op", op), zap.Error(err))
	return linkErr
}

func (tl *TCPLink) linkError(op string, err error) *LinkError {
	kind := LinkIO
	switch {
	case isTimeout(err):
		kind = LinkTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = LinkRefused
	}
	return &LinkError{Kind: kind, Op: op, Addr: tl.address, Err: err}
}

// shutdown half-closes then closes; failures are irrelevant once the reply is in.
func shutdown(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}
	_ = conn.Close()
}

var _ Link = (*TCPLink)(nil)
