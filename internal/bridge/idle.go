// internal/bridge/idle.go
package bridge

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// IdleMonitor stops the bridge once it has seen no activity for a threshold.
type IdleMonitor struct {
	server    *Server
	threshold time.Duration
	interval  time.Duration
	logger    *zap.Logger
	onStop    func(idle time.Duration)
	now       func() time.Time
}

// NewIdleMonitor creates a monitor; a zero threshold disables auto-stop.
func NewIdleMonitor(server *Server, threshold, interval time.Duration, logger *zap.Logger, onStop func(idle time.Duration)) *IdleMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &IdleMonitor{
		server:    server,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With(zap.String("component", "bridge_idle_monitor")),
		onStop:    onStop,
		now:       time.Now,
	}
}

// Run checks every interval until ctx is done.
func (m *IdleMonitor) Run(ctx context.Context) {
	if m.threshold <= 0 {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check stops the server if it is running and idle; it reports whether it did.
func (m *IdleMonitor) Check() bool {
	if m.threshold <= 0 || !m.server.Running() {
		return false
	}

	idle := m.now().Sub(m.server.LastActivity())
	if idle < m.threshold {
		return false
	}

	m.logger.Info("Stopping idle bridge server",
		zap.Duration("idle", idle),
		zap.Duration("threshold", m.threshold),
	)
	if err := m.server.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		m.logger.Warn("Idle stop reported errors", zap.Error(err))
	}
	if m.onStop != nil {
		m.onStop(idle)
	}
	return true
}
