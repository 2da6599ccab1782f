package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIdleMonitorStopsIdleServer(t *testing.T) {
	srv := newTestServer(t, testConfig())

	var stoppedAfter time.Duration
	monitor := NewIdleMonitor(srv, time.Minute, time.Second, zap.NewNop(), func(idle time.Duration) {
		stoppedAfter = idle
	})

	assert.False(t, monitor.Check(), "fresh server is not idle")
	assert.True(t, srv.Running())

	monitor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.True(t, monitor.Check())
	assert.False(t, srv.Running())
	assert.GreaterOrEqual(t, stoppedAfter, time.Minute)

	assert.False(t, monitor.Check(), "stopped server is left alone")
}

func TestIdleMonitorDisabled(t *testing.T) {
	srv := newTestServer(t, testConfig())
	monitor := NewIdleMonitor(srv, 0, 0, zap.NewNop(), nil)
	monitor.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	assert.False(t, monitor.Check())
	assert.True(t, srv.Running())

	done := make(chan struct{})
	go func() {
		monitor.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled monitor should return immediately")
	}
}

func TestIdleMonitorRunStopsOnContext(t *testing.T) {
	srv := newTestServer(t, testConfig())
	monitor := NewIdleMonitor(srv, 20*time.Millisecond, 10*time.Millisecond, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	require.Eventually(t, func() bool { return !srv.Running() }, 2*time.Second, 10*time.Millisecond)
}
