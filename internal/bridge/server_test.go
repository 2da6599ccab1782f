package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"daq-bridge/internal/model"
	"daq-bridge/internal/protocol"
)

type attemptLog struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (l *attemptLog) record(a Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
}

func (l *attemptLog) snapshot() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Attempt(nil), l.attempts...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.GreetingTimeout = 100 * time.Millisecond
	cfg.AcceptPollInterval = 50 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	policy := protocol.DefaultPolicy(protocol.NewCodec(protocol.DefaultMarkers()))
	policy.ShortReadTimeout = 50 * time.Millisecond
	policy.DrainTimeout = 10 * time.Millisecond

	srv := New(cfg, protocol.NewCollector(policy, protocol.RoleClient), zap.NewNop(), opts...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// dialFrom connects to the bridge from a specific loopback address.
func dialFrom(t *testing.T, srv *Server, localIP string) net.Conn {
	t.Helper()
	dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP(localIP)}, Timeout: time.Second}
	conn, err := dialer.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// answer replies to every command line received on conn.
func answer(conn net.Conn, reply func(command string) string) {
	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply(line[:len(line)-1]))); err != nil {
				return
			}
		}
	}()
}

func waitConnected(t *testing.T, srv *Server) {
	t.Helper()
	require.Eventually(t, srv.Connected, 2*time.Second, 10*time.Millisecond)
}

func assertClosedByServer(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueryWithoutSession(t *testing.T) {
	srv := newTestServer(t, testConfig())

	_, err := srv.Query(context.Background(), "SV57Q", QueryOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAdmitReadsGreetingAndRelaysQuery(t *testing.T) {
	codec := protocol.NewCodec(protocol.DefaultMarkers())
	reply := codec.EncodeCommand("R", "V", "210")

	sessions := make(chan bool, 4)
	srv := newTestServer(t, testConfig(), WithSessionObserver(func(_ model.SessionInfo, connected bool) {
		sessions <- connected
	}))

	conn := dialFrom(t, srv, "127.0.0.1")
	_, err := conn.Write([]byte("DAQ-01\r\n"))
	require.NoError(t, err)
	waitConnected(t, srv)
	answer(conn, func(string) string { return reply })

	got, err := srv.Query(context.Background(), codec.EncodeCommand("R", "V", ""), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, reply, got)

	status := srv.Status()
	assert.True(t, status.Running)
	assert.True(t, status.ClientConnected)
	assert.Equal(t, "127.0.0.1", status.ClientAddress)
	require.NotNil(t, status.Session)
	assert.Equal(t, "DAQ-01", status.Session.Greeting)
	assert.Equal(t, srv.Addr().(*net.TCPAddr).Port, status.Port)
	assert.True(t, <-sessions)
}

func TestQueryStreamsLinesAndHonorsTimeoutOverride(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)
	answer(conn, func(command string) string {
		if command == "S3" {
			return "ch1=1\r\nch2=2\r\nEND\r\n"
		}
		return ""
	})

	var lines []string
	got, err := srv.Query(context.Background(), "S3", QueryOptions{OnLine: func(line string) { lines = append(lines, line) }})
	require.NoError(t, err)
	assert.Equal(t, "ch1=1\r\nch2=2\r\nEND", got)
	assert.Equal(t, []string{"ch1=1", "ch2=2", "END"}, lines)

	started := time.Now()
	got, err = srv.Query(context.Background(), "SE", QueryOptions{Timeout: 150 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.True(t, srv.Connected())
}

func TestRejectsDisallowedClient(t *testing.T) {
	attempts := &attemptLog{}
	cfg := testConfig()
	cfg.AllowedClient = "127.0.0.1"
	srv := newTestServer(t, cfg, WithAttemptObserver(attempts.record))

	conn := dialFrom(t, srv, "127.0.0.2")
	assertClosedByServer(t, conn)
	assert.False(t, srv.Connected())

	require.Eventually(t, func() bool { return len(attempts.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	attempt := attempts.snapshot()[0]
	assert.Equal(t, "127.0.0.2", attempt.IP)
	assert.False(t, attempt.Admitted)
	assert.ErrorIs(t, attempt.Reason, ErrRejected)
}

func TestDisallowedClientLeavesSessionUntouched(t *testing.T) {
	attempts := &attemptLog{}
	cfg := testConfig()
	cfg.AllowedClient = "127.0.0.1"
	srv := newTestServer(t, cfg, WithAttemptObserver(attempts.record))

	dialFrom(t, srv, "127.0.0.1")
	require.Eventually(t, func() bool { return len(attempts.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sessionID := srv.Status().Session.ID
	lastActivity := srv.LastActivity()

	intruder := dialFrom(t, srv, "127.0.0.2")
	assertClosedByServer(t, intruder)

	require.Eventually(t, func() bool { return len(attempts.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	assert.False(t, attempts.snapshot()[1].Admitted)
	require.True(t, srv.Connected())
	assert.Equal(t, sessionID, srv.Status().Session.ID)
	assert.Equal(t, lastActivity, srv.LastActivity())
}

func TestDisallowedClientClosedDuringQuery(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedClient = "127.0.0.1"
	srv := newTestServer(t, cfg)

	instrument := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)
	go io.Copy(io.Discard, instrument)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = srv.Query(context.Background(), "SE", QueryOptions{Timeout: 3 * time.Second})
	}()
	time.Sleep(100 * time.Millisecond)

	started := time.Now()
	intruder := dialFrom(t, srv, "127.0.0.2")
	assertClosedByServer(t, intruder)
	assert.Less(t, time.Since(started), time.Second)

	<-done
	assert.True(t, srv.Connected())
}

func TestRejectAlwaysKeepsCurrentSession(t *testing.T) {
	attempts := &attemptLog{}
	cfg := testConfig()
	cfg.ReconnectPolicy = RejectAlways
	cfg.LogRejectWhenConnected = true
	srv := newTestServer(t, cfg, WithAttemptObserver(attempts.record))

	dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)
	first := srv.Status().Session.ID

	second := dialFrom(t, srv, "127.0.0.1")
	assertClosedByServer(t, second)

	assert.Equal(t, first, srv.Status().Session.ID)
	require.Eventually(t, func() bool { return len(attempts.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, attempts.snapshot()[0].Admitted)
	assert.False(t, attempts.snapshot()[1].Admitted)
}

func TestReplaceIfAllowedSwapsSession(t *testing.T) {
	srv := newTestServer(t, testConfig())

	first := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)
	firstID := srv.Status().Session.ID

	dialFrom(t, srv, "127.0.0.1")
	assertClosedByServer(t, first)

	require.Eventually(t, func() bool {
		status := srv.Status()
		return status.Session != nil && status.Session.ID != firstID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueryAfterReplaceUsesNewSession(t *testing.T) {
	codec := protocol.NewCodec(protocol.DefaultMarkers())
	reply := codec.EncodeCommand("R", "V", "2")
	srv := newTestServer(t, testConfig())

	first := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)
	firstID := srv.Status().Session.ID

	second := dialFrom(t, srv, "127.0.0.1")
	assertClosedByServer(t, first)
	require.Eventually(t, func() bool {
		status := srv.Status()
		return status.Session != nil && status.Session.ID != firstID
	}, 2*time.Second, 10*time.Millisecond)
	answer(second, func(string) string { return reply })

	got, err := srv.Query(context.Background(), codec.EncodeCommand("R", "V", ""), QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, reply, got)
	assert.True(t, srv.Connected())
}

func TestSetAllowedClientDisconnectsOtherPeer(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)

	srv.SetAllowedClient("127.0.0.1")
	assert.True(t, srv.Connected())

	srv.SetAllowedClient("127.0.0.2")
	assert.False(t, srv.Connected())
	assert.Equal(t, "127.0.0.2", srv.AllowedClient())
	assertClosedByServer(t, conn)
}

func TestTransportErrorTearsDownSession(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)

	go func() {
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		tcpConn := conn.(*net.TCPConn)
		_ = tcpConn.SetLinger(0)
		tcpConn.Close()
	}()

	_, err := srv.Query(context.Background(), "SRV", QueryOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTornDown)
	assert.False(t, srv.Connected())

	_, err = srv.Query(context.Background(), "SRV", QueryOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPeerCloseEndsSession(t *testing.T) {
	srv := newTestServer(t, testConfig())
	conn := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)

	go func() {
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		conn.Write([]byte("partial"))
		conn.Close()
	}()

	got, err := srv.Query(context.Background(), "SRV", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "partial", got)
	assert.False(t, srv.Connected())
}

func TestStartStopLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig())

	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyRunning)

	conn := dialFrom(t, srv, "127.0.0.1")
	waitConnected(t, srv)

	require.NoError(t, srv.Stop())
	assert.False(t, srv.Running())
	assert.False(t, srv.Connected())
	assert.Nil(t, srv.Addr())
	assertClosedByServer(t, conn)

	assert.ErrorIs(t, srv.Stop(), ErrNotRunning)

	require.NoError(t, srv.Start(context.Background()))
	assert.True(t, srv.Running())
}

func TestSendUsesQuery(t *testing.T) {
	srv := newTestServer(t, testConfig())

	var sender protocol.Sender = srv
	_, err := sender.Send(context.Background(), "SV57Q", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestParseReconnectPolicy(t *testing.T) {
	policy, err := ParseReconnectPolicy("reject_always")
	require.NoError(t, err)
	assert.Equal(t, RejectAlways, policy)

	policy, err = ParseReconnectPolicy("REPLACE_IF_ALLOWED")
	require.NoError(t, err)
	assert.Equal(t, ReplaceIfAllowed, policy)

	_, err = ParseReconnectPolicy("sometimes")
	assert.Error(t, err)
}
