// internal/bridge/server.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"daq-bridge/internal/model"
	"daq-bridge/internal/protocol"
	"daq-bridge/internal/utils"
)

// maxGreetingLen bounds greetings treated as a client identifier.
const maxGreetingLen = 50

// Attempt describes one incoming connection and what the server did with it.
type Attempt struct {
	IP       string
	Admitted bool
	Reason   error
}

// Option configures a Server.
type Option func(*Server)

// WithAttemptObserver is called for every connection attempt, admitted or not.
func WithAttemptObserver(fn func(Attempt)) Option {
	return func(s *Server) { s.onAttempt = fn }
}

// WithSessionObserver is called when a session is admitted or torn down.
func WithSessionObserver(fn func(info model.SessionInfo, connected bool)) Option {
	return func(s *Server) { s.onSession = fn }
}

// Session is the single instrument connection the bridge serves.
type Session struct {
	ID          uuid.UUID
	Peer        string
	Conn        net.Conn
	ConnectedAt time.Time
	Greeting    string
	logger      *utils.SessionLogger
}

func (sess *Session) info(lastActivity time.Time) model.SessionInfo {
	return model.SessionInfo{
		ID:           sess.ID,
		Peer:         sess.Peer,
		Address:      sess.Conn.RemoteAddr().String(),
		Greeting:     sess.Greeting,
		ConnectedAt:  sess.ConnectedAt,
		LastActivity: lastActivity,
	}
}

// QueryOptions tunes one bridged exchange.
type QueryOptions = protocol.QueryOptions

// Server accepts at most one instrument connection and relays commands to it.
type Server struct {
	config    Config
	collector *protocol.Collector
	logger    *zap.Logger
	onAttempt func(Attempt)
	onSession func(model.SessionInfo, bool)

	// exchangeMu serializes admission and queries; a new client is only admitted between queries.
	exchangeMu sync.Mutex

	mu      sync.Mutex
	session *Session
	allowed string

	stateMu  sync.Mutex
	listener *net.TCPListener
	stop     chan struct{}
	done     chan struct{}

	activityMu   sync.Mutex
	lastActivity time.Time
}

// New creates a bridge server. The collector is switched to the server role.
func New(config Config, collector *protocol.Collector, logger *zap.Logger, opts ...Option) *Server {
	if config.GreetingTimeout <= 0 {
		config.GreetingTimeout = 2 * time.Second
	}
	if config.AcceptPollInterval <= 0 {
		config.AcceptPollInterval = time.Second
	}

	s := &Server{
		config:       config,
		collector:    collector.WithRole(protocol.RoleServer),
		logger:       logger.With(zap.String("component", "bridge")),
		allowed:      strings.TrimSpace(config.AllowedClient),
		lastActivity: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured address and runs the accept loop.
func (s *Server) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.listener != nil {
		return ErrAlreadyRunning
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln.(*net.TCPListener)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.touch()

	go s.acceptLoop(s.listener, s.stop, s.done)

	s.logger.Info("Bridge server started",
		zap.String("address", s.listener.Addr().String()),
		zap.String("reconnect_policy", s.config.ReconnectPolicy.String()),
		zap.String("allowed_client", s.AllowedClient()),
	)
	return nil
}

// Stop ends the accept loop, tears down the session and closes the listener.
func (s *Server) Stop() error {
	s.stateMu.Lock()
	ln, stop, done := s.listener, s.stop, s.done
	s.listener = nil
	s.stateMu.Unlock()

	if ln == nil {
		return ErrNotRunning
	}

	close(stop)
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	<-done

	if sess := s.currentSession(); sess != nil {
		err = multierr.Append(err, s.teardown(sess, "server stopped"))
	}

	s.logger.Info("Bridge server stopped")
	return err
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.listener != nil
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connected reports whether an instrument session is active.
func (s *Server) Connected() bool { return s.currentSession() != nil }

// AllowedClient returns the allow-listed peer IP; empty admits everyone.
func (s *Server) AllowedClient() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed
}

// SetAllowedClient replaces the allow-list. An active session from another IP is disconnected.
func (s *Server) SetAllowedClient(ip string) {
	ip = strings.TrimSpace(ip)

	s.mu.Lock()
	s.allowed = ip
	sess := s.session
	s.mu.Unlock()

	s.logger.Info("Allowed client updated", zap.String("allowed_client", ip))

	if sess != nil && ip != "" && sess.Peer != ip {
		if err := s.teardown(sess, "peer no longer allowed"); err != nil {
			s.logger.Warn("Failed to close disallowed session", zap.Error(err))
		}
	}
}

// LastActivity returns the time of the last start, admission or exchange.
func (s *Server) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

func (s *Server) touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// Status returns a snapshot of the server.
func (s *Server) Status() model.BridgeStatus {
	status := model.BridgeStatus{
		Host:            s.config.Host,
		Port:            s.config.Port,
		AllowedClient:   s.AllowedClient(),
		ReconnectPolicy: s.config.ReconnectPolicy.String(),
		LastActivity:    s.LastActivity(),
	}

	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		status.Running = true
		status.Port = addr.Port
	}

	if sess := s.currentSession(); sess != nil {
		info := sess.info(status.LastActivity)
		status.ClientConnected = true
		status.ClientAddress = sess.Peer
		status.Session = &info
	}
	return status
}

// Query sends command to the connected instrument and collects its reply.
func (s *Server) Query(ctx context.Context, command string, opts QueryOptions) (string, error) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	sess := s.currentSession()
	if sess == nil {
		return "", ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	profile := s.collector.Policy().Profile(command)
	if opts.Timeout > 0 {
		profile = profile.WithTimeout(opts.Timeout)
	}

	quiet := s.isQuiet(command)
	if !quiet {
		sess.logger.Info("Sending command",
			zap.String("command", command),
			zap.String("class", profile.Class.String()),
		)
	}

	s.touch()
	startTime := time.Now()

	wire := command + s.collector.Policy().Codec().Markers().LineTerminator
	if err := sess.Conn.SetWriteDeadline(time.Now().Add(profile.ConnectTimeout)); err != nil {
		return "", s.fail(sess, command, startTime, err)
	}
	if _, err := io.WriteString(sess.Conn, wire); err != nil {
		return "", s.fail(sess, command, startTime, err)
	}

	result, err := s.collector.Collect(sess.Conn, profile, opts.OnLine)
	if err != nil {
		return "", s.fail(sess, command, startTime, err)
	}
	s.touch()

	if !quiet {
		sess.logger.LogQuery(command, result.Bytes, time.Since(startTime), nil)
	}
	if result.PeerClosed {
		_ = s.teardown(sess, "peer closed connection")
	}
	return result.Text, nil
}

// Send implements protocol.Sender over Query.
func (s *Server) Send(ctx context.Context, command string, onLine protocol.LineFunc) (string, error) {
	return s.Query(ctx, command, QueryOptions{OnLine: onLine})
}

func (s *Server) fail(sess *Session, command string, startTime time.Time, err error) error {
	sess.logger.LogQuery(command, 0, time.Since(startTime), err)
	if closeErr := s.teardown(sess, "transport error"); closeErr != nil {
		sess.logger.Debug("Close after transport error failed", zap.Error(closeErr))
	}
	return fmt.Errorf("%w: %w", ErrTornDown, err)
}

func (s *Server) isQuiet(command string) bool {
	for _, prefix := range s.config.QuietPrefixes {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) currentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// teardown closes sess if it is still the current session.
func (s *Server) teardown(sess *Session, reason string) error {
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return nil
	}
	s.session = nil
	s.mu.Unlock()

	err := sess.Conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	sess.logger.LogConnection("disconnected: "+reason, err)

	if s.onSession != nil {
		s.onSession(sess.info(s.LastActivity()), false)
	}
	return err
}

func (s *Server) acceptLoop(ln *net.TCPListener, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := ln.SetDeadline(time.Now().Add(s.config.AcceptPollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Accept failed", zap.Error(err))
			continue
		}

		s.admit(conn)
	}
}

func (s *Server) admit(conn net.Conn) {
	ip := peerIP(conn.RemoteAddr())

	// Disallowed peers are turned away without waiting for a query in flight.
	if allowed := s.AllowedClient(); allowed != "" && ip != allowed {
		conn.Close()
		reason := fmt.Errorf("%w: %s is not the allowed client %s", ErrRejected, ip, allowed)
		s.logger.Warn("Rejected connection from disallowed client", zap.String("ip", ip), zap.String("allowed_client", allowed))
		s.notifyAttempt(Attempt{IP: ip, Reason: reason})
		return
	}

	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	current := s.currentSession()

	if current != nil {
		if s.config.ReconnectPolicy != ReplaceIfAllowed {
			conn.Close()
			if s.config.LogRejectWhenConnected {
				s.logger.Info("Rejected connection while a client is connected",
					zap.String("ip", ip),
					zap.String("current", current.Peer),
				)
			}
			s.notifyAttempt(Attempt{IP: ip, Reason: fmt.Errorf("%w: session already active", ErrRejected)})
			return
		}
		if err := s.teardown(current, "replaced by new connection"); err != nil {
			s.logger.Warn("Failed to close replaced session", zap.Error(err))
		}
	}

	sess := &Session{
		ID:          uuid.New(),
		Peer:        ip,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	sess.logger = utils.NewSessionLogger(s.logger, sess.ID.String(), ip)
	sess.logger.LogConnection("connected", nil)
	s.readGreeting(sess)

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	s.touch()

	s.notifyAttempt(Attempt{IP: ip, Admitted: true})
	if s.onSession != nil {
		s.onSession(sess.info(s.LastActivity()), true)
	}
}

// readGreeting waits briefly for the short identifier some instruments send on connect.
func (s *Server) readGreeting(sess *Session) {
	if err := sess.Conn.SetReadDeadline(time.Now().Add(s.config.GreetingTimeout)); err != nil {
		return
	}
	defer sess.Conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	n, err := sess.Conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			sess.logger.Debug("No greeting received", zap.Error(err))
		}
		return
	}

	msg := strings.TrimSpace(strings.ToValidUTF8(string(buf[:n]), "\uFFFD"))
	s.touch()
	if msg != "" && len(msg) < maxGreetingLen {
		sess.Greeting = msg
		sess.logger.Info("Client identified", zap.String("greeting", msg))
		return
	}
	sess.logger.Debug("Discarded connect-time data", zap.Int("bytes", n))
}

func (s *Server) notifyAttempt(a Attempt) {
	if s.onAttempt != nil {
		s.onAttempt(a)
	}
}

func peerIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

var _ protocol.Sender = (*Server)(nil)
