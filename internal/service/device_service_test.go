package service

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"daq-bridge/internal/bridge"
	"daq-bridge/internal/model"
	"daq-bridge/internal/protocol"
)

var testCodec = protocol.NewCodec(protocol.DefaultMarkers())

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(event model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.EventType)
	}
	return types
}

func (p *recordingPublisher) byType(t model.EventType) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, e := range p.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeLink struct {
	mu       sync.Mutex
	commands []string
	reply    string
	lines    []string
	err      error
	timeout  time.Duration
	deadline bool
}

func (l *fakeLink) Send(ctx context.Context, command string, onLine protocol.LineFunc) (string, error) {
	return l.Query(ctx, command, protocol.QueryOptions{OnLine: onLine})
}

func (l *fakeLink) Query(ctx context.Context, command string, opts protocol.QueryOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, command)
	l.timeout = opts.Timeout
	_, l.deadline = ctx.Deadline()
	if opts.OnLine != nil {
		for _, line := range l.lines {
			opts.OnLine(line)
		}
	}
	return l.reply, l.err
}

func (l *fakeLink) GetProtocolType() model.ConnectionType { return model.ConnectionTypeTCP }
func (l *fakeLink) Address() string                       { return "192.168.0.10:5000" }
func (l *fakeLink) Stats() protocol.ProtocolStats         { return protocol.ProtocolStats{OperationCount: 1} }

func TestExecuteFramesFieldsAndDecodesReply(t *testing.T) {
	link := &fakeLink{reply: testCodec.EncodeCommand("R", "V", "210")}
	publisher := &recordingPublisher{}
	ds := NewDeviceService(link, nil, testCodec, publisher, zap.NewNop())

	result, err := ds.Execute(context.Background(), &CommandRequest{Direction: "R", Code: "V"})
	require.NoError(t, err)

	assert.Equal(t, testCodec.EncodeCommand("R", "V", ""), link.commands[0])
	assert.Equal(t, model.RouteDirect, result.Route)
	require.NotNil(t, result.Reply)
	assert.Equal(t, "210", result.Reply.Data)
	assert.Empty(t, result.DecodeError)
	assert.Equal(t, []model.EventType{model.EventCommandCompleted}, publisher.types())
}

func TestExecuteKeepsUndecodableText(t *testing.T) {
	link := &fakeLink{reply: "ch1=1\r\nEND", lines: []string{"ch1=1", "END"}}
	publisher := &recordingPublisher{}
	ds := NewDeviceService(link, nil, testCodec, publisher, zap.NewNop())

	result, err := ds.Execute(context.Background(), &CommandRequest{Command: "S3", Stream: true, RequestID: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, "ch1=1\r\nEND", result.Raw)
	assert.Nil(t, result.Reply)
	assert.NotEmpty(t, result.DecodeError)

	lines := publisher.byType(model.EventReplyLine)
	require.Len(t, lines, 2)
	data := lines[0].Data.(model.ReplyLineEventData)
	assert.Equal(t, "req-1", data.RequestID)
	assert.Equal(t, "ch1=1", data.Line)
}

func TestExecuteAppliesTimeoutOnDirectRoute(t *testing.T) {
	link := &fakeLink{reply: "ok"}
	ds := NewDeviceService(link, nil, testCodec, nil, zap.NewNop())

	_, err := ds.Execute(context.Background(), &CommandRequest{Command: "S9", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second, link.timeout)
	assert.False(t, link.deadline)
}

func TestExecuteFailurePublishesEvent(t *testing.T) {
	linkErr := &protocol.LinkError{Kind: protocol.LinkTimeout, Op: "read", Err: errors.New("i/o timeout")}
	link := &fakeLink{err: linkErr}
	publisher := &recordingPublisher{}
	ds := NewDeviceService(link, nil, testCodec, publisher, zap.NewNop())

	_, err := ds.Execute(context.Background(), &CommandRequest{Command: "SV57Q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrLinkTimeout)

	failed := publisher.byType(model.EventCommandFailed)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].Data.(model.CommandEventData).Error)
}

func TestExecuteValidation(t *testing.T) {
	ds := NewDeviceService(&fakeLink{}, nil, testCodec, nil, zap.NewNop())

	tests := []struct {
		name string
		req  *CommandRequest
	}{
		{"nil request", nil},
		{"empty", &CommandRequest{}},
		{"long code", &CommandRequest{Direction: "R", Code: "VV"}},
		{"long direction", &CommandRequest{Direction: "RR", Code: "V"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ds.Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestSendWithoutRoute(t *testing.T) {
	ds := NewDeviceService(nil, nil, testCodec, nil, zap.NewNop())

	_, err := ds.Send(context.Background(), "SV57Q", nil)
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Nil(t, ds.LinkInfo())
	assert.False(t, ds.BridgeStatus().Running)
	assert.ErrorIs(t, ds.StopBridge(), bridge.ErrNotRunning)
}

func TestLinkInfo(t *testing.T) {
	ds := NewDeviceService(&fakeLink{}, nil, testCodec, nil, zap.NewNop())

	info := ds.LinkInfo()
	require.NotNil(t, info)
	assert.Equal(t, model.ConnectionTypeTCP, info.Type)
	assert.Equal(t, int64(1), info.Stats.OperationCount)
}

func newBridgeService(t *testing.T, link protocol.Link) (*DeviceService, *recordingPublisher) {
	t.Helper()
	publisher := &recordingPublisher{}

	cfg := bridge.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.GreetingTimeout = 50 * time.Millisecond
	cfg.AcceptPollInterval = 50 * time.Millisecond

	policy := protocol.DefaultPolicy(testCodec)
	server := bridge.New(cfg, protocol.NewCollector(policy, protocol.RoleClient), zap.NewNop(), BridgeEventOptions(publisher)...)

	ds := NewDeviceService(link, server, testCodec, publisher, zap.NewNop())
	t.Cleanup(func() { _ = ds.StopBridge() })
	return ds, publisher
}

func TestUnifiedSendPrefersRunningBridge(t *testing.T) {
	link := &fakeLink{reply: "direct"}
	ds, publisher := newBridgeService(t, link)

	assert.Equal(t, model.RouteDirect, ds.Route())
	require.NoError(t, ds.StartBridge(context.Background()))
	assert.Equal(t, model.RouteBridge, ds.Route())

	status := ds.BridgeStatus()
	require.True(t, status.Running)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(status.Port)))
	require.NoError(t, err)
	defer conn.Close()

	reply := testCodec.EncodeCommand("R", "V", "1")
	go func() {
		reader := bufio.NewReader(conn)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return ds.BridgeStatus().ClientConnected }, 2*time.Second, 10*time.Millisecond)

	result, err := ds.Execute(context.Background(), &CommandRequest{Direction: "R", Code: "V"})
	require.NoError(t, err)
	assert.Equal(t, model.RouteBridge, result.Route)
	assert.Equal(t, reply, result.Raw)
	assert.Empty(t, link.commands, "direct link unused while bridge runs")

	require.NoError(t, ds.StopBridge())
	assert.Equal(t, model.RouteDirect, ds.Route())

	types := publisher.types()
	assert.Contains(t, types, model.EventBridgeStarted)
	assert.Contains(t, types, model.EventClientAttempt)
	assert.Contains(t, types, model.EventClientConnected)
	assert.Contains(t, types, model.EventClientDisconnected)
	assert.Contains(t, types, model.EventBridgeStopped)
}

func TestSetAllowedClient(t *testing.T) {
	ds, _ := newBridgeService(t, nil)

	assert.ErrorIs(t, ds.SetAllowedClient("not-an-ip"), ErrInvalidAddress)
	require.NoError(t, ds.SetAllowedClient("10.0.0.7"))
	assert.Equal(t, "10.0.0.7", ds.BridgeStatus().AllowedClient)
	require.NoError(t, ds.SetAllowedClient(""))
	assert.Empty(t, ds.BridgeStatus().AllowedClient)
}
