package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// fakePort answers the first written command with reply, then idles until its read timeout.
type fakePort struct {
	serial.Port

	mu      sync.Mutex
	written []byte
	pending []byte
	reply   string
	timeout time.Duration
	resets  int
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	p.pending = append(p.pending, p.reply...)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.timeout
	p.mu.Unlock()

	if timeout > 0 {
		time.Sleep(timeout)
	}
	return 0, nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newSerialTestLink(port *fakePort, openErr error) (*SerialLink, *serial.Mode) {
	collector := NewCollector(testPolicy(), RoleClient)
	link := NewSerialLink(SerialConfig{Port: "/dev/ttyFAKE", BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "none"}, collector, zap.NewNop())

	var opened serial.Mode
	link.open = func(name string, mode *serial.Mode) (serial.Port, error) {
		opened = *mode
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	}
	return link, &opened
}

func TestSerialLinkSend(t *testing.T) {
	codec := NewCodec(DefaultMarkers())
	reply := codec.EncodeCommand("R", "1", "55")
	port := &fakePort{reply: reply}
	link, mode := newSerialTestLink(port, nil)

	command := codec.EncodeCommand("R", "1", "")
	got, err := link.Send(context.Background(), command, nil)
	require.NoError(t, err)

	assert.Equal(t, reply, got)
	assert.Equal(t, command+"\n", string(port.written))
	assert.Equal(t, 1, port.resets)
	assert.True(t, port.closed)
	assert.Equal(t, 19200, mode.BaudRate)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, int64(1), link.Stats().OperationCount)
}

func TestSerialLinkTimeoutOnlyReply(t *testing.T) {
	port := &fakePort{reply: "23.4"}
	link, _ := newSerialTestLink(port, nil)

	got, err := link.Send(context.Background(), "S9", nil)
	require.NoError(t, err)
	assert.Equal(t, "23.4", got)
}

func TestSerialLinkOpenFailure(t *testing.T) {
	link, _ := newSerialTestLink(nil, errors.New("no such device"))

	_, err := link.Send(context.Background(), "SV57Q", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLinkIO)
	assert.Equal(t, int64(1), link.Stats().ErrorCount)
}

func TestSerialLinkRejectsBadMode(t *testing.T) {
	collector := NewCollector(testPolicy(), RoleClient)
	link := NewSerialLink(SerialConfig{Port: "/dev/ttyFAKE", BaudRate: 9600, DataBits: 8, StopBits: 3}, collector, zap.NewNop())

	_, err := link.Send(context.Background(), "SV57Q", nil)
	assert.Error(t, err)
}

func TestDeadlinePortReportsTimeout(t *testing.T) {
	port := &deadlinePort{Port: &fakePort{}}
	require.NoError(t, port.SetReadDeadline(time.Now().Add(5*time.Millisecond)))

	n, err := port.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.True(t, isTimeout(err))
}
