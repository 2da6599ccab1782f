// internal/protocol/protocol.go
package protocol

import (
	"context"
	"sync"
	"time"

	"daq-bridge/internal/model"
)

// Sender delivers one framed command to the instrument and returns its reply text.
type Sender interface {
	Send(ctx context.Context, command string, onLine LineFunc) (string, error)
}

// QueryOptions tunes one exchange.
type QueryOptions struct {
	// Timeout, when set, replaces both the read timeout and the max wait of the command's class.
	Timeout time.Duration
	OnLine  LineFunc
}

// profileFor resolves the collection profile for command under opts.
func (o QueryOptions) profileFor(policy *Policy, command string) ClassProfile {
	profile := policy.Profile(command)
	if o.Timeout > 0 {
		profile = profile.WithTimeout(o.Timeout)
	}
	return profile
}

// Link is a direct connection to the instrument
type Link interface {
	Sender
	Query(ctx context.Context, command string, opts QueryOptions) (string, error)

	// Protocol information
	GetProtocolType() model.ConnectionType
	Address() string

	// Health and diagnostics
	Stats() ProtocolStats
}

// ProtocolStats provides protocol-level statistics
type ProtocolStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	LastError      string        `json:"last_error,omitempty"`
}

type statsRecorder struct {
	mu    sync.Mutex
	stats ProtocolStats
}

func (s *statsRecorder) record(written, read int, latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.BytesWritten += int64(written)
	s.stats.BytesRead += int64(read)
	s.stats.OperationCount++
	s.stats.LastActivity = time.Now()
	if err != nil {
		s.stats.ErrorCount++
		s.stats.LastError = err.Error()
		return
	}
	s.updateAverageLatency(latency)
}

// updateAverageLatency updates the running average latency
func (s *statsRecorder) updateAverageLatency(newLatency time.Duration) {
	if s.stats.AverageLatency == 0 {
		s.stats.AverageLatency = newLatency
	} else {
		s.stats.AverageLatency = (s.stats.AverageLatency + newLatency) / 2
	}
}

func (s *statsRecorder) snapshot() ProtocolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
