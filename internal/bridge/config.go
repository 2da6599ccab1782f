// internal/bridge/config.go
package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotConnected   = errors.New("bridge: no client connected")
	ErrRejected       = errors.New("bridge: connection rejected")
	ErrTornDown       = errors.New("bridge: session torn down")
	ErrAlreadyRunning = errors.New("bridge: server already running")
	ErrNotRunning     = errors.New("bridge: server not running")
)

// ReconnectPolicy decides what happens when a second instrument connects while a session is active.
type ReconnectPolicy int

const (
	// RejectAlways keeps the current session and closes the newcomer.
	RejectAlways ReconnectPolicy = iota
	// ReplaceIfAllowed tears down the current session and admits the newcomer,
	// provided it passes the allow-list.
	ReplaceIfAllowed
)

func (p ReconnectPolicy) String() string {
	if p == ReplaceIfAllowed {
		return "replace_if_allowed"
	}
	return "reject_always"
}

// ParseReconnectPolicy maps the configuration spelling onto a policy.
func ParseReconnectPolicy(s string) (ReconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject_always":
		return RejectAlways, nil
	case "replace_if_allowed", "":
		return ReplaceIfAllowed, nil
	default:
		return RejectAlways, fmt.Errorf("unknown reconnect policy %q", s)
	}
}

// Config holds the bridge server settings.
type Config struct {
	Host                   string
	Port                   int
	AllowedClient          string
	ReconnectPolicy        ReconnectPolicy
	LogRejectWhenConnected bool
	GreetingTimeout        time.Duration
	AcceptPollInterval     time.Duration
	// QuietPrefixes lists command prefixes sent without per-command logging.
	QuietPrefixes []string
}

// DefaultConfig returns the stock bridge settings.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               5001,
		ReconnectPolicy:    ReplaceIfAllowed,
		GreetingTimeout:    2 * time.Second,
		AcceptPollInterval: time.Second,
		QuietPrefixes:      []string{"SWND", "SWNA", "SWNT", "SWNE"},
	}
}
