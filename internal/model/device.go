// internal/model/device.go
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnectionType represents how the instrument is reached when the bridge is not running
type ConnectionType string

const (
	ConnectionTypeSerial ConnectionType = "SERIAL"
	ConnectionTypeTCP    ConnectionType = "TCP"
)

// ParseConnectionType accepts the lower-case configuration spelling
func ParseConnectionType(s string) (ConnectionType, error) {
	switch ConnectionType(strings.ToUpper(strings.TrimSpace(s))) {
	case ConnectionTypeTCP:
		return ConnectionTypeTCP, nil
	case ConnectionTypeSerial:
		return ConnectionTypeSerial, nil
	default:
		return "", fmt.Errorf("unsupported connection type: %q", s)
	}
}

// Route names the path a command took to the instrument
type Route string

const (
	RouteBridge Route = "BRIDGE"
	RouteDirect Route = "DIRECT"
)

// SessionInfo describes the instrument currently attached to the bridge
type SessionInfo struct {
	ID           uuid.UUID `json:"id"`
	Peer         string    `json:"peer"`
	Address      string    `json:"address"`
	Greeting     string    `json:"greeting,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// BridgeStatus is a snapshot of the bridge server
type BridgeStatus struct {
	Running         bool         `json:"running"`
	Host            string       `json:"host"`
	Port            int          `json:"port"`
	ClientConnected bool         `json:"client_connected"`
	ClientAddress   string       `json:"client_address,omitempty"`
	AllowedClient   string       `json:"allowed_client,omitempty"`
	ReconnectPolicy string       `json:"reconnect_policy"`
	LastActivity    time.Time    `json:"last_activity"`
	Session         *SessionInfo `json:"session,omitempty"`
}
