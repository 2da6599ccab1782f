// internal/protocol/connection.go
package protocol

import (
	"time"

	"daq-bridge/internal/model"
)

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// TCPConfig represents TCP connection configuration
type TCPConfig struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	KeepAlive time.Duration `json:"keep_alive"`
	// PreDrainWindow bounds the read of stale bytes before a command is written.
	PreDrainWindow time.Duration `json:"pre_drain_window"`
}

// LinkConfig selects and configures the direct link
type LinkConfig struct {
	Type   model.ConnectionType `json:"type"`
	TCP    TCPConfig            `json:"tcp"`
	Serial SerialConfig         `json:"serial"`
}
