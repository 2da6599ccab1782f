// internal/protocol/factory.go
package protocol

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"daq-bridge/internal/model"
)

// CreateLink creates a direct device link based on connection type and configuration
func CreateLink(config LinkConfig, collector *Collector, logger *zap.Logger) (Link, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	switch config.Type {
	case model.ConnectionTypeSerial:
		return createSerialLink(config.Serial, collector, logger), nil
	case model.ConnectionTypeTCP:
		return createTCPLink(config.TCP, collector, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol type: %s", config.Type)
	}
}

// createSerialLink creates a serial link
func createSerialLink(config SerialConfig, collector *Collector, logger *zap.Logger) Link {
	if config.BaudRate == 0 {
		config.BaudRate = 115200
	}
	if config.DataBits == 0 {
		config.DataBits = 8
	}
	if config.Parity == "" {
		config.Parity = "none"
	}

	logger.Info("Creating serial link",
		zap.String("port", config.Port),
		zap.Int("baud_rate", config.BaudRate),
	)

	return NewSerialLink(config, collector, logger)
}

// createTCPLink creates a TCP link
func createTCPLink(config TCPConfig, collector *Collector, logger *zap.Logger) Link {
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.PreDrainWindow == 0 {
		config.PreDrainWindow = 20 * time.Millisecond
	}

	logger.Info("Creating TCP link",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
	)

	return NewTCPLink(config, collector, logger)
}

// ValidateConfig validates configuration for a specific link type
func ValidateConfig(config LinkConfig) error {
	switch config.Type {
	case model.ConnectionTypeSerial:
		return validateSerialConfig(config.Serial)
	case model.ConnectionTypeTCP:
		return validateTCPConfig(config.TCP)
	default:
		return fmt.Errorf("unsupported connection type: %s", config.Type)
	}
}

// validateSerialConfig validates serial configuration
func validateSerialConfig(config SerialConfig) error {
	if config.Port == "" {
		return fmt.Errorf("serial port is required")
	}

	validRates := []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400}
	if config.BaudRate != 0 && !slices.Contains(validRates, config.BaudRate) {
		return fmt.Errorf("invalid baud rate: %d", config.BaudRate)
	}

	return nil
}

// validateTCPConfig validates TCP configuration
func validateTCPConfig(config TCPConfig) error {
	if config.Host == "" {
		return fmt.Errorf("TCP host is required")
	}
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", config.Port)
	}
	return nil
}
