// internal/firmware/options.go
package firmware

import (
	"fmt"
	"strings"
	"time"

	"daq-bridge/internal/model"
)

// WidthMode selects which length figure is tried first in a data command.
type WidthMode int

const (
	// WidthHexChars announces the number of hex characters in the payload.
	WidthHexChars WidthMode = iota
	// WidthBytes announces the number of data bytes.
	WidthBytes
)

func (m WidthMode) String() string {
	if m == WidthBytes {
		return "bytes"
	}
	return "hexchars"
}

// ParseWidthMode maps the configuration spelling onto a mode.
func ParseWidthMode(s string) (WidthMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hexchars", "":
		return WidthHexChars, nil
	case "bytes":
		return WidthBytes, nil
	default:
		return WidthHexChars, fmt.Errorf("unknown width mode %q", s)
	}
}

// Progress is reported after every data record sent.
type Progress struct {
	Processed  int
	Total      int
	Percentage float64
	Line       int
	Elapsed    time.Duration
}

// Config holds the engine timings and device quirks.
type Config struct {
	ConfirmTimeout     time.Duration
	BootAttempts       int
	Retries            int
	RetryDelay         time.Duration
	RecordAttempts     int
	RecordBackoff      time.Duration
	InterRecordDelay   time.Duration
	AddressDelay       time.Duration
	LinkSpeed          string
	LinkSpeedFallbacks []string
	SettleDelay        time.Duration
	WidthMode          WidthMode
	PumpEvery          int

	Pump       func()
	OnPhase    func(model.TransferPhase)
	OnProgress func(Progress)
}

func defaultConfig() Config {
	return Config{
		ConfirmTimeout:     10 * time.Second,
		BootAttempts:       3,
		Retries:            3,
		RetryDelay:         200 * time.Millisecond,
		RecordAttempts:     1,
		RecordBackoff:      50 * time.Millisecond,
		InterRecordDelay:   100 * time.Millisecond,
		AddressDelay:       100 * time.Millisecond,
		LinkSpeed:          "24",
		LinkSpeedFallbacks: []string{"23", "22", "25"},
		SettleDelay:        time.Second,
		WidthMode:          WidthHexChars,
		PumpEvery:          10,
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithConfirmTimeout sets how long the operator has to confirm after boot mode is entered.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ConfirmTimeout = d
		}
	}
}

// WithBootAttempts sets how many times the boot command is sent.
func WithBootAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BootAttempts = n
		}
	}
}

// WithRetries sets the attempts and delay used for address commands.
func WithRetries(n int, delay time.Duration) Option {
	return func(c *Config) {
		if n > 0 {
			c.Retries = n
		}
		if delay >= 0 {
			c.RetryDelay = delay
		}
	}
}

// WithRecordAttempts sets how often each data command encoding is sent before the next one is tried.
func WithRecordAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.RecordAttempts = n
		}
	}
}

func WithRecordBackoff(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.RecordBackoff = d
		}
	}
}

func WithInterRecordDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.InterRecordDelay = d
		}
	}
}

func WithAddressDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.AddressDelay = d
		}
	}
}

// WithLinkSpeed sets the download speed code and the codes tried when the first record fails.
func WithLinkSpeed(code string, fallbacks ...string) Option {
	return func(c *Config) {
		if code != "" {
			c.LinkSpeed = code
		}
		if fallbacks != nil {
			c.LinkSpeedFallbacks = fallbacks
		}
	}
}

// WithSettleDelay sets the pause after every link speed change.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.SettleDelay = d
		}
	}
}

func WithWidthMode(m WidthMode) Option {
	return func(c *Config) { c.WidthMode = m }
}

// WithPump registers a callback run periodically while streaming and between retries.
func WithPump(fn func()) Option {
	return func(c *Config) { c.Pump = fn }
}

func WithPumpEvery(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PumpEvery = n
		}
	}
}

// WithPhaseCallback is called on every phase change, outside the engine lock.
func WithPhaseCallback(fn func(model.TransferPhase)) Option {
	return func(c *Config) { c.OnPhase = fn }
}

func WithProgressCallback(fn func(Progress)) Option {
	return func(c *Config) { c.OnProgress = fn }
}
