// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// PortInfo describes one serial port an instrument may be attached to
type PortInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// ListFunc enumerates the serial ports of the host.
type ListFunc func() ([]*enumerator.PortDetails, error)

// PortScanner lists the serial ports usable as a direct link
type PortScanner struct {
	logger   *zap.Logger
	list     ListFunc
	patterns []string
	timeout  time.Duration
}

// NewPortScanner creates a scanner; ports not matching any glob pattern are skipped.
// With no patterns the platform defaults apply.
func NewPortScanner(logger *zap.Logger, patterns ...string) *PortScanner {
	if len(patterns) == 0 {
		patterns = defaultPortPatterns()
	}
	return &PortScanner{
		logger:   logger.With(zap.String("scanner", "serial")),
		list:     enumerator.GetDetailedPortsList,
		patterns: patterns,
		timeout:  5 * time.Second,
	}
}

// WithListFunc replaces the port enumerator
func (s *PortScanner) WithListFunc(fn ListFunc) *PortScanner {
	s.list = fn
	return s
}

// Scan returns the matching ports sorted by name
func (s *PortScanner) Scan(ctx context.Context) ([]PortInfo, error) {
	type result struct {
		ports []*enumerator.PortDetails
		err   error
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		ports, err := s.list()
		done <- result{ports, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("serial port scan: %w", ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", res.err)
	}

	ports := make([]PortInfo, 0, len(res.ports))
	for _, p := range res.ports {
		if p == nil || !s.matches(p.Name) {
			continue
		}
		ports = append(ports, PortInfo{
			Name:         p.Name,
			Description:  describe(p),
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })

	s.logger.Debug("Serial scan completed", zap.Int("ports_found", len(ports)))
	return ports, nil
}

func (s *PortScanner) matches(name string) bool {
	for _, pattern := range s.patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func describe(p *enumerator.PortDetails) string {
	if p.Product != "" {
		return p.Product
	}
	if p.IsUSB {
		return fmt.Sprintf("USB serial %s:%s", strings.ToUpper(p.VID), strings.ToUpper(p.PID))
	}
	return "n/a"
}

func defaultPortPatterns() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM*"}
	case "darwin":
		return []string{"/dev/cu.*", "/dev/tty.usb*"}
	default:
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*", "/dev/ttyAMA*"}
	}
}
