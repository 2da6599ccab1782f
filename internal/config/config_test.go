package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DAQ_BRIDGE_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8084", cfg.GetServerAddr())
	assert.Equal(t, "S", cfg.Protocol.StartMarker)
	assert.Equal(t, "Q", cfg.Protocol.EndMarker)
	assert.Equal(t, 500*time.Millisecond, cfg.Protocol.ShortReadTimeout)
	assert.Equal(t, "tcp", cfg.Device.ConnectionType)
	assert.Equal(t, "192.168.0.10:5000", cfg.GetDeviceAddr())
	assert.Equal(t, 5001, cfg.Bridge.Port)
	assert.Equal(t, "replace_if_allowed", cfg.Bridge.ReconnectPolicy)
	assert.Equal(t, []string{"SWND", "SWNA", "SWNT", "SWNE"}, cfg.Bridge.QuietPrefixes)
	assert.Equal(t, 10*time.Minute, cfg.AutoStopAfter())
	assert.Equal(t, 10*time.Second, cfg.Firmware.ConfirmTimeout)
	assert.Equal(t, []string{"23", "22", "25"}, cfg.Firmware.LinkSpeedFallbacks)
	assert.True(t, cfg.Firmware.StopBridgeOnSuccess)
	assert.True(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsDebugEnabled())
	assert.False(t, cfg.IsProduction())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
device:
  connection_type: serial
  serial:
    port: /dev/ttyUSB3
    baud_rate: 9600
bridge:
  port: 6000
  reconnect_policy: reject_always
  auto_stop_minutes: 0
protocol:
  timeouts:
    end_status:
      connect_timeout: 5s
      max_wait: 60s
app:
  environment: production
`)
	t.Setenv("DAQ_BRIDGE_BRIDGE_ALLOWED_CLIENT", "10.0.0.7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "serial", cfg.Device.ConnectionType)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Device.Serial.Port)
	assert.Equal(t, 9600, cfg.Device.Serial.BaudRate)
	assert.Equal(t, 8, cfg.Device.Serial.DataBits)
	assert.Equal(t, 6000, cfg.Bridge.Port)
	assert.Equal(t, "reject_always", cfg.Bridge.ReconnectPolicy)
	assert.Equal(t, "10.0.0.7", cfg.Bridge.AllowedClient)
	assert.Zero(t, cfg.AutoStopAfter())
	assert.Equal(t, TimeoutOverride{ConnectTimeout: 5 * time.Second, MaxWait: 60 * time.Second}, cfg.Protocol.Timeouts["end_status"])
	assert.True(t, cfg.IsProduction())
}

func TestLoadExplicitPathFromEnvironment(t *testing.T) {
	path := writeConfig(t, "bridge:\n  port: 7001\n")
	t.Setenv("DAQ_BRIDGE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Bridge.Port)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"end marker length", "protocol:\n  end_marker: QQ\n"},
		{"bridge port", "bridge:\n  port: 70000\n"},
		{"negative auto stop", "bridge:\n  auto_stop_minutes: -1\n"},
		{"connection type", "device:\n  connection_type: usb\n"},
		{"reconnect policy", "bridge:\n  reconnect_policy: sometimes\n"},
		{"width mode", "firmware:\n  width_mode: words\n"},
		{"timeout class", "protocol:\n  timeouts:\n    slow:\n      max_wait: 1s\n"},
		{"environment", "app:\n  environment: moon\n"},
		{"log level", "logging:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, "config validation failed")
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated\n"))
	assert.ErrorContains(t, err, "error reading config file")
}
