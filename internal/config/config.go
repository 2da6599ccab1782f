// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Device   DeviceConfig   `mapstructure:"device"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Firmware FirmwareConfig `mapstructure:"firmware"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// ProtocolConfig describes the instrument wire framing and reply timing.
type ProtocolConfig struct {
	StartMarker      string                     `mapstructure:"start_marker"`
	EndMarker        string                     `mapstructure:"end_marker"`
	LineTerminator   string                     `mapstructure:"line_terminator"`
	ShortReadTimeout time.Duration              `mapstructure:"short_read_timeout"`
	DrainTimeout     time.Duration              `mapstructure:"drain_timeout"`
	Timeouts         map[string]TimeoutOverride `mapstructure:"timeouts"`
}

// TimeoutOverride replaces the timing of one command class.
// Keys are default, short, end_line and end_status.
type TimeoutOverride struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
}

// DeviceConfig represents the direct link to the instrument
type DeviceConfig struct {
	ConnectionType string           `mapstructure:"connection_type"`
	TCP            TCPPortConfig    `mapstructure:"tcp"`
	Serial         SerialPortConfig `mapstructure:"serial"`
}

// TCPPortConfig represents TCP port configuration
type TCPPortConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

// SerialPortConfig represents serial port configuration
type SerialPortConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`
}

// BridgeConfig represents the single-client bridge server
type BridgeConfig struct {
	Host                   string        `mapstructure:"host"`
	Port                   int           `mapstructure:"port"`
	AllowedClient          string        `mapstructure:"allowed_client"`
	ReconnectPolicy        string        `mapstructure:"reconnect_policy"`
	LogRejectWhenConnected bool          `mapstructure:"log_reject_when_connected"`
	GreetingTimeout        time.Duration `mapstructure:"greeting_timeout"`
	AcceptPollInterval     time.Duration `mapstructure:"accept_poll_interval"`
	AutoStart              bool          `mapstructure:"auto_start"`
	AutoStopMinutes        int           `mapstructure:"auto_stop_minutes"`
	IdleCheckInterval      time.Duration `mapstructure:"idle_check_interval"`
	QuietPrefixes          []string      `mapstructure:"quiet_prefixes"`
}

// FirmwareConfig represents firmware transfer tuning
type FirmwareConfig struct {
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	BootAttempts        int           `mapstructure:"boot_attempts"`
	Retries             int           `mapstructure:"retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	RecordAttempts      int           `mapstructure:"record_attempts"`
	RecordBackoff       time.Duration `mapstructure:"record_backoff"`
	InterRecordDelay    time.Duration `mapstructure:"inter_record_delay"`
	AddressDelay        time.Duration `mapstructure:"address_delay"`
	LinkSpeed           string        `mapstructure:"link_speed"`
	LinkSpeedFallbacks  []string      `mapstructure:"link_speed_fallbacks"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	WidthMode           string        `mapstructure:"width_mode"`
	PumpEvery           int           `mapstructure:"pump_every"`
	StopBridgeOnSuccess bool          `mapstructure:"stop_bridge_on_success"`
	MaxImageSize        int64         `mapstructure:"max_image_size"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables.
// An explicit path wins over DAQ_BRIDGE_CONFIG, which wins over the search paths.
// A missing config file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("DAQ_BRIDGE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("../../internal/config")
	}

	// Environment variable support
	v.SetEnvPrefix("DAQ_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "180s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Protocol defaults
	v.SetDefault("protocol.start_marker", "S")
	v.SetDefault("protocol.end_marker", "Q")
	v.SetDefault("protocol.line_terminator", "\n")
	v.SetDefault("protocol.short_read_timeout", "500ms")
	v.SetDefault("protocol.drain_timeout", "50ms")

	// Device defaults
	v.SetDefault("device.connection_type", "tcp")
	v.SetDefault("device.tcp.host", "192.168.0.10")
	v.SetDefault("device.tcp.port", 5000)
	v.SetDefault("device.tcp.keep_alive", "30s")
	v.SetDefault("device.serial.port", "/dev/ttyUSB0")
	v.SetDefault("device.serial.baud_rate", 115200)
	v.SetDefault("device.serial.data_bits", 8)
	v.SetDefault("device.serial.stop_bits", 1)
	v.SetDefault("device.serial.parity", "none")

	// Bridge defaults
	v.SetDefault("bridge.host", "0.0.0.0")
	v.SetDefault("bridge.port", 5001)
	v.SetDefault("bridge.allowed_client", "")
	v.SetDefault("bridge.reconnect_policy", "replace_if_allowed")
	v.SetDefault("bridge.log_reject_when_connected", false)
	v.SetDefault("bridge.greeting_timeout", "2s")
	v.SetDefault("bridge.accept_poll_interval", "1s")
	v.SetDefault("bridge.auto_start", false)
	v.SetDefault("bridge.auto_stop_minutes", 10)
	v.SetDefault("bridge.idle_check_interval", "10s")
	v.SetDefault("bridge.quiet_prefixes", []string{"SWND", "SWNA", "SWNT", "SWNE"})

	// Firmware defaults
	v.SetDefault("firmware.confirm_timeout", "10s")
	v.SetDefault("firmware.boot_attempts", 3)
	v.SetDefault("firmware.retries", 3)
	v.SetDefault("firmware.retry_delay", "200ms")
	v.SetDefault("firmware.record_attempts", 1)
	v.SetDefault("firmware.record_backoff", "50ms")
	v.SetDefault("firmware.inter_record_delay", "100ms")
	v.SetDefault("firmware.address_delay", "100ms")
	v.SetDefault("firmware.link_speed", "24")
	v.SetDefault("firmware.link_speed_fallbacks", []string{"23", "22", "25"})
	v.SetDefault("firmware.settle_delay", "1s")
	v.SetDefault("firmware.width_mode", "hexchars")
	v.SetDefault("firmware.pump_every", 10)
	v.SetDefault("firmware.stop_bridge_on_success", true)
	v.SetDefault("firmware.max_image_size", 8<<20)

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// App defaults
	v.SetDefault("app.name", "daq-bridge")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Protocol.StartMarker == "" {
		return fmt.Errorf("protocol.start_marker is required")
	}
	if len(config.Protocol.EndMarker) != 1 {
		return fmt.Errorf("protocol.end_marker must be exactly one byte")
	}
	if config.Bridge.Port <= 0 || config.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be between 1 and 65535")
	}
	if config.Bridge.AutoStopMinutes < 0 {
		return fmt.Errorf("bridge.auto_stop_minutes must not be negative")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	validConnections := []string{"tcp", "serial"}
	if !slices.Contains(validConnections, config.Device.ConnectionType) {
		return fmt.Errorf("device.connection_type must be one of: %v", validConnections)
	}

	validPolicies := []string{"reject_always", "replace_if_allowed"}
	if !slices.Contains(validPolicies, config.Bridge.ReconnectPolicy) {
		return fmt.Errorf("bridge.reconnect_policy must be one of: %v", validPolicies)
	}

	validWidths := []string{"hexchars", "bytes"}
	if !slices.Contains(validWidths, config.Firmware.WidthMode) {
		return fmt.Errorf("firmware.width_mode must be one of: %v", validWidths)
	}

	for class := range config.Protocol.Timeouts {
		if !slices.Contains([]string{"default", "short", "end_line", "end_status"}, class) {
			return fmt.Errorf("protocol.timeouts: unknown command class %q", class)
		}
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// GetDeviceAddr returns the instrument TCP address
func (c *Config) GetDeviceAddr() string {
	return fmt.Sprintf("%s:%d", c.Device.TCP.Host, c.Device.TCP.Port)
}

// AutoStopAfter returns the bridge idle threshold; zero disables auto-stop.
func (c *Config) AutoStopAfter() time.Duration {
	return time.Duration(c.Bridge.AutoStopMinutes) * time.Minute
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
