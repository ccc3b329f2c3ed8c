package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// BridgeConfig contains the discovery, client and server tunables.
type BridgeConfig struct {
	BasePort             int  `mapstructure:"base_port"`
	MaxPortAttempts      int  `mapstructure:"max_port_attempts"`
	ConnectTimeoutMs     int  `mapstructure:"connect_timeout_ms"`
	RequestTimeoutMs     int  `mapstructure:"request_timeout_ms"`
	AutoReconnect        bool `mapstructure:"auto_reconnect"`
	MaxReconnectAttempts int  `mapstructure:"max_reconnect_attempts"`
	ReconnectDelayMs     int  `mapstructure:"reconnect_delay_ms"`
}

// TelemetryConfig contains telemetry configuration
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// ConnectTimeout returns the socket-open deadline for client connects and
// discovery attempts.
func (b BridgeConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the per-request deadline, independent of the
// connection timeout.
func (b BridgeConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutMs) * time.Millisecond
}

// ReconnectDelay returns the base delay of the reconnect backoff.
func (b BridgeConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelayMs) * time.Millisecond
}

// Load loads the configuration from viper
func Load() (*Config, error) {
	cfg := &Config{}

	setDefaults()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults() {
	// Bridge defaults
	viper.SetDefault("bridge.base_port", 4000)
	viper.SetDefault("bridge.max_port_attempts", 10)
	viper.SetDefault("bridge.connect_timeout_ms", 5000)
	viper.SetDefault("bridge.request_timeout_ms", 30000)
	viper.SetDefault("bridge.auto_reconnect", true)
	viper.SetDefault("bridge.max_reconnect_attempts", 5)
	viper.SetDefault("bridge.reconnect_delay_ms", 1000)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", false)

	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.json", false)

	// Environment variable mappings
	_ = viper.BindEnv("bridge.base_port", "FLOYD_BRIDGE_BASE_PORT")
	_ = viper.BindEnv("bridge.max_port_attempts", "FLOYD_BRIDGE_MAX_PORT_ATTEMPTS")
	_ = viper.BindEnv("bridge.auto_reconnect", "FLOYD_BRIDGE_AUTO_RECONNECT")
	_ = viper.BindEnv("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}
