package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Growlink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Breaker   MQTTBreakerConfig   `yaml:"breaker"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
// MaxAttempts bounds the initial connection retries; 0 means a single attempt.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// MQTTBreakerConfig tunes the circuit breaker guarding MQTT command pushes.
type MQTTBreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	OpenFor     time.Duration `yaml:"open_for"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DatabaseConfig contains SQLite settings for the command audit trail.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GatewayConfig contains the command lifecycle and state synchronisation settings.
type GatewayConfig struct {
	// CommandTimeout is how long a command may stay pending before it times out.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// CommandRetention is how long terminal commands are kept before the sweep removes them.
	CommandRetention time.Duration `yaml:"command_retention"`

	// SweepInterval is how often terminal commands are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaleAfter is how long a device may stay silent before it is marked disconnected.
	StaleAfter time.Duration `yaml:"stale_after"`

	// StaleCheckInterval is how often device connectivity is re-evaluated.
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"`

	// HistoryCapacity bounds the per-group telemetry history.
	HistoryCapacity int `yaml:"history_capacity"`

	// DefaultDurationMS is applied to commands submitted without a duration.
	DefaultDurationMS int `yaml:"default_duration_ms"`

	// PushOnSubmit pushes new commands immediately when the device has a live channel.
	PushOnSubmit bool `yaml:"push_on_submit"`

	// SubscriberBuffer is the per-observer event buffer; events are dropped when full.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// AuditBuffer is the queue depth of the asynchronous audit writer.
	AuditBuffer int `yaml:"audit_buffer"`
}

// DeviceConfig maps a device identifier to its logical group.
type DeviceConfig struct {
	ID    string `yaml:"id"`
	Group string `yaml:"group"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the config file, if present
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: GROWLINK_SECTION_KEY
// For example: GROWLINK_API_PORT, GROWLINK_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// godotenv never overwrites variables already present in the environment.
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Growlink",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "growlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  5,
			},
			Breaker: MQTTBreakerConfig{
				MaxFailures: 5,
				OpenFor:     30 * time.Second,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/growlink-audit.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Gateway: GatewayConfig{
			CommandTimeout:     5 * time.Minute,
			CommandRetention:   time.Hour,
			SweepInterval:      5 * time.Minute,
			StaleAfter:         2 * time.Minute,
			StaleCheckInterval: 30 * time.Second,
			HistoryCapacity:    100,
			DefaultDurationMS:  3000,
			PushOnSubmit:       true,
			SubscriberBuffer:   256,
			AuditBuffer:        1024,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GROWLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// API
	if v := os.Getenv("GROWLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GROWLINK_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// MQTT
	if v := os.Getenv("GROWLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GROWLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GROWLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GROWLINK_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("GROWLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Database
	if v := os.Getenv("GROWLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Logging
	if v := os.Getenv("GROWLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the audit database is enabled")
	}

	g := c.Gateway
	if g.CommandTimeout <= 0 {
		errs = append(errs, "gateway.command_timeout must be positive")
	}
	if g.CommandRetention <= 0 {
		errs = append(errs, "gateway.command_retention must be positive")
	}
	if g.SweepInterval <= 0 {
		errs = append(errs, "gateway.sweep_interval must be positive")
	}
	if g.StaleAfter <= 0 || g.StaleCheckInterval <= 0 {
		errs = append(errs, "gateway.stale_after and gateway.stale_check_interval must be positive")
	}
	if g.HistoryCapacity < 1 {
		errs = append(errs, "gateway.history_capacity must be at least 1")
	}
	if g.DefaultDurationMS < 0 {
		errs = append(errs, "gateway.default_duration_ms must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = struct{}{}
		if d.Group == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].group is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// DeviceGroups returns the configured device-to-group mapping.
func (c *Config) DeviceGroups() map[string]string {
	groups := make(map[string]string, len(c.Devices))
	for _, d := range c.Devices {
		groups[d.ID] = d.Group
	}
	return groups
}
