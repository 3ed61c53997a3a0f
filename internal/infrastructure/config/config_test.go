package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "greenhouse-a"
api:
  host: "0.0.0.0"
  port: 9090
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1883
    client_id: "test-client"
  qos: 1
gateway:
  command_timeout: 90s
  command_retention: 30m
  history_capacity: 50
devices:
  - id: esp32_1
    group: tomato
  - id: esp32_2
    group: lettuce
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "greenhouse-a" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "greenhouse-a")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.Gateway.CommandTimeout != 90*time.Second {
		t.Errorf("Gateway.CommandTimeout = %v, want 90s", cfg.Gateway.CommandTimeout)
	}
	if cfg.Gateway.CommandRetention != 30*time.Minute {
		t.Errorf("Gateway.CommandRetention = %v, want 30m", cfg.Gateway.CommandRetention)
	}
	if cfg.Gateway.HistoryCapacity != 50 {
		t.Errorf("Gateway.HistoryCapacity = %d, want 50", cfg.Gateway.HistoryCapacity)
	}
	// Unset fields keep their defaults.
	if cfg.Gateway.DefaultDurationMS != 3000 {
		t.Errorf("Gateway.DefaultDurationMS = %d, want 3000", cfg.Gateway.DefaultDurationMS)
	}

	groups := cfg.DeviceGroups()
	if groups["esp32_1"] != "tomato" || groups["esp32_2"] != "lettuce" {
		t.Errorf("DeviceGroups() = %v", groups)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "site"
`)
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := os.WriteFile(envPath, []byte("GROWLINK_MQTT_HOST=from-dotenv\n"), 0600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("GROWLINK_MQTT_HOST") })

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Broker.Host != "from-dotenv" {
		t.Errorf("MQTT.Broker.Host = %q, want from-dotenv", cfg.MQTT.Broker.Host)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GROWLINK_API_HOST", "127.0.0.1")
	t.Setenv("GROWLINK_API_PORT", "8181")
	t.Setenv("GROWLINK_MQTT_USERNAME", "grower")
	t.Setenv("GROWLINK_MQTT_PASSWORD", "secret")
	t.Setenv("GROWLINK_INFLUXDB_TOKEN", "influx-token")
	t.Setenv("GROWLINK_DATABASE_PATH", "/var/lib/growlink/audit.db")
	t.Setenv("GROWLINK_LOG_LEVEL", "debug")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q", cfg.API.Host)
	}
	if cfg.API.Port != 8181 {
		t.Errorf("API.Port = %d", cfg.API.Port)
	}
	if cfg.MQTT.Auth.Username != "grower" || cfg.MQTT.Auth.Password != "secret" {
		t.Errorf("MQTT.Auth = %+v", cfg.MQTT.Auth)
	}
	if cfg.InfluxDB.Token != "influx-token" {
		t.Errorf("InfluxDB.Token = %q", cfg.InfluxDB.Token)
	}
	if cfg.Database.Path != "/var/lib/growlink/audit.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "zero command timeout",
			mutate:  func(c *Config) { c.Gateway.CommandTimeout = 0 },
			wantErr: "gateway.command_timeout",
		},
		{
			name:    "zero history capacity",
			mutate:  func(c *Config) { c.Gateway.HistoryCapacity = 0 },
			wantErr: "gateway.history_capacity",
		},
		{
			name: "duplicate device",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{{ID: "esp32_1", Group: "a"}, {ID: "esp32_1", Group: "b"}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "device without group",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{ID: "esp32_1"}} },
			wantErr: "devices[0].group",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v", got)
	}
	if got := cfg.GetWriteTimeout(); got != 30*time.Second {
		t.Errorf("GetWriteTimeout() = %v", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v", got)
	}
}
