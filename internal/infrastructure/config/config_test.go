package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWT.Secret = validJWTSecret
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
api:
  port: 9090
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
gateway:
  queue_size: 50
configurations:
  - id: "gw-main"
    name: "Main panel"
    gateway_ip: "192.168.1.10"
    links:
      - asset_id: "lamp-1"
        attribute: "on"
        dpt: "1.001"
        status_address: "1.1.1"
        action_address: "2.2.2"
  - id: "gw-routing"
    connection_type: "route"
    enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "broker.local" || cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker = %+v, want file host with default port", cfg.MQTT.Broker)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Gateway.QueueSize != 50 || cfg.Gateway.ConnectTimeout != 10 {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}

	if len(cfg.Configurations) != 2 {
		t.Fatalf("Configurations = %+v", cfg.Configurations)
	}
	first := cfg.Configurations[0]
	if !first.IsEnabled() || first.GatewayIP != "192.168.1.10" || len(first.Links) != 1 {
		t.Errorf("Configurations[0] = %+v", first)
	}
	if first.Links[0].DatapointType != "1.001" || first.Links[0].StatusAddress != "1.1.1" {
		t.Errorf("Links[0] = %+v", first.Links[0])
	}
	if cfg.Configurations[1].IsEnabled() {
		t.Error("Configurations[1] should be disabled")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "invalid: [yaml: content")); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
	if _, err := Load(writeConfig(t, "api:\n  port: 8080\n")); err == nil {
		t.Error("Load() expected validation error for missing JWT secret")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "security:\n  jwt:\n    secret: \"too-short\"\n")
	t.Setenv("KNXGW_JWT_SECRET", validJWTSecret)
	t.Setenv("KNXGW_API_PORT", "8181")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security.JWT.Secret != validJWTSecret || cfg.API.Port != 8181 {
		t.Errorf("env overrides not applied: secret=%q port=%d", cfg.Security.JWT.Secret, cfg.API.Port)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"invalid port low", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"invalid port high", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"missing JWT secret", func(c *Config) { c.Security.JWT.Secret = "" }, "security.jwt.secret is required"},
		{"JWT secret too short", func(c *Config) { c.Security.JWT.Secret = "short" }, "at least 32"},
		{"influx without url", func(c *Config) { c.InfluxDB.Enabled = true }, "influxdb.url"},
		{"zero queue size", func(c *Config) { c.Gateway.QueueSize = 0 }, "gateway.queue_size"},
		{"negative reconnects", func(c *Config) { c.Gateway.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"zero health interval", func(c *Config) { c.Gateway.HealthInterval = 0 }, "health_interval"},
		{"seed without id", func(c *Config) {
			c.Configurations = []SeedConfiguration{{GatewayIP: "10.0.0.1"}}
		}, "configurations[0].id is required"},
		{"duplicate seed id", func(c *Config) {
			c.Configurations = []SeedConfiguration{{ID: "a"}, {ID: "a"}}
		}, "duplicated"},
		{"link without dpt", func(c *Config) {
			c.Configurations = []SeedConfiguration{{ID: "a", Links: []SeedLink{{AssetID: "x", Attribute: "y"}}}}
		}, "links[0].dpt"},
		{"attribute linked twice", func(c *Config) {
			link := SeedLink{AssetID: "x", Attribute: "y", DatapointType: "1.001"}
			c.Configurations = []SeedConfiguration{
				{ID: "a", Links: []SeedLink{link}},
				{ID: "b", Links: []SeedLink{link}},
			}
		}, "already linked"},
		{"invalid connection fields are not checked here", func(c *Config) {
			c.Configurations = []SeedConfiguration{{ID: "a", ConnectionType: "serial"}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateAccumulates(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Path = ""
	cfg.MQTT.QoS = 5
	cfg.Security.JWT.Secret = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	if n := strings.Count(err.Error(), ";"); n != 2 {
		t.Errorf("Validate() reported %d separators, want 3 problems joined: %v", n, err)
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		API:     APIConfig{Timeouts: APITimeoutConfig{Read: 30, Write: 45, Idle: 60}},
		Gateway: GatewaySettings{HealthInterval: 15},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.GetHealthInterval().Seconds(); got != 15 {
		t.Errorf("GetHealthInterval() = %v, want 15", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("KNXGW_DATABASE_PATH", "/custom/path.db")
	t.Setenv("KNXGW_MQTT_HOST", "mqtt.example.com")
	t.Setenv("KNXGW_MQTT_PORT", "8883")
	t.Setenv("KNXGW_MQTT_USERNAME", "testuser")
	t.Setenv("KNXGW_MQTT_PASSWORD", "testpass")
	t.Setenv("KNXGW_API_HOST", "192.168.1.1")
	t.Setenv("KNXGW_INFLUXDB_ENABLED", "true")
	t.Setenv("KNXGW_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("KNXGW_LOG_LEVEL", "debug")
	t.Setenv("KNXGW_JWT_SECRET", "jwt-secret")

	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Broker.Port", cfg.MQTT.Broker.Port, 8883},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Enabled", cfg.InfluxDB.Enabled, true},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestApplyEnvOverrides_BadNumber(t *testing.T) {
	t.Setenv("KNXGW_API_PORT", "eighty")
	if err := applyEnvOverrides(defaultConfig()); err == nil {
		t.Error("applyEnvOverrides() accepted a non-numeric port")
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := Path(); got != DefaultConfigPath {
		t.Errorf("Path() = %q, want %q", got, DefaultConfigPath)
	}
	t.Setenv(EnvConfigPath, "/etc/knxgw.yaml")
	if got := Path(); got != "/etc/knxgw.yaml" {
		t.Errorf("Path() = %q, want /etc/knxgw.yaml", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Gateway.QueueSize < 1 || cfg.Gateway.HealthInterval < 1 {
		t.Errorf("Gateway defaults = %+v", cfg.Gateway)
	}
	// Defaults alone lack only the secret.
	cfg.Security.JWT.Secret = validJWTSecret
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults with a secret should validate: %v", err)
	}
}
