package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "KNXGW_CONFIG"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "configs/config.yaml"

// Config is the root configuration structure for the KNX gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database       DatabaseConfig      `yaml:"database"`
	MQTT           MQTTConfig          `yaml:"mqtt"`
	API            APIConfig           `yaml:"api"`
	WebSocket      WebSocketConfig     `yaml:"websocket"`
	InfluxDB       InfluxDBConfig      `yaml:"influxdb"`
	Logging        LoggingConfig       `yaml:"logging"`
	Security       SecurityConfig      `yaml:"security"`
	Gateway        GatewaySettings     `yaml:"gateway"`
	Configurations []SeedConfiguration `yaml:"configurations"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB settings for attribute value history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains the HS256 key used to verify API bearer tokens.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// GatewaySettings tunes the bus connections and health reporting.
type GatewaySettings struct {
	// ConnectTimeout bounds one dial attempt (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReconnectInterval is the first retry delay after link loss (seconds).
	ReconnectInterval int `yaml:"reconnect_interval"`

	// MaxReconnectAttempts limits retries after link loss. 0 disables
	// reconnection.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReadOnSubscribe issues a GroupRead for each new status datapoint.
	ReadOnSubscribe bool `yaml:"read_on_subscribe"`

	// QueueSize bounds each connection's send and callback queues.
	QueueSize int `yaml:"queue_size"`

	// HealthInterval is how often health is published (seconds).
	HealthInterval int `yaml:"health_interval"`
}

// SeedConfiguration is a gateway configuration written to the database on
// first start. Connection fields are raw strings, exactly as an operator
// would enter them.
type SeedConfiguration struct {
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name"`
	Enabled         *bool      `yaml:"enabled"`
	GatewayIP       string     `yaml:"gateway_ip"`
	ConnectionType  string     `yaml:"connection_type"`
	Port            string     `yaml:"gateway_port"`
	UseNAT          string     `yaml:"use_nat"`
	LocalBusAddress string     `yaml:"local_bus_address"`
	LocalIP         string     `yaml:"local_ip"`
	Links           []SeedLink `yaml:"links"`
}

// IsEnabled reports whether the seed is enabled; absent means enabled.
func (s SeedConfiguration) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SeedLink links one attribute to the enclosing seed configuration.
type SeedLink struct {
	AssetID       string `yaml:"asset_id"`
	Attribute     string `yaml:"attribute"`
	DatapointType string `yaml:"dpt"`
	StatusAddress string `yaml:"status_address"`
	ActionAddress string `yaml:"action_address"`
}

// Path returns the config file path from KNXGW_CONFIG, or the default.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KNXGW_SECTION_KEY
// For example: KNXGW_DATABASE_PATH, KNXGW_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/knxgateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "knxgateway",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
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
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "knxgateway",
			Bucket:        "attributes",
			BatchSize:     500,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{Issuer: "knxgateway"},
		},
		Gateway: GatewaySettings{
			ConnectTimeout:       10,
			ReconnectInterval:    5,
			MaxReconnectAttempts: 10,
			ReadOnSubscribe:      true,
			QueueSize:            100,
			HealthInterval:       30,
		},
	}
}

// applyEnvOverrides applies KNXGW_* environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"KNXGW_DATABASE_PATH":  &cfg.Database.Path,
		"KNXGW_MQTT_HOST":      &cfg.MQTT.Broker.Host,
		"KNXGW_MQTT_USERNAME":  &cfg.MQTT.Auth.Username,
		"KNXGW_MQTT_PASSWORD":  &cfg.MQTT.Auth.Password,
		"KNXGW_API_HOST":       &cfg.API.Host,
		"KNXGW_INFLUXDB_URL":   &cfg.InfluxDB.URL,
		"KNXGW_INFLUXDB_TOKEN": &cfg.InfluxDB.Token,
		"KNXGW_LOG_LEVEL":      &cfg.Logging.Level,
		"KNXGW_JWT_SECRET":     &cfg.Security.JWT.Secret,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"KNXGW_MQTT_PORT": &cfg.MQTT.Broker.Port,
		"KNXGW_API_PORT":  &cfg.API.Port,
	}
	for env, dst := range ints {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env, err)
		}
		*dst = n
	}

	if v := os.Getenv("KNXGW_INFLUXDB_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing KNXGW_INFLUXDB_ENABLED: %w", err)
		}
		cfg.InfluxDB.Enabled = enabled
	}
	return nil
}

// minJWTSecretLength is the shortest accepted HS256 signing key.
const minJWTSecretLength = 32

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Mutating API routes drive physical actuators; a guessable key would
	// let anyone forge a token.
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set KNXGW_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Gateway.QueueSize < 1 {
		errs = append(errs, "gateway.queue_size must be positive")
	}
	if c.Gateway.MaxReconnectAttempts < 0 {
		errs = append(errs, "gateway.max_reconnect_attempts must not be negative")
	}
	if c.Gateway.HealthInterval < 1 {
		errs = append(errs, "gateway.health_interval must be positive")
	}

	errs = append(errs, c.validateSeeds()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateSeeds checks seed identity and link shape. Connection fields are
// not checked here; an invalid seed is stored and reports status error.
func (c *Config) validateSeeds() []string {
	var errs []string
	seen := make(map[string]bool)
	linked := make(map[string]string)
	for i, s := range c.Configurations {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("configurations[%d].id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("configurations[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true

		for j, l := range s.Links {
			field := fmt.Sprintf("configurations[%d].links[%d]", i, j)
			if l.AssetID == "" || l.Attribute == "" {
				errs = append(errs, field+": asset_id and attribute are required")
				continue
			}
			if l.DatapointType == "" {
				errs = append(errs, field+".dpt is required")
			}
			key := l.AssetID + "/" + l.Attribute
			if prev, ok := linked[key]; ok {
				errs = append(errs, fmt.Sprintf("%s: %s is already linked to %q", field, key, prev))
			}
			linked[key] = s.ID
		}
	}
	return errs
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

// GetHealthInterval returns the health publication period.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Gateway.HealthInterval) * time.Second
}
