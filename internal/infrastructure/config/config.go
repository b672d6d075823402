package config

import (
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Tydom bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Gateway connection modes.
const (
	GatewayModeAuto   = "auto"
	GatewayModeLocal  = "local"
	GatewayModeRemote = "remote"
)

// GatewayConfig is the persisted gateway record: where to connect, how to
// authenticate, and how often to refresh. It is read once at startup.
type GatewayConfig struct {
	Host     string `yaml:"host"`
	MAC      string `yaml:"mac"`
	Password string `yaml:"password"`
	Mode     string `yaml:"mode"`

	// AlarmPIN is sent with alarm arm/disarm commands.
	AlarmPIN string `yaml:"alarm_pin"`

	// Zones maps an alarm arming mode ("home", "night") to gateway zone ids.
	Zones map[string][]int `yaml:"zones"`

	RefreshInterval    int                    `yaml:"refresh_interval"`
	PollInterval       int                    `yaml:"poll_interval"`
	PingInterval       int                    `yaml:"ping_interval"`
	ConnectTimeout     int                    `yaml:"connect_timeout"`
	WriteTimeout       int                    `yaml:"write_timeout"`
	Heartbeat          HeartbeatConfig        `yaml:"heartbeat"`
	Reconnect          GatewayReconnectConfig `yaml:"reconnect"`
	InsecureSkipVerify bool                   `yaml:"insecure_skip_verify"`

	// AttributeFilter lists attribute names never exposed as discovery entities.
	AttributeFilter []string `yaml:"attribute_filter"`
}

// HeartbeatConfig contains WebSocket control-frame heartbeat settings.
// An interval of 0 disables the heartbeat.
type HeartbeatConfig struct {
	Interval    int `yaml:"interval"`
	PongTimeout int `yaml:"pong_timeout"`
}

// GatewayReconnectConfig contains gateway session reconnection settings.
type GatewayReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// CloudConfig contains vendor cloud account settings used to derive the
// gateway session password when none is configured.
type CloudConfig struct {
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	DiscoveryURL string `yaml:"discovery_url"`
	SitesURL     string `yaml:"sites_url"`
	ClientID     string `yaml:"client_id"`
	Scope        string `yaml:"scope"`
	Timeout      int    `yaml:"timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how many days of state history are kept; 0 keeps
	// everything.
	HistoryRetention int `yaml:"history_retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
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

// WebSocketConfig contains settings for the API event stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

// RedisConfig contains settings for the optional device state cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      int    `yaml:"ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TYDOMBRIDGE_SECTION_KEY
// For example: TYDOMBRIDGE_GATEWAY_HOST, TYDOMBRIDGE_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Mode:            GatewayModeAuto,
			RefreshInterval: 600,
			PollInterval:    300,
			PingInterval:    30,
			ConnectTimeout:  10,
			WriteTimeout:    5,
			Heartbeat: HeartbeatConfig{
				Interval:    20,
				PongTimeout: 10,
			},
			Reconnect: GatewayReconnectConfig{
				InitialDelay: 8,
				MaxDelay:     120,
			},
			InsecureSkipVerify: true,
		},
		Cloud: CloudConfig{
			DiscoveryURL: "https://deltadoreadb2ciot.b2clogin.com/deltadoreadb2ciot.onmicrosoft.com/v2.0/.well-known/openid-configuration?p=B2C_1_AccountProviderROPC_SignIn",
			SitesURL:     "https://prod.iotdeltadore.com/sitesmanagement/api/v1/sites",
			ClientID:     "8782839f-3264-472a-ab87-4d4e23524da4",
			Scope:        "openid profile offline_access https://deltadoreadb2ciot.onmicrosoft.com/iotapi/sites_management_gateway_credentials",
			Timeout:      10,
		},
		Database: DatabaseConfig{
			Path:        "./data/tydombridge.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tydom-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicPrefix: "tydom",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
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
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  86400,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TYDOMBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("TYDOMBRIDGE_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("TYDOMBRIDGE_GATEWAY_MAC"); v != "" {
		cfg.Gateway.MAC = v
	}
	if v := os.Getenv("TYDOMBRIDGE_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.Password = v
	}
	if v := os.Getenv("TYDOMBRIDGE_ALARM_PIN"); v != "" {
		cfg.Gateway.AlarmPIN = v
	}

	// Cloud account
	if v := os.Getenv("TYDOMBRIDGE_CLOUD_EMAIL"); v != "" {
		cfg.Cloud.Email = v
	}
	if v := os.Getenv("TYDOMBRIDGE_CLOUD_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}

	// Database
	if v := os.Getenv("TYDOMBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TYDOMBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TYDOMBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TYDOMBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("TYDOMBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("TYDOMBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Redis
	if v := os.Getenv("TYDOMBRIDGE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Gateway validation
	if c.Gateway.Host == "" {
		errs = append(errs, "gateway.host is required")
	}
	if c.Gateway.MAC == "" {
		errs = append(errs, "gateway.mac is required (set TYDOMBRIDGE_GATEWAY_MAC environment variable)")
	}
	switch c.Gateway.Mode {
	case GatewayModeAuto, GatewayModeLocal, GatewayModeRemote:
	default:
		errs = append(errs, "gateway.mode must be auto, local, or remote")
	}
	if c.Gateway.Password == "" {
		// Without a session password the cloud account must be able to derive one.
		if c.Cloud.Email == "" || c.Cloud.Password == "" {
			errs = append(errs, "gateway.password or cloud.email and cloud.password are required")
		} else if _, err := mail.ParseAddress(c.Cloud.Email); err != nil {
			errs = append(errs, "cloud.email is not a valid address")
		}
	}
	if c.Gateway.RefreshInterval < 0 || c.Gateway.PollInterval < 0 || c.Gateway.PingInterval < 0 {
		errs = append(errs, "gateway intervals must not be negative")
	}
	if c.Gateway.Reconnect.InitialDelay < 1 {
		errs = append(errs, "gateway.reconnect.initial_delay must be at least 1 second")
	}
	if c.Gateway.Reconnect.MaxDelay < c.Gateway.Reconnect.InitialDelay {
		errs = append(errs, "gateway.reconnect.max_delay must not be below initial_delay")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		errs = append(errs, "mqtt.topic_prefix must be non-empty and free of wildcards")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetRead returns the HTTP read timeout.
func (t APITimeoutConfig) GetRead() time.Duration { return seconds(t.Read) }

// GetWrite returns the HTTP write timeout.
func (t APITimeoutConfig) GetWrite() time.Duration { return seconds(t.Write) }

// GetIdle returns the HTTP keep-alive idle timeout.
func (t APITimeoutConfig) GetIdle() time.Duration { return seconds(t.Idle) }

// seconds converts a configured integer number of seconds into a Duration.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetRefreshInterval returns the full-refresh period.
func (g GatewayConfig) GetRefreshInterval() time.Duration { return seconds(g.RefreshInterval) }

// GetPollInterval returns the cdata polling period.
func (g GatewayConfig) GetPollInterval() time.Duration { return seconds(g.PollInterval) }

// GetPingInterval returns the application-level keepalive period.
func (g GatewayConfig) GetPingInterval() time.Duration { return seconds(g.PingInterval) }

// GetConnectTimeout returns the handshake timeout.
func (g GatewayConfig) GetConnectTimeout() time.Duration { return seconds(g.ConnectTimeout) }

// GetWriteTimeout returns the per-frame write deadline.
func (g GatewayConfig) GetWriteTimeout() time.Duration { return seconds(g.WriteTimeout) }

// GetReconnectDelay returns the delay before the first reconnect attempt.
func (g GatewayConfig) GetReconnectDelay() time.Duration { return seconds(g.Reconnect.InitialDelay) }

// GetMaxReconnectDelay returns the ceiling for reconnect backoff.
func (g GatewayConfig) GetMaxReconnectDelay() time.Duration { return seconds(g.Reconnect.MaxDelay) }

// GetHeartbeatInterval returns the WebSocket ping period, 0 when disabled.
func (g GatewayConfig) GetHeartbeatInterval() time.Duration { return seconds(g.Heartbeat.Interval) }

// GetPongTimeout returns how long past a heartbeat a pong may arrive.
func (g GatewayConfig) GetPongTimeout() time.Duration { return seconds(g.Heartbeat.PongTimeout) }

// GetTimeout returns the per-request timeout of the credential exchange.
func (c CloudConfig) GetTimeout() time.Duration { return seconds(c.Timeout) }

// GetHistoryRetention returns the state history retention, 0 meaning unlimited.
func (d DatabaseConfig) GetHistoryRetention() time.Duration {
	return time.Duration(d.HistoryRetention) * 24 * time.Hour
}
