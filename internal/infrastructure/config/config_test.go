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

// validConfig returns defaults completed with the fields that have no default.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Gateway.Host = "192.168.1.20"
	cfg.Gateway.MAC = "001A25123456"
	cfg.Gateway.Password = "session-secret"
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
gateway:
  host: "192.168.1.20"
  mac: "001A25123456"
  password: "session-secret"
  alarm_pin: "1234"
  refresh_interval: 300
  zones:
    home: [1, 2]
    night: [3]
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.Host != "192.168.1.20" {
		t.Errorf("Gateway.Host = %q, want %q", cfg.Gateway.Host, "192.168.1.20")
	}
	if cfg.Gateway.AlarmPIN != "1234" {
		t.Errorf("Gateway.AlarmPIN = %q, want %q", cfg.Gateway.AlarmPIN, "1234")
	}
	if got := cfg.Gateway.GetRefreshInterval(); got != 5*time.Minute {
		t.Errorf("GetRefreshInterval() = %v, want 5m", got)
	}
	if got := cfg.Gateway.Zones["home"]; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Gateway.Zones[home] = %v, want [1 2]", got)
	}
	// Unset fields keep their defaults.
	if cfg.Gateway.Mode != GatewayModeAuto {
		t.Errorf("Gateway.Mode = %q, want %q", cfg.Gateway.Mode, GatewayModeAuto)
	}
	if cfg.MQTT.TopicPrefix != "tydom" {
		t.Errorf("MQTT.TopicPrefix = %q, want %q", cfg.MQTT.TopicPrefix, "tydom")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
gateway:
  host: ""
database:
  path: "/tmp/test.db"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error for empty gateway.host, got nil")
	}
	if !strings.Contains(err.Error(), "gateway.host is required") {
		t.Errorf("Load() error = %v, want mention of gateway.host", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Gateway.Host = "" },
			wantErr: true,
		},
		{
			name:    "missing mac",
			mutate:  func(c *Config) { c.Gateway.MAC = "" },
			wantErr: true,
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Gateway.Mode = "cloud" },
			wantErr: true,
		},
		{
			name:    "no password and no cloud account",
			mutate:  func(c *Config) { c.Gateway.Password = "" },
			wantErr: true,
		},
		{
			name: "no password but cloud account",
			mutate: func(c *Config) {
				c.Gateway.Password = ""
				c.Cloud.Email = "owner@example.com"
				c.Cloud.Password = "cloud-secret"
			},
		},
		{
			name: "cloud email malformed",
			mutate: func(c *Config) {
				c.Gateway.Password = ""
				c.Cloud.Email = "not-an-email"
				c.Cloud.Password = "cloud-secret"
			},
			wantErr: true,
		},
		{
			name:    "max delay below initial delay",
			mutate:  func(c *Config) { c.Gateway.Reconnect.MaxDelay = 1 },
			wantErr: true,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "negative history retention",
			mutate:  func(c *Config) { c.Database.HistoryRetention = -1 },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "wildcard topic prefix",
			mutate:  func(c *Config) { c.MQTT.TopicPrefix = "tydom/#" },
			wantErr: true,
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name: "invalid port ignored when api disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name: "redis enabled without addr",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Addr = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.API.Timeouts.GetRead().Seconds(); got != 30 {
		t.Errorf("GetRead() = %v, want 30", got)
	}

	if got := cfg.API.Timeouts.GetWrite().Seconds(); got != 45 {
		t.Errorf("GetWrite() = %v, want 45", got)
	}

	if got := cfg.API.Timeouts.GetIdle().Seconds(); got != 60 {
		t.Errorf("GetIdle() = %v, want 60", got)
	}
}

func TestGatewayConfig_Durations(t *testing.T) {
	g := defaultConfig().Gateway

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"refresh", g.GetRefreshInterval(), 10 * time.Minute},
		{"ping", g.GetPingInterval(), 30 * time.Second},
		{"connect", g.GetConnectTimeout(), 10 * time.Second},
		{"reconnect", g.GetReconnectDelay(), 8 * time.Second},
		{"max reconnect", g.GetMaxReconnectDelay(), 2 * time.Minute},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("TYDOMBRIDGE_GATEWAY_HOST", "mediation.tydom.com")
	t.Setenv("TYDOMBRIDGE_GATEWAY_MAC", "001A25ABCDEF")
	t.Setenv("TYDOMBRIDGE_GATEWAY_PASSWORD", "gw-pass")
	t.Setenv("TYDOMBRIDGE_ALARM_PIN", "9876")
	t.Setenv("TYDOMBRIDGE_CLOUD_EMAIL", "owner@example.com")
	t.Setenv("TYDOMBRIDGE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("TYDOMBRIDGE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("TYDOMBRIDGE_MQTT_USERNAME", "testuser")
	t.Setenv("TYDOMBRIDGE_MQTT_PASSWORD", "testpass")
	t.Setenv("TYDOMBRIDGE_API_HOST", "192.168.1.1")
	t.Setenv("TYDOMBRIDGE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("TYDOMBRIDGE_REDIS_ADDR", "redis:6379")

	applyEnvOverrides(cfg)

	checks := []struct {
		field, got, want string
	}{
		{"Gateway.Host", cfg.Gateway.Host, "mediation.tydom.com"},
		{"Gateway.MAC", cfg.Gateway.MAC, "001A25ABCDEF"},
		{"Gateway.Password", cfg.Gateway.Password, "gw-pass"},
		{"Gateway.AlarmPIN", cfg.Gateway.AlarmPIN, "9876"},
		{"Cloud.Email", cfg.Cloud.Email, "owner@example.com"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Redis.Addr", cfg.Redis.Addr, "redis:6379"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.Cloud.Timeout != 10 {
		t.Errorf("defaultConfig Cloud.Timeout = %d, want 10", cfg.Cloud.Timeout)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
