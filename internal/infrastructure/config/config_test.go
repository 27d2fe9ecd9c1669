package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "upnpd.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
network:
  interfaces: ["eth0"]
  stream_port: 49152
discovery:
  max_age: 900
  search_mx: 2
gena:
  subscription_duration: 600
database:
  enabled: true
  path: "/tmp/journal.db"
mqtt:
  enabled: true
  broker:
    host: "broker.local"
  qos: 1
devices:
  binary_lights:
    - name: hall
      friendly_name: "Hall light"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Network.Interfaces) != 1 || cfg.Network.Interfaces[0] != "eth0" {
		t.Errorf("Network.Interfaces = %v, want [eth0]", cfg.Network.Interfaces)
	}
	if cfg.Network.StreamPort != 49152 {
		t.Errorf("Network.StreamPort = %d, want 49152", cfg.Network.StreamPort)
	}
	if cfg.Discovery.MaxAge != 900 {
		t.Errorf("Discovery.MaxAge = %d, want 900", cfg.Discovery.MaxAge)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	// Unset values keep their defaults.
	if cfg.Network.MulticastPort != 1900 {
		t.Errorf("Network.MulticastPort = %d, want 1900", cfg.Network.MulticastPort)
	}
	if len(cfg.Devices.BinaryLights) != 1 || cfg.Devices.BinaryLights[0].FriendlyName != "Hall light" {
		t.Errorf("Devices.BinaryLights = %+v", cfg.Devices.BinaryLights)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/upnpd.yaml")
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
http:
  lock_timeout: 2
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for short lock_timeout, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{
			name:    "lock timeout equal to read timeout",
			mutate:  func(c *Config) { c.HTTP.ReadTimeout = 6 },
			wantErr: true,
		},
		{
			name:    "lock timeout shorter than connect timeout",
			mutate:  func(c *Config) { c.HTTP.LockTimeout = 2 },
			wantErr: true,
		},
		{
			name:    "zero read timeout",
			mutate:  func(c *Config) { c.HTTP.ReadTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid multicast port",
			mutate:  func(c *Config) { c.Network.MulticastPort = 0 },
			wantErr: true,
		},
		{
			name:    "invalid stream port",
			mutate:  func(c *Config) { c.Network.StreamPort = 70000 },
			wantErr: true,
		},
		{
			name:    "search mx too high",
			mutate:  func(c *Config) { c.Discovery.SearchMX = 121 },
			wantErr: true,
		},
		{
			name:    "alive interval not shorter than max age",
			mutate:  func(c *Config) { c.Discovery.AliveInterval = c.Discovery.MaxAge },
			wantErr: true,
		},
		{
			name:    "renewal margin not shorter than duration",
			mutate:  func(c *Config) { c.GENA.RenewalMargin = c.GENA.SubscriptionDuration },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name: "influxdb enabled without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.Bucket = "upnp"
			},
			wantErr: true,
		},
		{
			name:    "relative base path",
			mutate:  func(c *Config) { c.Node.BasePath = "upnp" },
			wantErr: true,
		},
		{
			name: "duplicate binary light",
			mutate: func(c *Config) {
				c.Devices.BinaryLights = []BinaryLightConfig{{Name: "hall"}, {Name: "hall"}}
			},
			wantErr: true,
		},
		{
			name:    "metrics without api",
			mutate:  func(c *Config) { c.Metrics.Enabled = true },
			wantErr: true,
		},
		{
			name: "metrics on api",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.Metrics.Enabled = true
			},
			wantErr: false,
		},
		{
			name: "api port out of range",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.Port = 0
			},
			wantErr: true,
		},
		{
			name: "relative websocket path",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.WebSocket.Path = "ws"
			},
			wantErr: true,
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Database.RetentionDays = -1 },
			wantErr: true,
		},
		{
			name:    "unnamed binary light",
			mutate:  func(c *Config) { c.Devices.BinaryLights = []BinaryLightConfig{{FriendlyName: "Hall"}} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetConnectTimeout(); got != 3*time.Second {
		t.Errorf("GetConnectTimeout() = %v, want 3s", got)
	}
	if got := cfg.GetReadTimeout(); got != 2*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 2s", got)
	}
	if got := cfg.GetLockTimeout(); got != 6*time.Second {
		t.Errorf("GetLockTimeout() = %v, want 6s", got)
	}
	if got := cfg.GetRenewalMargin(); got != time.Minute {
		t.Errorf("GetRenewalMargin() = %v, want 1m", got)
	}
	if got := cfg.GetAliveInterval(); got != 0 {
		t.Errorf("GetAliveInterval() = %v, want 0", got)
	}
	if got := cfg.GetRetention(); got != 30*24*time.Hour {
		t.Errorf("GetRetention() = %v, want 720h", got)
	}
	if got := cfg.GetStatsInterval(); got != 15*time.Second {
		t.Errorf("GetStatsInterval() = %v, want 15s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("UPNPD_NETWORK_INTERFACES", "eth0, wlan0,")
	t.Setenv("UPNPD_NETWORK_STREAM_PORT", "50000")
	t.Setenv("UPNPD_DATABASE_PATH", "/custom/path.db")
	t.Setenv("UPNPD_MQTT_HOST", "mqtt.example.com")
	t.Setenv("UPNPD_MQTT_USERNAME", "testuser")
	t.Setenv("UPNPD_MQTT_PASSWORD", "testpass")
	t.Setenv("UPNPD_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("UPNPD_API_PORT", "9000")
	t.Setenv("UPNPD_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if len(cfg.Network.Interfaces) != 2 || cfg.Network.Interfaces[1] != "wlan0" {
		t.Errorf("Network.Interfaces = %v, want [eth0 wlan0]", cfg.Network.Interfaces)
	}
	if cfg.Network.StreamPort != 50000 {
		t.Errorf("Network.StreamPort = %d, want 50000", cfg.Network.StreamPort)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" || cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth = %+v", cfg.MQTT.Auth)
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaultConfig does not validate: %v", err)
	}
	if cfg.Network.MulticastAddress != "239.255.255.250" {
		t.Errorf("defaultConfig Network.MulticastAddress = %q", cfg.Network.MulticastAddress)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.Database.Enabled || cfg.MQTT.Enabled || cfg.InfluxDB.Enabled || cfg.Metrics.Enabled || cfg.API.Enabled {
		t.Error("optional integrations should be disabled by default")
	}
}
