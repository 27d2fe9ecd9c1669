package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for upnpd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Network   NetworkConfig   `yaml:"network"`
	HTTP      HTTPConfig      `yaml:"http"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	GENA      GENAConfig      `yaml:"gena"`
	Workers   WorkersConfig   `yaml:"workers"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Devices   DevicesConfig   `yaml:"devices"`
}

// NodeConfig identifies this UPnP node on the network.
type NodeConfig struct {
	// Product and Version form the product token of SERVER and USER-AGENT
	// headers.
	Product string `yaml:"product"`
	Version string `yaml:"version"`

	// BasePath prefixes every local resource URL (descriptors, control,
	// eventing).
	BasePath string `yaml:"base_path"`
}

// NetworkConfig selects interfaces and SSDP socket settings.
type NetworkConfig struct {
	// Interfaces restricts the node to the named interfaces. Empty means all
	// usable interfaces.
	Interfaces       []string `yaml:"interfaces"`
	IncludeLoopback  bool     `yaml:"include_loopback"`
	MulticastAddress string   `yaml:"multicast_address"`
	MulticastPort    int      `yaml:"multicast_port"`
	MulticastTTL     int      `yaml:"multicast_ttl"`

	// StreamPort is the TCP port of the HTTP stream server. 0 picks an
	// ephemeral port.
	StreamPort int `yaml:"stream_port"`
}

// HTTPConfig contains stream client timeouts and the router lock timeout.
// All values are in seconds.
type HTTPConfig struct {
	ConnectTimeout int   `yaml:"connect_timeout"`
	ReadTimeout    int   `yaml:"read_timeout"`
	LockTimeout    int   `yaml:"lock_timeout"`
	MaxBodySize    int64 `yaml:"max_body_size"`
}

// DiscoveryConfig contains SSDP advertisement and search settings.
type DiscoveryConfig struct {
	// MaxAge is the CACHE-CONTROL max-age of local devices in seconds.
	MaxAge int `yaml:"max_age"`

	// AliveInterval is the period of alive notifications in seconds. 0 means
	// max_age / 2.
	AliveInterval int `yaml:"alive_interval"`

	SearchMX      int  `yaml:"search_mx"`
	SearchOnStart bool `yaml:"search_on_start"`

	// BulkRepeat is how often every search and notification is sent.
	BulkRepeat int `yaml:"bulk_repeat"`

	// MaintenanceInterval is the period of the registry expiry sweep in
	// seconds.
	MaintenanceInterval int `yaml:"maintenance_interval"`
}

// GENAConfig contains eventing settings. Values are in seconds.
type GENAConfig struct {
	SubscriptionDuration int `yaml:"subscription_duration"`
	RenewalMargin        int `yaml:"renewal_margin"`

	// EventWait is how long an incoming event waits for its pending
	// subscription to be established.
	EventWait int `yaml:"event_wait"`

	// AutoSubscribe subscribes to every evented service of discovered
	// devices.
	AutoSubscribe bool `yaml:"auto_subscribe"`
}

// WorkersConfig sizes the inbound datagram dispatch pool.
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// DatabaseConfig contains SQLite settings of the event journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes journal entries older than this. 0 keeps
	// everything.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
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

// APIConfig contains the status API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`

	// StatsInterval is how often registry counts are recorded, in seconds.
	StatsInterval int `yaml:"stats_interval"`
}

// APITimeoutConfig contains HTTP server timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings of the live event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MetricsConfig contains the Prometheus endpoint settings. The endpoint is
// served by the API server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DevicesConfig lists the devices hosted by this node.
type DevicesConfig struct {
	BinaryLights []BinaryLightConfig `yaml:"binary_lights"`
}

// BinaryLightConfig describes one hosted BinaryLight.
type BinaryLightConfig struct {
	// Name is stable across restarts; the UDN is derived from it.
	Name         string `yaml:"name"`
	FriendlyName string `yaml:"friendly_name"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: UPNPD_SECTION_KEY
// For example: UPNPD_NETWORK_INTERFACES, UPNPD_MQTT_HOST
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

// Default returns the default configuration with environment overrides
// applied, for running without a config file.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Product:  "upnpd",
			Version:  "1.0",
			BasePath: "/upnp",
		},
		Network: NetworkConfig{
			MulticastAddress: "239.255.255.250",
			MulticastPort:    1900,
			MulticastTTL:     4,
		},
		HTTP: HTTPConfig{
			ConnectTimeout: 3,
			ReadTimeout:    2,
			LockTimeout:    6,
			MaxBodySize:    1 << 20,
		},
		Discovery: DiscoveryConfig{
			MaxAge:              1800,
			SearchMX:            3,
			SearchOnStart:       true,
			BulkRepeat:          2,
			MaintenanceInterval: 1,
		},
		GENA: GENAConfig{
			SubscriptionDuration: 1800,
			RenewalMargin:        60,
			EventWait:            2,
			AutoSubscribe:        true,
		},
		Workers: WorkersConfig{
			Count:     4,
			QueueSize: 100,
		},
		Database: DatabaseConfig{
			Path:          "./data/upnpd.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "upnpd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			StatsInterval: 15,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: UPNPD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Network
	if v := os.Getenv("UPNPD_NETWORK_INTERFACES"); v != "" {
		cfg.Network.Interfaces = splitList(v)
	}
	if v := os.Getenv("UPNPD_NETWORK_STREAM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Network.StreamPort = port
		}
	}

	// Database
	if v := os.Getenv("UPNPD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("UPNPD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("UPNPD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("UPNPD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("UPNPD_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("UPNPD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("UPNPD_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Logging
	if v := os.Getenv("UPNPD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Node.Product == "" || c.Node.Version == "" {
		errs = append(errs, "node.product and node.version are required")
	}
	if c.Node.BasePath != "" && !strings.HasPrefix(c.Node.BasePath, "/") {
		errs = append(errs, "node.base_path must start with /")
	}

	// Network validation
	if c.Network.MulticastPort < 1 || c.Network.MulticastPort > 65535 {
		errs = append(errs, "network.multicast_port must be between 1 and 65535")
	}
	if c.Network.StreamPort < 0 || c.Network.StreamPort > 65535 {
		errs = append(errs, "network.stream_port must be between 0 and 65535")
	}

	// The router lock must outlast any in-flight stream request, otherwise
	// a slow response could starve a disable request.
	if c.HTTP.ConnectTimeout <= 0 || c.HTTP.ReadTimeout <= 0 {
		errs = append(errs, "http.connect_timeout and http.read_timeout must be positive")
	}
	if c.HTTP.LockTimeout <= c.HTTP.ConnectTimeout || c.HTTP.LockTimeout <= c.HTTP.ReadTimeout {
		errs = append(errs, "http.lock_timeout must be longer than http.connect_timeout and http.read_timeout")
	}

	// Discovery validation
	if c.Discovery.MaxAge <= 0 {
		errs = append(errs, "discovery.max_age must be positive")
	}
	if c.Discovery.AliveInterval < 0 || (c.Discovery.AliveInterval > 0 && c.Discovery.AliveInterval >= c.Discovery.MaxAge) {
		errs = append(errs, "discovery.alive_interval must be shorter than discovery.max_age")
	}
	if c.Discovery.SearchMX < 1 || c.Discovery.SearchMX > 120 {
		errs = append(errs, "discovery.search_mx must be between 1 and 120")
	}
	if c.Discovery.BulkRepeat < 1 {
		errs = append(errs, "discovery.bulk_repeat must be at least 1")
	}

	// GENA validation
	if c.GENA.SubscriptionDuration <= 0 {
		errs = append(errs, "gena.subscription_duration must be positive")
	}
	if c.GENA.RenewalMargin < 0 || c.GENA.RenewalMargin >= c.GENA.SubscriptionDuration {
		errs = append(errs, "gena.renewal_margin must be shorter than gena.subscription_duration")
	}

	// Optional components
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
			errs = append(errs, "websocket.ping_interval and websocket.pong_timeout must be positive")
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			errs = append(errs, "websocket.path must start with /")
		}
	}
	if c.Metrics.Enabled {
		if !c.API.Enabled {
			errs = append(errs, "metrics require api.enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}
	if c.API.StatsInterval < 0 {
		errs = append(errs, "api.stats_interval must not be negative")
	}

	names := make(map[string]bool)
	for i, l := range c.Devices.BinaryLights {
		if l.Name == "" {
			errs = append(errs, fmt.Sprintf("devices.binary_lights[%d].name is required", i))
			continue
		}
		if names[l.Name] {
			errs = append(errs, fmt.Sprintf("devices.binary_lights: duplicate name %q", l.Name))
		}
		names[l.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the stream connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.HTTP.ConnectTimeout) * time.Second
}

// GetReadTimeout returns the stream read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.HTTP.ReadTimeout) * time.Second
}

// GetLockTimeout returns the router lock timeout as a Duration.
func (c *Config) GetLockTimeout() time.Duration {
	return time.Duration(c.HTTP.LockTimeout) * time.Second
}

// GetAliveInterval returns the alive notification period. Zero means the
// default of half the max-age.
func (c *Config) GetAliveInterval() time.Duration {
	return time.Duration(c.Discovery.AliveInterval) * time.Second
}

// GetMaintenanceInterval returns the registry sweep period as a Duration.
func (c *Config) GetMaintenanceInterval() time.Duration {
	return time.Duration(c.Discovery.MaintenanceInterval) * time.Second
}

// GetSubscriptionDuration returns the requested GENA subscription duration.
func (c *Config) GetSubscriptionDuration() time.Duration {
	return time.Duration(c.GENA.SubscriptionDuration) * time.Second
}

// GetEventWait returns the pending subscription wait as a Duration.
func (c *Config) GetEventWait() time.Duration {
	return time.Duration(c.GENA.EventWait) * time.Second
}

// GetRetention returns the journal retention as a Duration.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

// GetStatsInterval returns the registry count period as a Duration.
func (c *Config) GetStatsInterval() time.Duration {
	return time.Duration(c.API.StatsInterval) * time.Second
}

// GetRenewalMargin returns how long before expiry subscriptions are renewed.
func (c *Config) GetRenewalMargin() time.Duration {
	return time.Duration(c.GENA.RenewalMargin) * time.Second
}
