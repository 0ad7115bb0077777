package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Locker Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	Bus        BusConfig        `yaml:"bus"`
	Relay      RelayConfig      `yaml:"relay"`
	Zones      []ZoneConfig     `yaml:"zones"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Commands   CommandsConfig   `yaml:"commands"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SiteConfig contains site-specific information. A site is one physical
// installation (a gym, a pool, a changing area) served by one controller.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// BusConfig contains RS-485 / Modbus bus transport settings.
//
// Connection is a URL: "serial:///dev/ttyUSB0" for a local RS-485 adapter
// or "tcp://192.168.1.50:4196" for a serial-over-TCP gateway.
type BusConfig struct {
	Connection      string `yaml:"connection"`
	BaudRate        int    `yaml:"baud_rate"`
	ResponseTimeout int    `yaml:"response_timeout"`  // milliseconds
	InterCommandGap int    `yaml:"inter_command_gap"` // milliseconds
	RetryAttempts   int    `yaml:"retry_attempts"`
	RetryDelay      int    `yaml:"retry_delay"` // milliseconds
	StaleAfter      int    `yaml:"stale_after"` // seconds of idle before reopen
}

// RelayConfig contains lock pulse settings.
type RelayConfig struct {
	PulseDuration    int  `yaml:"pulse_duration"` // milliseconds
	VerifyAfterPulse bool `yaml:"verify_after_pulse"`
}

// ZoneConfig binds a contiguous locker number range to a run of relay boards.
type ZoneConfig struct {
	Name             string `yaml:"name"`
	FirstLocker      int    `yaml:"first_locker"`
	LastLocker       int    `yaml:"last_locker"`
	Boards           []int  `yaml:"boards"`
	ChannelsPerBoard int    `yaml:"channels_per_board"`
}

// AssignmentConfig contains locker assignment behaviour settings.
type AssignmentConfig struct {
	// DefaultMode is "automatic" or "manual".
	DefaultMode string `yaml:"default_mode"`

	// Modes overrides the default per kiosk id.
	Modes map[string]string `yaml:"modes"`

	// ReservationTTL is how long a reservation survives without
	// ownership confirmation, in seconds.
	ReservationTTL int `yaml:"reservation_ttl"`

	// VIPLockers lists locker ids provisioned as VIP-reserved. Only
	// identities scanned as VIP may be assigned these lockers.
	VIPLockers []int `yaml:"vip_lockers"`
}

// CommandsConfig contains command queue worker settings.
type CommandsConfig struct {
	PollInterval  int `yaml:"poll_interval"`  // milliseconds
	BackoffBase   int `yaml:"backoff_base"`   // milliseconds
	BackoffCap    int `yaml:"backoff_cap"`    // milliseconds
	PurgeInterval int `yaml:"purge_interval"` // seconds, 0 disables purging
	Retention     int `yaml:"retention"`      // hours to keep finished commands
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
// Environment variables follow the pattern: LOCKERCORE_SECTION_KEY
// For example: LOCKERCORE_DATABASE_PATH, LOCKERCORE_BUS_CONNECTION
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Locker Core",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/lockercore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Bus: BusConfig{
			Connection:      "serial:///dev/ttyUSB0",
			BaudRate:        9600,
			ResponseTimeout: 250,
			InterCommandGap: 50,
			RetryAttempts:   3,
			RetryDelay:      100,
			StaleAfter:      300,
		},
		Relay: RelayConfig{
			PulseDuration: 500,
		},
		Assignment: AssignmentConfig{
			DefaultMode:    "automatic",
			ReservationTTL: 90,
		},
		Commands: CommandsConfig{
			PollInterval:  250,
			BackoffBase:   2000,
			BackoffCap:    120000,
			PurgeInterval: 3600,
			Retention:     168,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lockercore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LOCKERCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Site
	if v := os.Getenv("LOCKERCORE_SITE_ID"); v != "" {
		cfg.Site.ID = v
	}

	// Database
	if v := os.Getenv("LOCKERCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Bus
	if v := os.Getenv("LOCKERCORE_BUS_CONNECTION"); v != "" {
		cfg.Bus.Connection = v
	}

	// MQTT
	if v := os.Getenv("LOCKERCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LOCKERCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LOCKERCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("LOCKERCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("LOCKERCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Bus validation
	if c.Bus.Connection == "" {
		errs = append(errs, "bus.connection is required")
	}
	if c.Bus.RetryAttempts < 1 {
		errs = append(errs, "bus.retry_attempts must be at least 1")
	}

	// Relay validation
	if c.Relay.PulseDuration < 1 {
		errs = append(errs, "relay.pulse_duration must be positive")
	}

	// Zone validation. Range and overlap rules are enforced when the
	// hardware mapping is built; here we only catch obviously broken entries.
	if len(c.Zones) == 0 {
		errs = append(errs, "at least one zone is required")
	}
	for i, z := range c.Zones {
		if z.Name == "" {
			errs = append(errs, fmt.Sprintf("zones[%d].name is required", i))
		}
		if len(z.Boards) == 0 {
			errs = append(errs, fmt.Sprintf("zones[%d].boards is required", i))
		}
	}

	// Assignment validation
	switch c.Assignment.DefaultMode {
	case "automatic", "manual":
	default:
		errs = append(errs, "assignment.default_mode must be automatic or manual")
	}
	for kiosk, mode := range c.Assignment.Modes {
		if mode != "automatic" && mode != "manual" {
			errs = append(errs, fmt.Sprintf("assignment.modes[%s] must be automatic or manual", kiosk))
		}
	}
	if c.Assignment.ReservationTTL < 1 {
		errs = append(errs, "assignment.reservation_ttl must be positive")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
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

// GetReservationTTL returns the reservation TTL as a Duration.
func (c *Config) GetReservationTTL() time.Duration {
	return time.Duration(c.Assignment.ReservationTTL) * time.Second
}

// GetPulseDuration returns the lock pulse duration as a Duration.
func (c *Config) GetPulseDuration() time.Duration {
	return time.Duration(c.Relay.PulseDuration) * time.Millisecond
}
