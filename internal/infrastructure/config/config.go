package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for em-ingest.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Devices  []DeviceConfig `yaml:"devices"`
	DataDir  string         `yaml:"data_dir"`
	Timezone string         `yaml:"timezone"`
	Device   DeviceOptions  `yaml:"device"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig identifies one energy meter on the network.
type DeviceConfig struct {
	// Name is the storage tag and archive directory name for the device.
	Name string `yaml:"name"`

	// Address is the host (optionally host:port) of the device's HTTP endpoint.
	Address string `yaml:"address"`
}

// DeviceOptions tunes the device protocol client.
type DeviceOptions struct {
	// RequestTimeout bounds each RPC round trip. Default: 3s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ReceiveTimeout bounds each wait for a push frame. Default: 5s
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// DownloadWorkers is the width of the fleet download pool. Default: 4
	DownloadWorkers int `yaml:"download_workers"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	Org             string `yaml:"org"`
	Bucket          string `yaml:"bucket"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryIntervalMS int    `yaml:"retry_interval_ms"`
}

// DatabaseConfig contains SQLite settings for the download ledger.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains settings for the optional live event relay.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML file at path over the defaults, applies EMINGEST_*
// environment overrides (for example EMINGEST_INFLUXDB_TOKEN) and validates
// the result.
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

func defaultConfig() *Config {
	return &Config{
		DataDir:  "./data",
		Timezone: "UTC",
		Device: DeviceOptions{
			RequestTimeout:  3 * time.Second,
			ReceiveTimeout:  5 * time.Second,
			DownloadWorkers: 4,
		},
		InfluxDB: InfluxDBConfig{
			URL:             "http://localhost:8086",
			BatchSize:       1000,
			FlushIntervalMS: 1000,
			MaxRetries:      5,
			RetryIntervalMS: 5000,
		},
		Database: DatabaseConfig{
			Path:        "./data/ledger.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "em-ingest",
			},
			QoS:         0,
			TopicPrefix: "emingest",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EMINGEST_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EMINGEST_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}

	// InfluxDB
	if v := os.Getenv("EMINGEST_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("EMINGEST_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Database
	if v := os.Getenv("EMINGEST_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("EMINGEST_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("EMINGEST_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("EMINGEST_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
}

// Validate returns one error listing every invalid field, or nil.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Devices) == 0 {
		errs = append(errs, "at least one device is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].name is required", i))
		} else if seen[d.Name] {
			errs = append(errs, fmt.Sprintf("devices[%d].name %q is duplicated", i, d.Name))
		}
		seen[d.Name] = true
		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].address is required", i))
		}
	}

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q is invalid", c.Timezone))
	}

	if c.Device.RequestTimeout <= 0 {
		errs = append(errs, "device.request_timeout must be positive")
	}
	if c.Device.ReceiveTimeout <= 0 {
		errs = append(errs, "device.receive_timeout must be positive")
	}
	if c.Device.DownloadWorkers < 1 {
		errs = append(errs, "device.download_workers must be at least 1")
	}

	if c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required")
	}
	if c.InfluxDB.Org == "" {
		errs = append(errs, "influxdb.org is required")
	}
	if c.InfluxDB.Bucket == "" {
		errs = append(errs, "influxdb.bucket is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the configured timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DeviceNames returns the configured device names in declaration order.
func (c *Config) DeviceNames() []string {
	names := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		names = append(names, d.Name)
	}
	return names
}
