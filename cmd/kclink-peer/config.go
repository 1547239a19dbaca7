package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kclink/kclink-go/pkg/channel"
	"github.com/kclink/kclink-go/pkg/connection"
	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/pairing"
)

// Settings backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config is the kclink-peer configuration file.
type Config struct {
	Name        string          `yaml:"name"`
	Type        string          `yaml:"type"`
	DataDir     string          `yaml:"data_dir"`
	Listen      string          `yaml:"listen"`
	PairTimeout time.Duration   `yaml:"pair_timeout"`
	Store       StoreConfig     `yaml:"store"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// StoreConfig selects where device records are kept.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	// Path defaults to a file in DataDir.
	Path    string `yaml:"path"`
	WALMode bool   `yaml:"wal_mode"`
}

// ReconnectConfig controls the per-device connection supervisor.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PairedOnly   bool          `yaml:"paired_only"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MQTTConfig configures the optional notification bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      int    `yaml:"qos"`
}

// LoggingConfig configures operational and protocol logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// ProtocolLog is a .klog file receiving packet and state events.
	ProtocolLog string `yaml:"protocol_log"`
}

func defaultConfig() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "kclink"
	}
	return &Config{
		Name:        name,
		Type:        string(identity.TypeDesktop),
		DataDir:     "kclink-data",
		Listen:      fmt.Sprintf(":%d", channel.DefaultPort),
		PairTimeout: pairing.DefaultTimeout,
		Store: StoreConfig{
			Backend: StoreSQLite,
			WALMode: true,
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			PairedOnly:   true,
			InitialDelay: connection.InitialBackoff,
			MaxDelay:     connection.MaxBackoff,
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
			QoS:    1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path on top of the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KCLINK_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("KCLINK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KCLINK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("KCLINK_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("KCLINK_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("KCLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("KCLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("KCLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if identity.ParseType(c.Type) == identity.TypeUnknown {
		errs = append(errs, fmt.Errorf("type %q is not a known device type", c.Type))
	}
	if _, port, err := net.SplitHostPort(c.Listen); err != nil || port == "" {
		errs = append(errs, fmt.Errorf("listen address %q must be host:port", c.Listen))
	}
	if c.PairTimeout <= 0 {
		errs = append(errs, errors.New("pair_timeout must be positive"))
	}

	switch c.Store.Backend {
	case StoreMemory, StoreFile, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be one of memory, file, sqlite", c.Store.Backend))
	}
	if c.Store.Backend != StoreMemory && c.DataDir == "" && c.Store.Path == "" {
		errs = append(errs, errors.New("data_dir or store.path is required for persistent stores"))
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.InitialDelay <= 0 {
			errs = append(errs, errors.New("reconnect.initial_delay must be positive"))
		}
		if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
			errs = append(errs, errors.New("reconnect.max_delay must not be below initial_delay"))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is invalid", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is invalid", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// StorePath returns the settings file for the configured backend.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	switch c.Store.Backend {
	case StoreFile:
		return filepath.Join(c.DataDir, "settings.json")
	case StoreSQLite:
		return filepath.Join(c.DataDir, "settings.db")
	}
	return ""
}

// ListenPort returns the TCP port announced to peers.
func (c *Config) ListenPort() int {
	_, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return channel.DefaultPort
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 {
		return channel.DefaultPort
	}
	return n
}
