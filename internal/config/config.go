// ABOUTME: Configuration loading and parsing for coven-desk
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-desk configuration
type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Database DatabaseConfig `yaml:"database"`
	Vault    VaultConfig    `yaml:"vault"`
	Channels ChannelsConfig `yaml:"channels"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ClientConfig identifies this desk instance to gateways
type ClientConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// VaultConfig holds the master-password vault configuration
type VaultConfig struct {
	Path string `yaml:"path"`
}

// ChannelsConfig holds channel timing configuration
type ChannelsConfig struct {
	ReadTimeout       time.Duration `yaml:"-"`
	ConfigureTimeout  time.Duration `yaml:"-"`
	ConsentTimeout    time.Duration `yaml:"-"`
	ReconnectDelay    time.Duration `yaml:"-"`
	MaxReconnectDelay time.Duration `yaml:"-"`

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// Raw string values for YAML unmarshaling
	ReadTimeoutRaw       string `yaml:"read_timeout"`
	ConfigureTimeoutRaw  string `yaml:"configure_timeout"`
	ConsentTimeoutRaw    string `yaml:"consent_timeout"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay"`
	MaxReconnectDelayRaw string `yaml:"max_reconnect_delay"`
}

// NotifyConfig holds desktop notification configuration
type NotifyConfig struct {
	Desktop bool `yaml:"desktop"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
// dataDir is the per-user data directory holding the database and vault.
func Default(dataDir string) *Config {
	return &Config{
		Client: ClientConfig{
			Name:    "coven-desk",
			Version: "dev",
		},
		Database: DatabaseConfig{Path: filepath.Join(dataDir, "desk.db")},
		Vault:    VaultConfig{Path: filepath.Join(dataDir, "vault.json")},
		Notify:   NotifyConfig{Desktop: true},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Vault.Path == "" {
		return fmt.Errorf("vault.path is required")
	}
	if c.Channels.MaxReconnectAttempts < 0 {
		return fmt.Errorf("channels.max_reconnect_attempts must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("logging.format must be text, json, or color")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Channels.ReadTimeoutRaw, &cfg.Channels.ReadTimeout, "read_timeout"},
		{cfg.Channels.ConfigureTimeoutRaw, &cfg.Channels.ConfigureTimeout, "configure_timeout"},
		{cfg.Channels.ConsentTimeoutRaw, &cfg.Channels.ConsentTimeout, "consent_timeout"},
		{cfg.Channels.ReconnectDelayRaw, &cfg.Channels.ReconnectDelay, "reconnect_delay"},
		{cfg.Channels.MaxReconnectDelayRaw, &cfg.Channels.MaxReconnectDelay, "max_reconnect_delay"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
