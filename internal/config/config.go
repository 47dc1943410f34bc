// Package config loads the fle-pump harness's configuration: local
// master-key file location, per-provider KMS endpoint overrides, broker
// resolution mode, and logging level. Follows the teacher's flat XxxConfig struct-of-structs style and
// its Load/env-override conventions (internal/config/config.go upstream).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the fle-pump harness configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Broker    BrokerConfig    `yaml:"broker"`
	LocalKMS  LocalKMSConfig  `yaml:"local_kms"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig mirrors the teacher's logging block.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // loaded but not read: fle-pump always logs JSON
}

// BrokerConfig controls the key broker's resolution mode (spec §9).
type BrokerConfig struct {
	// Mode is "strict" or "permissive". Strict is the default: any
	// requested key id or alt-name that does not resolve to a document
	// fails the operation.
	Mode string `yaml:"mode"`
}

// LocalKMSConfig points at the operator-managed master-key file backing
// the LOCAL KEK provider. The file is watched for rotation.
type LocalKMSConfig struct {
	MasterKeyFile string `yaml:"master_key_file"`
}

// EndpointsConfig holds one KMS endpoint override per provider. It is
// loaded from the file, but fle-pump does not read it: the harness has no
// remote KMS responder to point at these endpoints.
type EndpointsConfig struct {
	AWS   string `yaml:"aws"`
	Azure string `yaml:"azure"`
	GCP   string `yaml:"gcp"`
}

// TelemetryConfig controls the optional prometheus sink (internal/telemetry).
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port for the /metrics handler
}

// DefaultConfig returns the harness's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Broker: BrokerConfig{
			Mode: "strict",
		},
		LocalKMS: LocalKMSConfig{
			MasterKeyFile: "master.key",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9400",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration. An empty path loads
// defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLE_PUMP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLE_PUMP_BROKER_MODE"); v != "" {
		c.Broker.Mode = v
	}
	if v := os.Getenv("FLE_PUMP_MASTER_KEY_FILE"); v != "" {
		c.LocalKMS.MasterKeyFile = v
	}
	if v := os.Getenv("FLE_PUMP_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("FLE_PUMP_TELEMETRY_LISTEN"); v != "" {
		c.Telemetry.Listen = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	level := strings.ToLower(c.Logging.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	mode := strings.ToLower(c.Broker.Mode)
	if mode != "strict" && mode != "permissive" {
		return fmt.Errorf("invalid broker mode: %s", c.Broker.Mode)
	}

	if c.LocalKMS.MasterKeyFile == "" {
		return fmt.Errorf("local_kms.master_key_file is required")
	}
	return nil
}
