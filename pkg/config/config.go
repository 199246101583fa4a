// Copyright 2025 Certen Protocol
//
// Buffer Manager Configuration Loader
//
// This package provides configuration loading for the commit pipeline
// buffer manager from YAML files with environment variable substitution,
// following the same loader shape as the anchor configuration loader.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ==============================================================================
// Buffer Manager Configuration Structures
// ==============================================================================

// BufferConfig holds all buffer-manager configuration.
type BufferConfig struct {
	Environment string `yaml:"environment"`

	Validator ValidatorSettings `yaml:"validator"`
	Pipeline  PipelineSettings  `yaml:"pipeline"`
	Storage   StorageSettings   `yaml:"storage"`
	Monitoring MonitoringSettings `yaml:"monitoring"`
}

// ValidatorSettings identifies this node within the validator set.
type ValidatorSettings struct {
	ID             string `yaml:"id"`
	Ed25519KeyPath string `yaml:"ed25519_key_path"`
}

// PipelineSettings tunes the Dispatcher's runtime behavior.
type PipelineSettings struct {
	RetryInterval       Duration `yaml:"retry_interval"`
	OrderedBlocksBuffer int      `yaml:"ordered_blocks_buffer"`
	SyncBuffer          int      `yaml:"sync_buffer"`
	ExecResponseBuffer  int      `yaml:"exec_response_buffer"`
	SignResponseBuffer  int      `yaml:"sign_response_buffer"`
	VoteBuffer          int      `yaml:"vote_buffer"`
}

// StorageSettings configures where persisted commit prefixes are written.
type StorageSettings struct {
	Backend string `yaml:"backend"` // "memory" or "leveldb"
	DataDir string `yaml:"data_dir"`
}

// MonitoringSettings configures Prometheus and logging.
type MonitoringSettings struct {
	Metrics MetricsSettings `yaml:"metrics"`
	Logging LoggingSettings `yaml:"logging"`
}

// MetricsSettings contains Prometheus metrics configuration.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingSettings contains logging configuration.
type LoggingSettings struct {
	Level string `yaml:"level"`
}

// ==============================================================================
// Duration Type for YAML Parsing
// ==============================================================================

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ==============================================================================
// Configuration Loading
// ==============================================================================

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads buffer manager configuration from a YAML file, substituting
// ${VAR_NAME} environment references, and applies defaults for anything
// left unset.
func Load(path string) (*BufferConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))

	var cfg BufferConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *BufferConfig) applyDefaults() {
	if c.Pipeline.RetryInterval == 0 {
		c.Pipeline.RetryInterval = Duration(time.Second)
	}
	if c.Pipeline.OrderedBlocksBuffer == 0 {
		c.Pipeline.OrderedBlocksBuffer = 64
	}
	if c.Pipeline.SyncBuffer == 0 {
		c.Pipeline.SyncBuffer = 4
	}
	if c.Pipeline.ExecResponseBuffer == 0 {
		c.Pipeline.ExecResponseBuffer = 64
	}
	if c.Pipeline.SignResponseBuffer == 0 {
		c.Pipeline.SignResponseBuffer = 64
	}
	if c.Pipeline.VoteBuffer == 0 {
		c.Pipeline.VoteBuffer = 256
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Monitoring.Metrics.Addr == "" {
		c.Monitoring.Metrics.Addr = ":9100"
	}
	if c.Monitoring.Metrics.Path == "" {
		c.Monitoring.Metrics.Path = "/metrics"
	}
	if c.Monitoring.Logging.Level == "" {
		c.Monitoring.Logging.Level = "info"
	}
}

// Validate rejects configurations missing fields required to run.
func (c *BufferConfig) Validate() error {
	if c.Validator.ID == "" {
		return fmt.Errorf("validator.id is required")
	}
	if c.Storage.Backend == "leveldb" && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required when storage.backend is leveldb")
	}
	return nil
}
