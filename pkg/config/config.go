// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/pkg/types"
)

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads configuration from a file, JSON first with a YAML
// fallback
func (m *Manager) LoadConfig(path string) (*types.PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg types.PipelineConfig

	if err := json.Unmarshal(data, &cfg); err == nil {
		return m.validate(&cfg)
	}

	if err := yaml.Unmarshal(data, &cfg); err == nil {
		return m.validate(&cfg)
	}

	return nil, fmt.Errorf("failed to parse config as JSON or YAML")
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *types.PipelineConfig) error {
	_, err := m.validate(cfg)
	return err
}

func (m *Manager) validate(cfg *types.PipelineConfig) (*types.PipelineConfig, error) {
	if cfg.Version != "1.0" {
		return nil, fmt.Errorf("unsupported config version: %q", cfg.Version)
	}
	if cfg.Package == "" {
		return nil, fmt.Errorf("package name is required")
	}
	if cfg.Source.Repository == "" {
		return nil, fmt.Errorf("source.repository is required")
	}
	if cfg.Source.Revision == "" {
		return nil, fmt.Errorf("source.revision is required")
	}
	if cfg.Credentials.Endpoint != "" {
		if cfg.Credentials.TokenEnv == "" {
			return nil, fmt.Errorf("credentials.tokenEnv is required when an endpoint is set")
		}
		if cfg.Credentials.HostPattern == "" {
			return nil, fmt.Errorf("credentials.hostPattern is required when an endpoint is set")
		}
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	if cfg.Verify.TimeoutMultiplier < 0 {
		return nil, fmt.Errorf("verify.timeoutMultiplier must not be negative")
	}
	switch cfg.LogLevel {
	case "", types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return nil, fmt.Errorf("invalid logLevel: %q", cfg.LogLevel)
	}
	return cfg, nil
}
