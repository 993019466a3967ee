// Package config provides typed configuration records for the parley
// agent core: LLM models, tool servers, approval policy, timeouts, and
// reconnect parameters. Parsing is YAML with ${VAR} env expansion in
// server endpoint values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Timeouts = cfg.Timeouts.WithDefaults()
	cfg.Reconnect = cfg.Reconnect.WithDefaults()

	for name, m := range cfg.Models {
		if m == nil {
			return nil, fmt.Errorf("model %q: empty record", name)
		}
		if m.Name == "" {
			m.Name = name
		}
		if m.KeySource == "" {
			m.KeySource = KeySourceSystem
		}
	}

	for name, s := range cfg.Servers {
		if s == nil {
			return nil, fmt.Errorf("tool server %q: empty record", name)
		}
		if s.AuthType == "" {
			s.AuthType = AuthTypeNone
		}
		if s.APIKeyHeader == "" {
			s.APIKeyHeader = DefaultAPIKeyHeader
		}
	}

	return &cfg, nil
}
