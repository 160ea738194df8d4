package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Loader reads and validates the bootstrap configuration file.
type Loader struct{}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the YAML file at path, layers it over DefaultConfig via
// MergeNonZero, and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := MergeNonZero(*DefaultConfig(), overlay)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the bootstrap configuration for internally consistent
// values. It does not validate the tenant/upstream/route domain model — that
// is the management surface's responsibility per spec.md §6.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	switch cfg.Repository.Type {
	case "memory", "etcd":
	default:
		return fmt.Errorf("repository.type must be memory or etcd, got %q", cfg.Repository.Type)
	}
	if cfg.Repository.Type == "etcd" && len(cfg.Repository.Etcd.Endpoints) == 0 {
		return fmt.Errorf("repository.etcd.endpoints must be non-empty when repository.type=etcd")
	}
	if cfg.Resilience.HardMaxBodySize <= 0 || cfg.Resilience.HardMaxBodySize > 100<<20 {
		return fmt.Errorf("resilience.hard_max_body_size must be in (0, 100MiB]")
	}
	if cfg.Resilience.DefaultMaxBodySize > cfg.Resilience.HardMaxBodySize {
		return fmt.Errorf("resilience.default_max_body_size cannot exceed hard_max_body_size")
	}
	return nil
}
