package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration from configDir.
// A missing teleforge.yaml is not an error; defaults apply unchanged.
func Initialize(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, "teleforge.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No teleforge.yaml found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		data = ExpandEnv(data)
		user := &Config{}
		if err := yaml.Unmarshal(data, user); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
		// Non-zero user values override defaults.
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"vision_enabled", cfg.Vision.Enabled,
		"crawl_enabled", cfg.Crawl.Enabled,
		"assembly_ttl", cfg.Album.AssemblyTTL,
		"max_deliveries", cfg.Bus.MaxDeliveries)
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Bus.MaxDeliveries < 1 {
		return fmt.Errorf("bus.max_deliveries must be >= 1, got %d", cfg.Bus.MaxDeliveries)
	}
	if cfg.Bus.ClaimMinIdle <= 0 {
		return fmt.Errorf("bus.claim_min_idle must be positive, got %v", cfg.Bus.ClaimMinIdle)
	}
	if cfg.Bus.BufferSize < 1 {
		return fmt.Errorf("bus.buffer_size must be >= 1, got %d", cfg.Bus.BufferSize)
	}
	if cfg.Bus.OutboxInterval <= 0 {
		return fmt.Errorf("bus.outbox_interval must be positive, got %v", cfg.Bus.OutboxInterval)
	}
	if cfg.Album.AssemblyTTL <= 0 {
		return fmt.Errorf("album.assembly_ttl must be positive, got %v", cfg.Album.AssemblyTTL)
	}
	if cfg.Storage.QuotaGBPerTenant <= 0 {
		return fmt.Errorf("storage.quota_gb_per_tenant must be positive, got %v", cfg.Storage.QuotaGBPerTenant)
	}
	if cfg.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.Vision.Enabled && cfg.Vision.Model == "" {
		return fmt.Errorf("vision.model is required when vision is enabled")
	}
	if cfg.Crawl.MaxRedirects < 0 {
		return fmt.Errorf("crawl.max_redirects must be >= 0, got %d", cfg.Crawl.MaxRedirects)
	}
	if cfg.Tagger.Enabled && cfg.Tagger.MaxTags < 1 {
		return fmt.Errorf("tagger.max_tags must be >= 1, got %d", cfg.Tagger.MaxTags)
	}
	if cfg.Indexer.Enabled && cfg.Indexer.VectorSize == 0 {
		return fmt.Errorf("indexer.vector_size must be >= 1")
	}
	if cfg.Retention.RetentionDays < 1 {
		return fmt.Errorf("retention.retention_days must be >= 1, got %d", cfg.Retention.RetentionDays)
	}
	return nil
}
