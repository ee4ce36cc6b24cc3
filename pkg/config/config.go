// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the pipeline configuration from a YAML file with
// environment overrides on top. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/adxyz/pulse/pkg/analytics"
	"github.com/adxyz/pulse/pkg/cache"
	"github.com/adxyz/pulse/pkg/ratelimit"
	"github.com/adxyz/pulse/pkg/upstream"
)

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	// ListenAddr serves the public API
	ListenAddr string `yaml:"listen_addr"`

	// AdminAddr serves health, metrics and debug endpoints
	AdminAddr string `yaml:"admin_addr"`

	// AllowedOrigins is the CORS allowlist for the dashboard
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig selects the snapshot store backing the cache
type StorageConfig struct {
	// Type is "badger" or "memory"
	Type string `yaml:"type"`

	// Path is the badger data directory
	Path string `yaml:"path"`
}

// RateLimitConfig holds the per-tier quota settings
type RateLimitConfig struct {
	// Tiers maps tier name to limiter settings
	Tiers map[string]ratelimit.Config `yaml:"tiers"`

	// DefaultTier is used for unknown tier names
	DefaultTier string `yaml:"default_tier"`
}

// UpstreamConfig wraps the client settings with an enable switch
type UpstreamConfig struct {
	Enabled         bool `yaml:"enabled"`
	upstream.Config `yaml:",inline"`
}

// Config is the full pipeline configuration
type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Cache     cache.Config     `yaml:"cache"`
	Analytics analytics.Config `yaml:"analytics"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
}

// envOverrides are the settings operators most often inject at deploy time
type envOverrides struct {
	LogLevel   string `env:"PULSE_LOG_LEVEL"`
	ListenAddr string `env:"PULSE_LISTEN_ADDR"`
	AdminAddr  string `env:"PULSE_ADMIN_ADDR"`
	DataPath   string `env:"PULSE_DATA_PATH"`
	APIKey     string `env:"PULSE_UPSTREAM_API_KEY"`
	BaseURL    string `env:"PULSE_UPSTREAM_BASE_URL"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:   ":8080",
			AdminAddr:    ":9090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Type: "badger",
			Path: "data",
		},
		RateLimit: RateLimitConfig{
			Tiers:       ratelimit.TierConfigs(),
			DefaultTier: ratelimit.TierStandard,
		},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	applyOverrides(cfg, ov)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, ov envOverrides) {
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if ov.ListenAddr != "" {
		cfg.Server.ListenAddr = ov.ListenAddr
	}
	if ov.AdminAddr != "" {
		cfg.Server.AdminAddr = ov.AdminAddr
	}
	if ov.DataPath != "" {
		cfg.Storage.Path = ov.DataPath
	}
	if ov.APIKey != "" {
		cfg.Upstream.APIKey = ov.APIKey
	}
	if ov.BaseURL != "" {
		cfg.Upstream.BaseURL = ov.BaseURL
	}
}

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// Validate rejects configurations the daemon cannot start with
func (c *Config) Validate() error {
	if _, ok := validLogLevels[c.LogLevel]; !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr is required")
	}
	if c.Storage.Type != "badger" && c.Storage.Type != "memory" {
		return fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
	if c.Storage.Type == "badger" && c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required for badger")
	}
	if len(c.RateLimit.Tiers) == 0 {
		return fmt.Errorf("config: at least one rate limit tier is required")
	}
	if _, ok := c.RateLimit.Tiers[c.RateLimit.DefaultTier]; !ok {
		return fmt.Errorf("config: default tier %q is not defined", c.RateLimit.DefaultTier)
	}
	if c.Upstream.Enabled && c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: upstream.base_url is required when upstream is enabled")
	}
	return nil
}
