// Package config loads the sketchd YAML configuration, including the
// board table that maps public board identifiers (FQBNs) onto toolchain
// platform profiles.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sketchd/pkg/types"
)

// Config is the complete system configuration, mapped from the YAML
// config file.
type Config struct {
	Toolchain struct {
		// Command is the toolchain executable, e.g. "platformio".
		Command string `yaml:"command"`
		// TimeoutSeconds bounds one toolchain invocation. A hung
		// compile must not pin a build slot forever.
		TimeoutSeconds int `yaml:"timeout_seconds"`
		// Jobs is the concurrency hint passed to each invocation.
		Jobs int `yaml:"jobs"`
	} `yaml:"toolchain"`

	Slots struct {
		Count int    `yaml:"count"` // max concurrent toolchain invocations
		Dir   string `yaml:"dir"`   // root for the per-slot workspaces
	} `yaml:"slots"`

	Artifacts struct {
		Dir string `yaml:"dir"` // on-disk library artifact cache root
		// Existence cache: avoids re-statting artifacts known good
		// within a session. Optimization only, never correctness.
		ExistenceCacheSize       int `yaml:"existence_cache_size"`
		ExistenceCacheTTLSeconds int `yaml:"existence_cache_ttl_seconds"`
	} `yaml:"artifacts"`

	Catalog struct {
		IndexURL string `yaml:"index_url"`
		// RefreshIntervalSeconds between index refreshes; 0 disables
		// periodic refresh.
		RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
		FetchTimeoutSeconds    int `yaml:"fetch_timeout_seconds"`
	} `yaml:"catalog"`

	ResultCache struct {
		Size       int `yaml:"size"`
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"result_cache"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Boards []types.Board `yaml:"boards"`
}

// Load reads and validates the config file at path, applying defaults
// for optional fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every optional field at its default.
// Boards are intentionally empty: the board table comes from the file.
func Default() *Config {
	cfg := &Config{}
	cfg.Toolchain.Command = "platformio"
	cfg.Toolchain.TimeoutSeconds = 300
	cfg.Toolchain.Jobs = 2
	cfg.Slots.Count = 10
	cfg.Slots.Dir = "build-slots"
	cfg.Artifacts.Dir = "arduino-libs"
	cfg.Artifacts.ExistenceCacheSize = 512
	cfg.Artifacts.ExistenceCacheTTLSeconds = 24 * 3600
	cfg.Catalog.IndexURL = "https://downloads.arduino.cc/libraries/library_index.json"
	cfg.Catalog.RefreshIntervalSeconds = 24 * 3600
	cfg.Catalog.FetchTimeoutSeconds = 60
	cfg.ResultCache.Size = 100
	cfg.ResultCache.TTLSeconds = 3600
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 9090
	return cfg
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Slots.Count <= 0 {
		return fmt.Errorf("slots.count must be positive, got %d", c.Slots.Count)
	}
	if c.Toolchain.Command == "" {
		return fmt.Errorf("toolchain.command is required")
	}
	if len(c.Boards) == 0 {
		return fmt.Errorf("at least one board must be configured")
	}
	seen := make(map[string]bool, len(c.Boards))
	for _, b := range c.Boards {
		if b.FQBN == "" || b.Name == "" || b.Platform == "" {
			return fmt.Errorf("board %q: fqbn, board and platform are all required", b.FQBN)
		}
		if seen[b.FQBN] {
			return fmt.Errorf("duplicate board fqbn %q", b.FQBN)
		}
		seen[b.FQBN] = true
		switch b.Encoding {
		case types.EncodingHex, types.EncodingBin, types.EncodingUF2:
		default:
			return fmt.Errorf("board %q: unknown encoding %q", b.FQBN, b.Encoding)
		}
	}
	return nil
}

// Board looks up a board by its FQBN.
func (c *Config) Board(fqbn string) (types.Board, bool) {
	for _, b := range c.Boards {
		if b.FQBN == fqbn {
			return b, true
		}
	}
	return types.Board{}, false
}

// ToolchainTimeout returns the configured toolchain deadline.
func (c *Config) ToolchainTimeout() time.Duration {
	return time.Duration(c.Toolchain.TimeoutSeconds) * time.Second
}

// CatalogRefreshInterval returns the index refresh period; zero
// disables periodic refresh.
func (c *Config) CatalogRefreshInterval() time.Duration {
	return time.Duration(c.Catalog.RefreshIntervalSeconds) * time.Second
}

// CatalogFetchTimeout bounds one outbound index or archive fetch.
func (c *Config) CatalogFetchTimeout() time.Duration {
	return time.Duration(c.Catalog.FetchTimeoutSeconds) * time.Second
}

// ResultCacheTTL returns the compiled-result cache entry lifetime.
func (c *Config) ResultCacheTTL() time.Duration {
	return time.Duration(c.ResultCache.TTLSeconds) * time.Second
}

// ExistenceCacheTTL returns the artifact existence cache entry lifetime.
func (c *Config) ExistenceCacheTTL() time.Duration {
	return time.Duration(c.Artifacts.ExistenceCacheTTLSeconds) * time.Second
}
