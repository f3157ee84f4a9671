// Package config loads runtime settings for the loom engine. Priority:
// .loom/config.yaml overrides > loom.toml > built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"loom/pkg/dialogue"
	"loom/pkg/topic"
)

// Config is the full runtime configuration.
type Config struct {
	// DBPath is the runtime SQLite database, relative paths resolve
	// against the project root.
	DBPath string `yaml:"db_path" toml:"db_path"`

	Pool    PoolConfig    `yaml:"pool" toml:"pool"`
	Queue   QueueConfig   `yaml:"queue" toml:"queue"`
	Tracker TrackerConfig `yaml:"tracker" toml:"tracker"`
}

// PoolConfig tunes the dialogue pool.
type PoolConfig struct {
	MaxSize     int     `yaml:"max_size" toml:"max_size"`
	MinHeat     float64 `yaml:"min_heat" toml:"min_heat"`
	HeatDecay   float64 `yaml:"heat_decay" toml:"heat_decay"`
	MaxAgeHours float64 `yaml:"max_age_hours" toml:"max_age_hours"`
}

// QueueConfig tunes the worker loop over the task queue.
type QueueConfig struct {
	Workers int `yaml:"workers" toml:"workers"`
}

// TrackerConfig tunes the topic tracker.
type TrackerConfig struct {
	FetchTimeoutSeconds float64 `yaml:"fetch_timeout_seconds" toml:"fetch_timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath: filepath.Join(".loom", "state.db"),
		Pool: PoolConfig{
			MaxSize:     100,
			MinHeat:     0.5,
			HeatDecay:   0.1,
			MaxAgeHours: 24,
		},
		Queue:   QueueConfig{Workers: 4},
		Tracker: TrackerConfig{FetchTimeoutSeconds: 5},
	}
}

// Load reads configuration from projectRoot. A missing file is not an
// error; a present but unparseable file is.
func Load(projectRoot string) (Config, error) {
	cfg := Default()

	yamlPath := filepath.Join(projectRoot, ".loom", "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		return cfg.normalized(), nil
	}

	tomlPath := filepath.Join(projectRoot, "loom.toml")
	if data, err := os.ReadFile(tomlPath); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", tomlPath, err)
		}
		return cfg.normalized(), nil
	}

	return cfg, nil
}

// normalized fills holes a partial config file leaves behind.
func (c Config) normalized() Config {
	def := Default()
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.Pool.MaxSize <= 0 {
		c.Pool.MaxSize = def.Pool.MaxSize
	}
	if c.Pool.MinHeat <= 0 {
		c.Pool.MinHeat = def.Pool.MinHeat
	}
	if c.Pool.HeatDecay <= 0 {
		c.Pool.HeatDecay = def.Pool.HeatDecay
	}
	if c.Pool.MaxAgeHours <= 0 {
		c.Pool.MaxAgeHours = def.Pool.MaxAgeHours
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = def.Queue.Workers
	}
	if c.Tracker.FetchTimeoutSeconds <= 0 {
		c.Tracker.FetchTimeoutSeconds = def.Tracker.FetchTimeoutSeconds
	}
	return c
}

// PoolSettings converts to the dialogue pool's config type.
func (c Config) PoolSettings() dialogue.Config {
	return dialogue.Config{
		MaxSize:   c.Pool.MaxSize,
		MinHeat:   c.Pool.MinHeat,
		HeatDecay: c.Pool.HeatDecay,
		MaxAge:    time.Duration(c.Pool.MaxAgeHours * float64(time.Hour)),
	}
}

// TrackerSettings converts to the topic tracker's config type.
func (c Config) TrackerSettings() topic.Config {
	return topic.Config{
		FetchTimeout: time.Duration(c.Tracker.FetchTimeoutSeconds * float64(time.Second)),
	}
}
