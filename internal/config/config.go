// Package config handles configuration loading and management for SiteSmith.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for SiteSmith.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Engine    EngineConfig    `mapstructure:"engine"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Tiers     TiersConfig     `mapstructure:"tiers"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// Model is the default generation model.
	Model string `mapstructure:"model"`
	// UseBedrock routes generation calls through AWS Bedrock instead of the
	// Anthropic API directly.
	UseBedrock bool `mapstructure:"use_bedrock"`
}

// EngineConfig holds orchestration engine settings.
type EngineConfig struct {
	// DefaultWorkers is the worker pool size per task type.
	DefaultWorkers int `mapstructure:"default_workers"`
	// Workers overrides the pool size for specific task types.
	Workers map[string]int `mapstructure:"workers"`
	// MaxRetries bounds automatic retries for transient step failures.
	MaxRetries int `mapstructure:"max_retries"`
	// TaskTTL is how long task records are retained.
	TaskTTL time.Duration `mapstructure:"task_ttl"`
	// MaxIterations bounds chained workflow refinements.
	MaxIterations int `mapstructure:"max_iterations"`
	// BackoffBase and BackoffMax shape the retry delay curve.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// RateLimitConfig holds per-tenant submission limits.
type RateLimitConfig struct {
	// Window is the fixed rate-limit window.
	Window time.Duration `mapstructure:"window"`
	// Max is the submissions allowed per tenant per window; 0 disables.
	Max int `mapstructure:"max"`
}

// StoreConfig holds result store settings.
type StoreConfig struct {
	// Driver selects the store backend: "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	// Path is the sqlite database file; empty uses the XDG data default.
	Path string `mapstructure:"path"`
	// PurgeInterval is how often expired records are reclaimed.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// TiersConfig points at the subscription tier quota file.
type TiersConfig struct {
	// Path is the tiers YAML file; empty uses the XDG config default.
	Path string `mapstructure:"path"`
	// Watch enables hot-reload of quota limits when the file changes.
	Watch bool `mapstructure:"watch"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.sitesmith.yaml in current directory or parent)
// 3. User config (~/.config/sitesmith/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.use_bedrock", "SITESMITH_USE_BEDROCK")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("engine.default_workers", cfg.Engine.DefaultWorkers)
	v.Set("engine.max_retries", cfg.Engine.MaxRetries)
	v.Set("engine.task_ttl", cfg.Engine.TaskTTL.String())
	v.Set("engine.max_iterations", cfg.Engine.MaxIterations)
	v.Set("engine.backoff_base", cfg.Engine.BackoffBase.String())
	v.Set("engine.backoff_max", cfg.Engine.BackoffMax.String())
	v.Set("rate_limit.window", cfg.RateLimit.Window.String())
	v.Set("rate_limit.max", cfg.RateLimit.Max)
	v.Set("store.driver", cfg.Store.Driver)
	v.Set("store.path", cfg.Store.Path)
	v.Set("store.purge_interval", cfg.Store.PurgeInterval.String())
	v.Set("tiers.path", cfg.Tiers.Path)
	v.Set("tiers.watch", cfg.Tiers.Watch)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DefaultTiersPath returns the default location of the tiers quota file.
func DefaultTiersPath() string {
	return filepath.Join(getUserConfigDir(), "tiers.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("engine.default_workers", 2)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.task_ttl", "24h")
	v.SetDefault("engine.max_iterations", 5)
	v.SetDefault("engine.backoff_base", "2s")
	v.SetDefault("engine.backoff_max", "2m")

	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.max", 30)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.purge_interval", "10m")

	v.SetDefault("tiers.path", "")
	v.SetDefault("tiers.watch", false)
}

// getUserConfigDir returns the XDG config directory for SiteSmith.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sitesmith")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "sitesmith")
	}
	return filepath.Join(home, ".config", "sitesmith")
}

// findProjectConfig searches for .sitesmith.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".sitesmith.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Engine: EngineConfig{
			DefaultWorkers: 2,
			MaxRetries:     3,
			TaskTTL:        24 * time.Hour,
			MaxIterations:  5,
			BackoffBase:    2 * time.Second,
			BackoffMax:     2 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Max:    30,
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			PurgeInterval: 10 * time.Minute,
		},
	}
}
