package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitesmith/sitesmith/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify SiteSmith configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/sitesmith/config.yaml
Project-specific overrides can be placed in .sitesmith.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("engine.default_workers: %d\n", cfg.Engine.DefaultWorkers)
	fmt.Printf("engine.max_retries: %d\n", cfg.Engine.MaxRetries)
	fmt.Printf("engine.task_ttl: %s\n", cfg.Engine.TaskTTL)
	fmt.Printf("engine.max_iterations: %d\n", cfg.Engine.MaxIterations)
	fmt.Printf("engine.backoff_base: %s\n", cfg.Engine.BackoffBase)
	fmt.Printf("engine.backoff_max: %s\n", cfg.Engine.BackoffMax)
	fmt.Printf("rate_limit.window: %s\n", cfg.RateLimit.Window)
	fmt.Printf("rate_limit.max: %d\n", cfg.RateLimit.Max)
	fmt.Printf("store.driver: %s\n", cfg.Store.Driver)
	fmt.Printf("store.path: %s\n", displayPath(cfg.Store.Path))
	fmt.Printf("store.purge_interval: %s\n", cfg.Store.PurgeInterval)
	fmt.Printf("tiers.path: %s\n", displayPath(cfg.Tiers.Path))
	fmt.Printf("tiers.watch: %t\n", cfg.Tiers.Watch)
}

func displayPath(path string) string {
	if path == "" {
		return "(default)"
	}
	return path
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "engine.default_workers":
		return strconv.Itoa(cfg.Engine.DefaultWorkers), nil
	case "engine.max_retries":
		return strconv.Itoa(cfg.Engine.MaxRetries), nil
	case "engine.task_ttl":
		return cfg.Engine.TaskTTL.String(), nil
	case "engine.max_iterations":
		return strconv.Itoa(cfg.Engine.MaxIterations), nil
	case "engine.backoff_base":
		return cfg.Engine.BackoffBase.String(), nil
	case "engine.backoff_max":
		return cfg.Engine.BackoffMax.String(), nil
	case "rate_limit.window":
		return cfg.RateLimit.Window.String(), nil
	case "rate_limit.max":
		return strconv.Itoa(cfg.RateLimit.Max), nil
	case "store.driver":
		return cfg.Store.Driver, nil
	case "store.path":
		return cfg.Store.Path, nil
	case "store.purge_interval":
		return cfg.Store.PurgeInterval.String(), nil
	case "tiers.path":
		return cfg.Tiers.Path, nil
	case "tiers.watch":
		return strconv.FormatBool(cfg.Tiers.Watch), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "engine.default_workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for default_workers: %w", err)
		}
		cfg.Engine.DefaultWorkers = n
	case "engine.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_retries: %w", err)
		}
		cfg.Engine.MaxRetries = n
	case "engine.task_ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for task_ttl: %w", err)
		}
		cfg.Engine.TaskTTL = d
	case "engine.max_iterations":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_iterations: %w", err)
		}
		cfg.Engine.MaxIterations = n
	case "engine.backoff_base":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for backoff_base: %w", err)
		}
		cfg.Engine.BackoffBase = d
	case "engine.backoff_max":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for backoff_max: %w", err)
		}
		cfg.Engine.BackoffMax = d
	case "rate_limit.window":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for rate_limit.window: %w", err)
		}
		cfg.RateLimit.Window = d
	case "rate_limit.max":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for rate_limit.max: %w", err)
		}
		cfg.RateLimit.Max = n
	case "store.driver":
		if value != "sqlite" && value != "memory" {
			return fmt.Errorf("unknown store driver %q (expected sqlite or memory)", value)
		}
		cfg.Store.Driver = value
	case "store.path":
		cfg.Store.Path = value
	case "store.purge_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for purge_interval: %w", err)
		}
		cfg.Store.PurgeInterval = d
	case "tiers.path":
		cfg.Tiers.Path = value
	case "tiers.watch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for tiers.watch: %w", err)
		}
		cfg.Tiers.Watch = b
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
