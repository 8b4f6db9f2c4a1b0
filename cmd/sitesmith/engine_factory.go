package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/sitesmith/sitesmith/internal/config"
	"github.com/sitesmith/sitesmith/internal/engine"
	"github.com/sitesmith/sitesmith/internal/genai"
	"github.com/sitesmith/sitesmith/internal/store"
	"github.com/sitesmith/sitesmith/pkg/models"
)

// buildEngine assembles a fully wired engine from configuration: result
// store, tier quotas, and the Anthropic-backed step functions. The returned
// cleanup stops the engine and closes the store.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, func(), error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	backoff := engine.DefaultBackoff()
	if cfg.Engine.BackoffBase > 0 {
		backoff.Base = cfg.Engine.BackoffBase
	}
	if cfg.Engine.BackoffMax > 0 {
		backoff.Max = cfg.Engine.BackoffMax
	}

	eng := engine.New(engine.Config{
		Store:           st,
		Workers:         workerSizes(cfg),
		DefaultWorkers:  cfg.Engine.DefaultWorkers,
		RateLimitWindow: cfg.RateLimit.Window,
		RateLimitMax:    cfg.RateLimit.Max,
		QuotaLimits:     loadTierLimits(cfg),
		Backoff:         backoff,
		MaxRetries:      cfg.Engine.MaxRetries,
		TaskTTL:         cfg.Engine.TaskTTL,
		MaxIterations:   cfg.Engine.MaxIterations,
	})

	apiKey, err := config.GetAPIKey(cfg)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("no API key configured\n\n"+
			"Set one with:\n"+
			"  export ANTHROPIC_API_KEY=your-key-here\n"+
			"or:\n"+
			"  sitesmith config anthropic.api_key your-key-here\n\n"+
			"(%w)", err)
	}

	client, err := genai.NewClient(genai.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        apiKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
	})
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("create generation client: %w", err)
	}

	steps := genai.NewSteps(client, "")
	if err := steps.RegisterAll(eng); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("register steps: %w", err)
	}

	if cfg.Tiers.Watch {
		path := tiersPath(cfg)
		if err := config.WatchTiers(ctx, path, eng.SetQuotaLimits); err != nil {
			log.Printf("[cli] tiers watch disabled: %v", err)
		}
	}

	if err := eng.Start(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		eng.Stop()
		st.Close()
	}
	return eng, cleanup, nil
}

// openStore opens the configured store backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(cfg.Store.PurgeInterval), nil
	case "", "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = store.DefaultDBPath()
		}
		db, err := store.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if cfg.Store.PurgeInterval > 0 {
			db.StartPurgeLoop(cfg.Store.PurgeInterval)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// workerSizes converts the string-keyed config map to task types.
func workerSizes(cfg *config.Config) map[models.TaskType]int {
	if len(cfg.Engine.Workers) == 0 {
		return nil
	}
	sizes := make(map[models.TaskType]int, len(cfg.Engine.Workers))
	for name, n := range cfg.Engine.Workers {
		sizes[models.TaskType(name)] = n
	}
	return sizes
}

// loadTierLimits reads quota limits from the tiers file, falling back to the
// built-in defaults when no file exists.
func loadTierLimits(cfg *config.Config) engine.QuotaLimits {
	path := tiersPath(cfg)
	limits, err := config.LoadTiers(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("[cli] tiers file %s unreadable, using defaults: %v", path, err)
		}
		return config.DefaultTiers()
	}
	return limits
}

// tiersPath resolves the tiers file location.
func tiersPath(cfg *config.Config) string {
	if cfg.Tiers.Path != "" {
		return cfg.Tiers.Path
	}
	return config.DefaultTiersPath()
}
