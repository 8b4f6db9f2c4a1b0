package config

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/sitesmith/sitesmith/internal/engine"
)

// WatchTiers reloads the tier quota file whenever it changes and hands the
// new limits to apply. Editors often replace files by rename, so the parent
// directory is watched rather than the file itself. The watcher runs until
// ctx is cancelled; a file that fails to parse keeps the previous limits.
func WatchTiers(ctx context.Context, path string, apply func(engine.QuotaLimits)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				limits, err := LoadTiers(path)
				if err != nil {
					log.Printf("[config] tiers reload failed, keeping previous limits: %v", err)
					continue
				}
				apply(limits)
				log.Printf("[config] tier quota limits reloaded from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] tiers watcher error: %v", err)
			}
		}
	}()
	return nil
}
