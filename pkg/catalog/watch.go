package catalog

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/hydralab/hydra/pkg/log"
)

// Watch reloads the presets catalog whenever the file changes. Returns
// once ctx is done. A parse error keeps the previous catalog in place.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger := log.WithComponent("catalog")
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.loadPresetsFile(path); err != nil {
				logger.Warn().Err(err).Msg("catalog reload failed, keeping previous presets")
				continue
			}
			logger.Info().Str("path", path).Msg("presets catalog reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("catalog watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}
