package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce on save
// (truncate, write, chmod, or rename-over) into a single reload.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the watchlist at path whenever it changes and calls
// onChange with each successfully parsed list. A file that fails to
// parse is logged and the previous list stays in effect. The parent
// directory is watched rather than the file so atomic rename-over saves
// are seen. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*List)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving watchlist path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	logger.Info("watchlist watcher started", slog.String("path", abs))

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}

			fire = debounce.C

		case <-fire:
			fire = nil

			list, err := Load(abs)
			if err != nil {
				logger.Warn("watchlist reload failed, keeping previous list",
					slog.String("path", abs),
					slog.String("error", err.Error()),
				)

				continue
			}

			logger.Info("watchlist reloaded", slog.Int("resources", len(list.Entries)))
			onChange(list)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("watchlist watcher error", slog.String("error", err.Error()))
		}
	}
}
