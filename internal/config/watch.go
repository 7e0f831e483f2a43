package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses the burst of events an editor save produces
const watchDebounce = 200 * time.Millisecond

// Watch reloads the configuration whenever the .env file changes and calls
// onChange with the new settings. Reload errors go to onError and leave the
// previous settings in place. Watch blocks until ctx is cancelled.
func (c *Config) Watch(ctx context.Context, onChange func(Settings), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	path, err := filepath.Abs(c.FilePath())
	if err != nil {
		return err
	}
	// Watch the directory: WriteEnvFile replaces the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := c.Reload(); err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onChange != nil {
				onChange(c.Settings())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
