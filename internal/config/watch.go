package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses the burst of events an editor save produces.
const debounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and calls onChange
// with each new valid configuration that differs from the previous one.
// An invalid file is logged and ignored. Watch blocks until ctx is done.
//
// The parent directory is watched, not the file, so saves that replace the
// file by rename are seen.
func Watch(ctx context.Context, path string, current Config, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Debug("watching config", "path", path)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-timer.C:
			next, err := Load(path)
			if err != nil {
				logger.Warn("ignoring invalid config", "path", path, "error", err)
				continue
			}
			if reflect.DeepEqual(next, current) {
				continue
			}
			current = next
			logger.Info("config reloaded", "path", path)
			onChange(next)
		}
	}
}
