// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and calls onReload with each
// valid new configuration.
//
// Description:
//
//	Editors replace files rather than writing in place, so the watch is
//	on the parent directory and events are filtered by name. Writes are
//	debounced briefly because a save often arrives as several events. A
//	reload that fails to parse or validate is logged and skipped; the
//	previous configuration stays in effect.
//
// Outputs:
//   - error: watcher setup failure. Runtime reload errors are logged, not
//     returned; Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	base := filepath.Base(path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload rejected",
						slog.String("path", path),
						slog.String("error", err.Error()))
					return
				}
				logger.Info("config reloaded", slog.String("path", path))
				onReload(cfg)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
