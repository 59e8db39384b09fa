// Package configwatch watches taucore's on-disk config file for changes
// and invokes a reload callback, the same hot-reload shape the teacher
// applies to its own config file. Grounded on the teacher's
// internal/config file-watching idiom (fsnotify.Watcher over a single
// path with a debounce timer), trimmed to this core's single config.json
// instead of the teacher's multi-file provider/agent config tree.
package configwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debounce coalesces the burst of fsnotify events a single save
// typically produces into one reload call.
const Debounce = 250 * time.Millisecond

// Watch watches path's parent directory (editors often replace the file
// rather than write in place, which fsnotify only sees as a rename in
// the directory) and calls onChange, debounced, whenever path itself is
// created, written, or renamed into place. Blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(Debounce, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("configwatch: watcher error", "error", err)
		}
	}
}
