package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses editor write bursts into one reload.
const debounce = 500 * time.Millisecond

// Watch reloads the config file on change and calls onReload with the
// fresh config. Invalid configs are logged and skipped; the previous
// config stays active. Blocks until ctx is done.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace files by
	// rename and the inode watch would go stale.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config reload failed, keeping previous", "error", err)
				continue
			}
			if fs := cfg.Validate(); HasRequired(fs) {
				for _, f := range fs {
					if f.Severity == Required {
						slog.Error("config reload invalid, keeping previous", "finding", f.String())
					}
				}
				continue
			}
			slog.Info("config reloaded", "path", path)
			onReload(cfg)
		}
	}
}
