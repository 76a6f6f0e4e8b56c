package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/lapse/pkg/lapse/logging"
)

// settleDelay coalesces the burst of events editors produce on save.
const settleDelay = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes the result to onChange
// until ctx is cancelled. The parent directory is watched so that atomic
// replace-on-save is seen. Invalid files are reported through onChange
// with a nil config.
func Watch(ctx context.Context, path string, onChange func(*Config, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go run(ctx, w, abs, onChange)
	return nil
}

func run(ctx context.Context, w *fsnotify.Watcher, path string, onChange func(*Config, error)) {
	defer w.Close()
	log := logging.Get("config")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(settleDelay)

		case <-timer.C:
			cfg, err := LoadFile(path)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				log.Warn("ignoring invalid config change", "path", path, "error", err)
				onChange(nil, err)
				continue
			}
			log.Info("config reloaded", "path", path)
			onChange(cfg, nil)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Error("config watcher error", "error", err)
		}
	}
}
