package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 200 * time.Millisecond

// Watch calls onChange with the reloaded config each time the file at path changes, until ctx is done.
// The directory is watched rather than the file, so that editors which replace the file on save are handled.
// A file that fails to load is logged and skipped.
func Watch(ctx context.Context, path string, log *zap.SugaredLogger, onChange func(Config)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	log = log.Named("config_watcher").With("Path", path)

	go func() {
		defer w.Close()
		var (
			timer  *time.Timer
			reload <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceInterval)
				} else {
					timer.Reset(debounceInterval)
				}
				reload = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnw("watch error", "Error", err)
			case <-reload:
				reload = nil
				cfg, err := Load(path)
				if err != nil {
					log.Warnw("ignoring config change", "Error", err)
					continue
				}
				log.Info("config reloaded")
				onChange(cfg)
			}
		}
	}()
	return nil
}
