package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// watchSettle collapses the burst of events editors produce while saving
const watchSettle = 500 * time.Millisecond

// Watch calls fn after the file at path was written, created or replaced.
// The parent directory is watched so that atomic renames are seen. It
// returns when ctx is done.
func Watch(ctx context.Context, path string, log *logrus.Logger, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.WithField("path", path).Info("Watching configuration")

	timer := time.NewTimer(watchSettle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.WithFields(logrus.Fields{"path": path, "op": event.Op.String()}).Debug("Configuration changed")
			timer.Reset(watchSettle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("Config watcher error")
		case <-timer.C:
			fn()
		}
	}
}
