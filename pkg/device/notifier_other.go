//go:build !linux

package device

import (
	"errors"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// volumesDir is where macOS attaches mounted volumes
const volumesDir = "/Volumes"

// watchNotifier flags a change whenever the volumes directory changes
type watchNotifier struct {
	watcher *fsnotify.Watcher
	changed atomic.Bool
	done    chan struct{}
}

func newPlatformNotifier(_ string, log *logrus.Logger) (Notifier, error) {
	if fi, err := os.Stat(volumesDir); err != nil || !fi.IsDir() {
		return nil, errors.New("no volumes directory to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(volumesDir); err != nil {
		w.Close()
		return nil, err
	}
	n := &watchNotifier{watcher: w, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				n.changed.Store(true)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				// a lost event must still force a rescan
				n.changed.Store(true)
				log.WithError(err).Debug("Volume watcher error")
			}
		}
	}()
	return n, nil
}

func (n *watchNotifier) Changed() bool {
	return n.changed.Swap(false)
}

func (n *watchNotifier) Close() error {
	err := n.watcher.Close()
	<-n.done
	return err
}
