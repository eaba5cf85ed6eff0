// Package configwatch notifies the event loop when a configuration
// directory changes on disk, so an edited assignments/*.yaml or config.yaml
// triggers a ReloadConfiguration without waiting for an operator to invoke
// the D-Bus method by hand. This is an ambient convenience the core control
// surface does not strictly require, but the teacher daemon this scheduler's
// ambient stack is grounded on always pairs a declarative config directory
// with an inotify watch, so this package carries that idiom into the
// scheduler's domain.
package configwatch

import (
	"context"
	"log/slog"
	"sync"
)

// Watcher delivers a signal on Changes whenever a file in the watched
// directory or its assignments subdirectory is created, written, deleted, or
// renamed.
type Watcher struct {
	dir    string
	logger *slog.Logger

	changes  chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a Watcher for dir. If logger is nil, slog.Default() is used.
// The watcher is not yet started; call Start to begin monitoring.
func New(dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:     dir,
		logger:  logger,
		changes: make(chan struct{}, 1),
	}
}

// Changes returns the channel a signal is sent on after each observed
// change. The channel has capacity 1 and a pending signal is never
// duplicated, so a burst of several file writes collapses into one reload.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// notify delivers a change signal without blocking. A full channel (a
// reload already pending) is left alone rather than queuing a second one.
func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
