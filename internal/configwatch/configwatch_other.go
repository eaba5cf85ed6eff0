// Stub implementation of Watcher for non-Linux platforms.
//
//go:build !linux

package configwatch

import (
	"context"
	"fmt"
	"runtime"
)

// Start always returns an error on non-Linux platforms: inotify is a
// Linux-specific interface. The daemon still responds to an explicit
// ReloadConfiguration D-Bus call; it just never triggers automatically.
func (w *Watcher) Start(_ context.Context) error {
	return fmt.Errorf("configwatch: inotify is only supported on Linux (current platform: %s)", runtime.GOOS)
}

// Stop is a no-op beyond closing Changes exactly once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.changes)
	})
}
