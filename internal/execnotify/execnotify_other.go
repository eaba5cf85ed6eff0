// Stub implementation of Watcher for non-Linux platforms.
//
//go:build !linux

package execnotify

import (
	"context"
	"fmt"
	"runtime"
)

// Start always returns an error on non-Linux platforms because the kernel
// process-event connector is a Linux-specific interface. The daemon falls
// back to refresh-sweep-only coverage (spec §7's "external-source failure").
func (w *Watcher) Start(_ context.Context) error {
	return fmt.Errorf(
		"execnotify: NETLINK_CONNECTOR/PROC_EVENT_EXEC is only supported on Linux (current platform: %s)",
		runtime.GOOS,
	)
}

// Stop is a no-op on non-Linux platforms. It closes the Events channel
// exactly once so that callers ranging over Events() terminate cleanly.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.events)
	})
}
