// Package execnotify implements the exec notifier contract of spec §6: a
// stream of {pid, ppid, name, cmdline} records as processes exec. On Linux
// it traces execve via the kernel's NETLINK_CONNECTOR process connector —
// kernel-driven and zero-polling, the Go-native equivalent of the
// BPF-compiler-dependent tracer the spec marks out of core scope. Other
// platforms get a stub that returns an error on Start, so the daemon falls
// back to refresh-sweep-only coverage per spec §7's "external-source
// failure" policy.
package execnotify

import (
	"log/slog"
	"sync"
)

// Event is one observed execve, matching spec §4.7's ExecCreate payload.
type Event struct {
	PID     uint32
	PPID    uint32
	Name    string
	Cmdline string
}

// Watcher monitors execve events system-wide and delivers Events on a
// bounded channel. A full channel drops the event rather than blocking the
// kernel-notification path; the next refresh sweep compensates (spec §7).
//
// Start requires CAP_NET_ADMIN (or root) on Linux.
type Watcher struct {
	logger *slog.Logger

	events   chan Event
	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Watcher. If logger is nil, slog.Default() is used. The
// returned watcher is not yet started; call Start to begin monitoring.
func New(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger: logger,
		events: make(chan Event, 256),
	}
}

// Events returns a read-only channel from which callers receive Events. The
// channel is closed when the watcher stops (after Stop returns).
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// emit delivers evt to the events channel without blocking. If the buffer is
// full the event is dropped and a warning is logged.
func (w *Watcher) emit(evt Event) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("execnotify: event channel full, dropping event",
			slog.Uint64("pid", uint64(evt.PID)),
		)
	}
}
