// Package battery consumes the battery notifier contract of spec §6: a
// boolean stream of on-AC/on-battery transitions. It watches
// org.freedesktop.UPower's "OnBattery" property over the system D-Bus, the
// same source the upstream daemon subscribes to via upower_dbus's
// receive_on_battery_changed.
package battery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	upowerDest   = "org.freedesktop.UPower"
	upowerPath   = dbus.ObjectPath("/org/freedesktop/UPower")
	propsIface   = "org.freedesktop.DBus.Properties"
	onBatteryKey = "OnBattery"
)

// Watcher delivers on-battery state changes to the event loop.
type Watcher struct {
	conn   *dbus.Conn
	logger *slog.Logger

	changes  chan bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWatcher dials the system bus and returns a ready-to-Start Watcher. If
// logger is nil, slog.Default() is used.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		conn:    conn,
		logger:  logger,
		changes: make(chan bool, 4),
	}, nil
}

// Changes returns the channel on-battery transitions are delivered on.
func (w *Watcher) Changes() <-chan bool { return w.changes }

// Current reads UPower's current OnBattery property directly, for the
// startup read spec §6 requires before the first event arrives. It returns
// false if the property cannot be read (UPower absent, permission denied).
func (w *Watcher) Current() bool {
	obj := w.conn.Object(upowerDest, upowerPath)
	v, err := obj.GetProperty(upowerDest + "." + onBatteryKey)
	if err != nil {
		return false
	}
	onBattery, ok := v.Value().(bool)
	if !ok {
		return false
	}
	return onBattery
}

// Start subscribes to PropertiesChanged signals on UPower's object and
// begins forwarding OnBattery transitions to Changes. It returns an error if
// the match rule cannot be installed; a later signal-bus failure disables
// the source per spec §7 rather than propagating.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(upowerPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 16)
	w.conn.Signal(signals)

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.readLoop(ctx, signals)

	w.logger.Info("battery watcher started", slog.String("property", onBatteryKey))
	return nil
}

// Stop unsubscribes, waits for the read loop to exit, and closes Changes.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		_ = w.conn.Close()
		close(w.changes)
	})
}

func (w *Watcher) readLoop(ctx context.Context, signals chan *dbus.Signal) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			w.handleSignal(sig)
		}
	}
}

// handleSignal decodes a PropertiesChanged body
// (interface, map<string,variant> changed, []string invalidated) and, if it
// carries a new OnBattery value, forwards it.
func (w *Watcher) handleSignal(sig *dbus.Signal) {
	if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	v, ok := changed[onBatteryKey]
	if !ok {
		return
	}
	onBattery, ok := v.Value().(bool)
	if !ok {
		return
	}
	select {
	case w.changes <- onBattery:
	default:
		w.logger.Warn("battery watcher: changes channel full, dropping event")
	}
}
