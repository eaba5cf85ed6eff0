// Command system76-schedulerd is the process-scheduling daemon: it loads the
// declarative rule configuration, starts the exec, audio-session, and
// battery notifiers, exports the D-Bus control surface, and runs the event
// loop that classifies and prioritizes every process on the system.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/pop-os/system76-scheduler/internal/audiosession"
	"github.com/pop-os/system76-scheduler/internal/battery"
	"github.com/pop-os/system76-scheduler/internal/cfs"
	"github.com/pop-os/system76-scheduler/internal/configwatch"
	"github.com/pop-os/system76-scheduler/internal/control"
	"github.com/pop-os/system76-scheduler/internal/execnotify"
	"github.com/pop-os/system76-scheduler/internal/rules"
	"github.com/pop-os/system76-scheduler/internal/service"
)

// userConfigDir and distConfigDir are the two locations spec §6 names for
// configuration: user overrides take precedence over distribution defaults.
const (
	userConfigDir = "/etc/system76-scheduler"
	distConfigDir = "/usr/share/system76-scheduler"
)

func main() {
	configDir := flag.String("config-dir", "", "configuration directory (default: search "+userConfigDir+" then "+distConfigDir+")")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	pipewireHelper := flag.String("pipewire-helper", "", "path to the pipewire audio-session helper binary (audio-session tracking disabled if empty)")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	dir := *configDir
	if dir == "" {
		dir = resolveConfigDir()
	}

	compiled, err := rules.LoadConfig(dir)
	if err != nil {
		logger.Warn("configuration load failed, starting with an empty rule set",
			slog.String("config_dir", dir), slog.Any("error", err))
		compiled = defaultCompiled()
	}

	cfsPaths := cfs.ProbePaths()

	svc := service.New(service.Config{
		RuleSet:          compiled.RuleSet,
		CFSProfiles:      compiled.CFSProfiles,
		CFSPaths:         cfsPaths,
		CPUCount:         runtime.NumCPU(),
		RefreshInterval:  time.Duration(compiled.RefreshRateMS) * time.Millisecond,
		AutogroupEnabled: compiled.AutogroupEnabled,
		ConfigDir:        dir,
	}, logger)

	batteryWatcher, err := battery.NewWatcher(logger)
	initialOnBattery := false
	if err != nil {
		logger.Warn("battery watcher unavailable, assuming on-AC", slog.Any("error", err))
	} else {
		initialOnBattery = batteryWatcher.Current()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx, initialOnBattery)
	defer svc.Stop()

	server, err := control.New(svc, logger)
	if err != nil {
		// Spec §7: the one startup failure that is fatal to the daemon.
		logger.Error("failed to export control surface", slog.Any("error", err))
		os.Exit(1)
	}
	defer server.Close()

	if batteryWatcher != nil {
		if err := batteryWatcher.Start(ctx); err != nil {
			logger.Warn("battery watcher failed to start", slog.Any("error", err))
		} else {
			defer batteryWatcher.Stop()
			go forwardBattery(ctx, batteryWatcher, svc)
		}
	}

	execWatcher := execnotify.New(logger)
	if compiled.Execsnoop {
		if err := execWatcher.Start(ctx); err != nil {
			logger.Warn("exec notifier unavailable, relying on refresh sweep alone", slog.Any("error", err))
		} else {
			defer execWatcher.Stop()
			go forwardExec(ctx, execWatcher, svc)
		}
	}

	var pipewireMonitor *audiosession.Monitor
	if *pipewireHelper != "" {
		pipewireMonitor = audiosession.NewMonitor([]string{*pipewireHelper}, logger)
		if err := pipewireMonitor.Start(ctx); err != nil {
			logger.Warn("audio-session monitor failed to start", slog.Any("error", err))
		} else {
			defer pipewireMonitor.Stop()
			go forwardAudioSession(ctx, pipewireMonitor, svc)
		}
	}

	cfgWatcher := configwatch.New(dir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config directory watch unavailable, edits require an explicit reload", slog.Any("error", err))
	} else {
		defer cfgWatcher.Stop()
		go forwardConfigChanges(ctx, cfgWatcher, svc)
	}

	refreshInterval := time.Duration(compiled.RefreshRateMS) * time.Millisecond
	if refreshInterval <= 0 {
		refreshInterval = 2500 * time.Millisecond
	}
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	go forwardRefreshTicks(ctx, ticker, svc)

	logger.Info("system76-schedulerd started",
		slog.String("config_dir", dir),
		slog.Bool("execsnoop", compiled.Execsnoop),
		slog.Duration("refresh_interval", refreshInterval),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()
	logger.Info("system76-schedulerd exited cleanly")
}

// forwardBattery relays battery watcher transitions to the service as events
// until ctx is cancelled.
func forwardBattery(ctx context.Context, w *battery.Watcher, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case onBattery, ok := <-w.Changes():
			if !ok {
				return
			}
			svc.Post(service.OnBatteryChanged(onBattery))
		}
	}
}

// forwardExec relays exec notifier events to the service until ctx is
// cancelled.
func forwardExec(ctx context.Context, w *execnotify.Watcher, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.Events():
			if !ok {
				return
			}
			svc.Post(service.ExecCreate(evt.PID, evt.PPID, evt.Name, evt.Cmdline))
		}
	}
}

// forwardAudioSession relays pipewire Add/Remove events to the service until
// ctx is cancelled.
func forwardAudioSession(ctx context.Context, m *audiosession.Monitor, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-m.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case audiosession.Add:
				svc.Post(service.PipewireAdded(evt.PID))
			case audiosession.Remove:
				svc.Post(service.PipewireRemoved(evt.PID))
			}
		}
	}
}

// forwardConfigChanges triggers a configuration reload whenever the config
// directory watcher reports a change, until ctx is cancelled.
func forwardConfigChanges(ctx context.Context, w *configwatch.Watcher, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Changes():
			if !ok {
				return
			}
			svc.ReloadConfiguration()
		}
	}
}

// forwardRefreshTicks posts a Refresh event on every tick until ctx is
// cancelled.
func forwardRefreshTicks(ctx context.Context, ticker *time.Ticker, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.Post(service.Refresh())
		}
	}
}

// resolveConfigDir picks the user override directory if it contains a
// config.yaml, otherwise the distribution defaults directory, otherwise the
// user directory (so LoadConfig's own "cannot read" error names it).
func resolveConfigDir() string {
	if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
		return userConfigDir
	}
	if _, err := os.Stat(filepath.Join(distConfigDir, "config.yaml")); err == nil {
		return distConfigDir
	}
	return userConfigDir
}

// defaultCompiled returns the rule set the daemon runs with when no
// configuration file could be loaded: no assignments or exceptions, the two
// built-in CFS profiles, and conservative defaults for everything else.
func defaultCompiled() *rules.Compiled {
	return &rules.Compiled{
		RuleSet: rules.NewRuleSet(),
		CFSProfiles: map[string]cfs.Profile{
			"default":    cfs.DefaultProfile,
			"responsive": cfs.ResponsiveProfile,
		},
		RefreshRateMS: 2500,
		Execsnoop:     false,
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
