// Package service implements the central event loop of spec §4.7: a single
// goroutine that owns the process graph, the compiled rule set, the overlay
// manager, and the CFS tuner, and drives every one of them from a bounded
// channel of events in strict arrival order — the Go equivalent of the
// upstream daemon's tokio::sync::mpsc dispatch loop in main.rs.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pop-os/system76-scheduler/internal/cfs"
	"github.com/pop-os/system76-scheduler/internal/control"
	"github.com/pop-os/system76-scheduler/internal/graph"
	"github.com/pop-os/system76-scheduler/internal/overlay"
	"github.com/pop-os/system76-scheduler/internal/priority"
	"github.com/pop-os/system76-scheduler/internal/procfs"
	"github.com/pop-os/system76-scheduler/internal/rules"
)

// execSettleDelay is how long the event loop waits after an exec
// notification before classifying the process, so the kernel has time to
// move it into its final cgroup (spec §4.7, §4.8).
const execSettleDelay = time.Second

// cmdlineRetries and cmdlineRetryDelay bound the poll-for-cmdline loop spec
// §4.8 describes for a process observed before /proc/<pid>/exe is readable.
const (
	cmdlineRetries    = 3
	cmdlineRetryDelay = time.Second
)

// kind tags the variant of an Event.
type kind int

const (
	kindExecCreate kind = iota
	kindRefresh
	kindOnBattery
	kindSetCpuMode
	kindSetCustomCpuMode
	kindSetForeground
	kindPipewireAdd
	kindPipewireRemove
	kindReload
)

// Event is the tagged union the event loop dispatches on, matching spec
// §4.7's event table. Only the fields relevant to Kind are meaningful.
type Event struct {
	kind kind

	PID     uint32
	PPID    uint32
	Name    string
	Cmdline string

	OnBattery bool

	// settled marks an ExecCreate event that has already served its
	// settle-delay repost, so the delay is applied at most once per process.
	settled bool
}

// ExecCreate builds the event posted when a process execs, per spec §4.7.
func ExecCreate(pid, ppid uint32, name, cmdline string) Event {
	return Event{kind: kindExecCreate, PID: pid, PPID: ppid, Name: name, Cmdline: cmdline}
}

// Refresh builds the periodic process-map refresh-sweep event (spec §4.9).
func Refresh() Event { return Event{kind: kindRefresh} }

// OnBatteryChanged builds the event posted when the battery watcher observes
// an AC/battery transition.
func OnBatteryChanged(onBattery bool) Event {
	return Event{kind: kindOnBattery, OnBattery: onBattery}
}

// PipewireAdded builds the event posted when a process gains an audio-client
// handle.
func PipewireAdded(pid uint32) Event { return Event{kind: kindPipewireAdd, PID: pid} }

// PipewireRemoved builds the event posted when a process loses its
// audio-client handle.
func PipewireRemoved(pid uint32) Event { return Event{kind: kindPipewireRemove, PID: pid} }

// Config bundles everything LoadConfig's Compiled product plus host-probed
// paths the Service needs to start running.
type Config struct {
	RuleSet          *rules.RuleSet
	CFSProfiles      map[string]cfs.Profile
	CFSPaths         cfs.Paths
	CPUCount         int
	RefreshInterval  time.Duration
	AutogroupEnabled bool
	ConfigDir        string
}

// Service is the event-loop orchestrator: the single goroutine-confined
// owner of the process graph, rule set, overlay manager, and CFS tuner.
// Post and the control.Backend methods (ReloadConfiguration, SetCpuMode,
// SetCpuProfile, SetForegroundProcess, State) are safe to call from any
// goroutine — they either post to the event channel or touch only
// mutex-guarded state — because the D-Bus server calls them from its own
// goroutine. Apply, EnsureAdmitted, and Children serve the overlay manager
// and touch the graph and scratch buffer unguarded, so they are called only
// from the event-loop goroutine.
type Service struct {
	logger *slog.Logger
	reload func(dir string) (*rules.Compiled, error)

	graph   *graph.Graph
	overlay *overlay.Manager
	procBuf *procfs.Buffer

	ruleSet          *rules.RuleSet
	cfsProfiles      map[string]cfs.Profile
	cfsPaths         cfs.Paths
	cpuCount         int
	configDir        string
	autogroupEnabled bool

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cpuMode    control.CpuMode
	cpuProfile string
	onBattery  bool
}

// New builds a Service ready to Run. logger may be nil (slog.Default is
// used).
func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:           logger,
		reload:           rules.LoadConfig,
		graph:            graph.New(),
		overlay:          overlay.New(),
		procBuf:          procfs.NewBuffer(),
		ruleSet:          cfg.RuleSet,
		cfsProfiles:      cfg.CFSProfiles,
		cfsPaths:         cfg.CFSPaths,
		cpuCount:         cfg.CPUCount,
		configDir:        cfg.ConfigDir,
		autogroupEnabled: cfg.AutogroupEnabled,
		events:           make(chan Event, 256),
	}
}

// Post delivers an event to the loop. A full channel drops the event with a
// warning rather than blocking the caller, per spec §7's channel-full
// back-pressure policy.
func (s *Service) Post(evt Event) {
	select {
	case s.events <- evt:
	default:
		s.logger.Warn("service: event channel full, dropping event", slog.Int("kind", int(evt.kind)))
	}
}

// Start launches the event loop in a background goroutine and performs the
// startup sequence spec §4.7/§9 describes: write the initial autogroup
// setting, then apply the initial CFS profile for the current battery state.
func (s *Service) Start(ctx context.Context, onBattery bool) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	s.onBattery = onBattery
	s.cpuMode = control.Auto
	s.mu.Unlock()

	if err := cfs.SetAutogroup(s.cfsPaths, s.autogroupEnabled); err != nil {
		s.logger.Warn("failed to write autogroup setting", slog.Any("error", err))
	}
	s.cfsOnBattery(onBattery)

	s.wg.Add(1)
	go s.Run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Run consumes events from the channel in FIFO order until ctx is cancelled.
// No event handler panics or exits the loop on error: spec §7 treats every
// runtime failure here as non-fatal.
func (s *Service) Run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.events:
			if !ok {
				return
			}
			s.handle(ctx, evt)
		}
	}
}

func (s *Service) handle(ctx context.Context, evt Event) {
	switch evt.kind {
	case kindExecCreate:
		if !evt.settled {
			s.scheduleSettled(ctx, evt)
			return
		}
		s.assignNewProcess(evt.PID, evt.PPID, evt.Name, evt.Cmdline)
	case kindRefresh:
		s.refreshSweep()
	case kindOnBattery:
		s.mu.Lock()
		s.onBattery = evt.OnBattery
		mode := s.cpuMode
		s.mu.Unlock()
		if mode == control.Auto {
			s.cfsOnBattery(evt.OnBattery)
		}
	case kindSetCpuMode:
		s.applyCpuMode()
	case kindSetCustomCpuMode:
		s.mu.Lock()
		profile := s.cpuProfile
		s.mu.Unlock()
		if p, ok := s.cfsProfiles[profile]; ok {
			s.cfsApply(p)
		}
	case kindSetForeground:
		s.overlay.SetForeground(s.graph, s.ruleSet, s, s, evt.PID)
	case kindPipewireAdd:
		s.overlay.PipewireAdd(s.graph, s.ruleSet, s, evt.PID)
	case kindPipewireRemove:
		s.overlay.PipewireRemove(s.graph, s.ruleSet, s, evt.PID)
	case kindReload:
		s.reloadConfiguration()
	}
}

// scheduleSettled reposts evt onto the channel after execSettleDelay,
// matching spec §4.7's 1-2 second cgroup-settle wait before an ExecCreate is
// actually classified. The repost runs in its own goroutine so the event
// loop itself never blocks on the delay.
func (s *Service) scheduleSettled(ctx context.Context, evt Event) {
	evt.settled = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(execSettleDelay):
		}
		s.Post(evt)
	}()
}

// applyCpuMode re-derives and applies CFS tunables for the current cpu mode,
// matching main.rs's OnBattery/SetCpuMode dispatch that re-reads cpu_mode
// before deciding how to retune.
func (s *Service) applyCpuMode() {
	s.mu.Lock()
	mode := s.cpuMode
	onBattery := s.onBattery
	s.mu.Unlock()

	switch mode {
	case control.Auto:
		s.cfsOnBattery(onBattery)
	case control.Default:
		s.cfsApply(s.cfsDefaultConfig())
	case control.Responsive:
		s.cfsApply(s.cfsResponsiveConfig())
	case control.Custom:
		// no-op: SetCustomCpuMode drives this mode's application.
	}
}

func (s *Service) cfsApply(profile cfs.Profile) {
	if err := cfs.Tweak(s.cfsPaths, profile, s.cpuCount); err != nil {
		s.logger.Warn("cfs tuner: write failed", slog.Any("error", err))
	}
}

func (s *Service) cfsOnBattery(onBattery bool) {
	if onBattery {
		s.logger.Debug("auto cpu mode: applying default cfs profile")
		s.cfsApply(s.cfsDefaultConfig())
	} else {
		s.logger.Debug("auto cpu mode: applying responsive cfs profile")
		s.cfsApply(s.cfsResponsiveConfig())
	}
}

func (s *Service) cfsDefaultConfig() cfs.Profile {
	if p, ok := s.cfsProfiles["default"]; ok {
		return p
	}
	return cfs.DefaultProfile
}

func (s *Service) cfsResponsiveConfig() cfs.Profile {
	if p, ok := s.cfsProfiles["responsive"]; ok {
		return p
	}
	return cfs.ResponsiveProfile
}

// reloadConfiguration re-reads the configuration directory and swaps in the
// newly-compiled rule set and CFS profiles. A failed reload leaves the
// current configuration in place and only logs, per spec §7.
func (s *Service) reloadConfiguration() {
	compiled, err := s.reload(s.configDir)
	if err != nil {
		s.logger.Warn("reload configuration failed, keeping previous rules", slog.Any("error", err))
		return
	}
	s.ruleSet = compiled.RuleSet
	s.cfsProfiles = compiled.CFSProfiles
	if err := cfs.SetAutogroup(s.cfsPaths, compiled.AutogroupEnabled); err != nil {
		s.logger.Warn("failed to write autogroup setting", slog.Any("error", err))
	}
	s.logger.Info("configuration reloaded")
}

// ─── assign_new_process (spec §4.8) ──────────────────────────────────────

// assignNewProcess classifies a newly-observed (pid, ppid) pair and applies
// its effective profile.
func (s *Service) assignNewProcess(pid, ppid uint32, name, cmdline string) {
	for i := 0; i < cmdlineRetries && cmdline == ""; i++ {
		time.Sleep(cmdlineRetryDelay)
		if c, ok := procfs.Cmdline(s.procBuf, pid); ok {
			cmdline = c
			name = procfs.Name(c)
		}
	}

	s.ensureParentChain(ppid)

	cgroup, _ := procfs.Cgroup(s.procBuf, pid)
	rec := s.graph.Insert(graph.Candidate{PID: pid, PPID: ppid, Name: name, Cmdline: cmdline, Cgroup: cgroup})
	s.graph.LinkParent(rec, ppid)

	if anc, ok := s.overlay.ResolvePipewireAncestor(s.graph, rec); ok {
		rec.PipewireAncestor = anc
		rec.HasPipewireAncestor = true
	}

	s.classify(rec)

	if rec.Verdict == graph.Exception {
		s.maybeResetExceptionInherit(pid, ppid)
		s.recurseChildren(pid)
		return
	}

	if s.ruleSet.Foreground != nil && s.overlay.InForegroundSet(ppid) && !s.overlay.InForegroundSet(rec.PID) {
		s.overlay.AdoptForeground(rec.PID)
	}

	if profile, ok := overlay.EffectiveProfile(s.overlay, rec, s.ruleSet); ok {
		s.Apply(rec, profile)
	}

	s.recurseChildren(pid)
}

// recurseChildren implements spec §4.7's "after insertion, recurse into all
// children visible in /proc": a process that execs may already have a
// subtree (it inherited children across the exec, or forked before this
// event was processed), and that subtree must not sit unclassified until the
// next refresh sweep.
func (s *Service) recurseChildren(pid uint32) {
	for _, child := range procfs.Children(s.procBuf, pid) {
		s.admitDescendant(child, pid)
	}
}

// admitDescendant classifies and applies the effective profile for a child
// discovered by recurseChildren, then recurses into its own children. Unlike
// assignNewProcess, it does not wait out the cmdline-retry loop or apply the
// exec-inherit exception reset — both are specific to the process that
// actually just exec'd, not to children already present underneath it.
func (s *Service) admitDescendant(pid, ppid uint32) {
	cmdline, ok := procfs.Cmdline(s.procBuf, pid)
	if !ok {
		return
	}
	name := procfs.Name(cmdline)
	cgroup, _ := procfs.Cgroup(s.procBuf, pid)

	rec := s.graph.Insert(graph.Candidate{PID: pid, PPID: ppid, Name: name, Cmdline: cmdline, Cgroup: cgroup})
	s.graph.LinkParent(rec, ppid)

	if anc, ok := s.overlay.ResolvePipewireAncestor(s.graph, rec); ok {
		rec.PipewireAncestor = anc
		rec.HasPipewireAncestor = true
	}

	s.classify(rec)

	if rec.Verdict != graph.Exception {
		if s.ruleSet.Foreground != nil && s.overlay.InForegroundSet(ppid) && !s.overlay.InForegroundSet(rec.PID) {
			s.overlay.AdoptForeground(rec.PID)
		}
		if profile, ok := overlay.EffectiveProfile(s.overlay, rec, s.ruleSet); ok {
			s.Apply(rec, profile)
		}
	}

	s.recurseChildren(pid)
}

// ensureParentChain admits ppid into the graph if it is not already known,
// reading its grandparent and admitting that one level bare if it too is
// missing, then giving up — spec §4.8's "give up after one level" bound.
func (s *Service) ensureParentChain(ppid uint32) {
	if ppid == 0 {
		return
	}
	if _, ok := s.graph.Get(ppid); ok {
		return
	}

	cmdline, _ := procfs.Cmdline(s.procBuf, ppid)
	name := procfs.Name(cmdline)
	cgroup, _ := procfs.Cgroup(s.procBuf, ppid)
	gpid, _ := procfs.ParentID(s.procBuf, ppid)

	if gpid != 0 {
		if _, ok := s.graph.Get(gpid); !ok {
			s.admitBare(gpid)
		}
	}

	rec := s.graph.Insert(graph.Candidate{PID: ppid, PPID: gpid, Name: name, Cmdline: cmdline, Cgroup: cgroup})
	s.graph.LinkParent(rec, gpid)
	s.classify(rec)
}

// admitBare inserts a record for pid from whatever procfs can read right now,
// without recursing further up the tree. It implements overlay.Admitter.
func (s *Service) admitBare(pid uint32) {
	if _, ok := s.graph.Get(pid); ok {
		return
	}
	cmdline, _ := procfs.Cmdline(s.procBuf, pid)
	name := procfs.Name(cmdline)
	cgroup, _ := procfs.Cgroup(s.procBuf, pid)
	ppid, _ := procfs.ParentID(s.procBuf, pid)

	rec := s.graph.Insert(graph.Candidate{PID: pid, PPID: ppid, Name: name, Cmdline: cmdline, Cgroup: cgroup})
	if ppid != 0 {
		s.graph.LinkParent(rec, ppid)
	}
	s.classify(rec)
}

func (s *Service) classify(rec *graph.Record) {
	verdict, profileName := rules.Evaluate(s.graph, rec, s.ruleSet)
	rec.Verdict = verdict
	rec.ProfileName = profileName
}

// maybeResetExceptionInherit implements spec §4.5: a process that exec'd
// into an Exception-classified image keeps the nice value it inherited from
// its parent at fork time, unless that value exactly matches the parent's
// current nice, in which case it is reset to DefaultProfile so that a parent
// whose own nice was never touched does not leave the child stuck wherever
// the parent happens to sit.
func (s *Service) maybeResetExceptionInherit(pid, ppid uint32) {
	if priority.Get(pid) == priority.Get(ppid) {
		priority.Set(s.procBuf, pid, rules.DefaultProfile.Settings())
	}
}

// ─── overlay.Admitter ─────────────────────────────────────────────────────

// EnsureAdmitted implements overlay.Admitter.
func (s *Service) EnsureAdmitted(pid uint32) { s.admitBare(pid) }

// Children implements overlay.Admitter.
func (s *Service) Children(pid uint32) []uint32 { return procfs.Children(s.procBuf, pid) }

// ─── overlay.Applier ──────────────────────────────────────────────────────

// Apply implements overlay.Applier: it writes profile's settings to every
// thread of the process rec names.
func (s *Service) Apply(rec *graph.Record, profile rules.Profile) {
	priority.Set(s.procBuf, rec.PID, profile.Settings())
}

// ─── refresh sweep (spec §4.9) ────────────────────────────────────────────

// refreshSweep rebuilds the graph from a full /proc enumeration, re-evaluates
// every surviving record's verdict, and re-applies its effective profile.
func (s *Service) refreshSweep() {
	pids := procfs.ListPIDs()
	if pids == nil {
		// Spec §7: a failed /proc read aborts this sweep quietly; the arena
		// is left exactly as it was (no commit) and the next scheduled
		// sweep tries again.
		return
	}

	s.graph.DrainPrepare()

	type link struct{ pid, ppid uint32 }
	var links []link

	for _, pid := range pids {
		cmdline, ok := procfs.Cmdline(s.procBuf, pid)
		if !ok {
			continue
		}
		name := procfs.Name(cmdline)
		cgroup, _ := procfs.Cgroup(s.procBuf, pid)
		ppid, _ := procfs.ParentID(s.procBuf, pid)

		rec := s.graph.Insert(graph.Candidate{PID: pid, PPID: ppid, Name: name, Cmdline: cmdline, Cgroup: cgroup})
		s.graph.RetainTree(rec)
		links = append(links, link{pid: pid, ppid: ppid})
	}

	for _, l := range links {
		if rec, ok := s.graph.Get(l.pid); ok {
			s.graph.LinkParent(rec, l.ppid)
		}
	}

	s.graph.DrainCommit()

	s.graph.All(func(rec *graph.Record) {
		s.classify(rec)
		if rec.Verdict == graph.Exception {
			return
		}
		if profile, ok := overlay.EffectiveProfile(s.overlay, rec, s.ruleSet); ok {
			s.Apply(rec, profile)
		}
	})

	if s.overlay.HasFocus() {
		s.overlay.SetForeground(s.graph, s.ruleSet, s, s, s.overlay.FocusedPID())
	}
}

// ─── control.Backend ──────────────────────────────────────────────────────

// ReloadConfiguration implements control.Backend by posting a Reload event.
func (s *Service) ReloadConfiguration() {
	s.Post(Event{kind: kindReload})
}

// SetCpuMode implements control.Backend. The mode is recorded immediately
// (under mu) so a State() call racing with the event loop observes the new
// value right away, then a SetCpuMode event is posted so the loop performs
// the actual CFS retuning.
func (s *Service) SetCpuMode(mode control.CpuMode) {
	s.mu.Lock()
	s.cpuMode = mode
	s.mu.Unlock()
	s.Post(Event{kind: kindSetCpuMode})
}

// SetCpuProfile implements control.Backend, mirroring dbus.rs's
// set_cpu_profile dispatch: "auto"/"default"/"responsive" switch to the
// matching built-in mode, "" is a no-op, anything else selects a named
// custom CFS profile.
func (s *Service) SetCpuProfile(profile string) {
	s.mu.Lock()
	s.cpuProfile = profile
	s.mu.Unlock()

	switch profile {
	case "":
		return
	case "auto":
		s.SetCpuMode(control.Auto)
	case "default":
		s.SetCpuMode(control.Default)
	case "responsive":
		s.SetCpuMode(control.Responsive)
	default:
		s.mu.Lock()
		s.cpuMode = control.Custom
		s.mu.Unlock()
		s.Post(Event{kind: kindSetCustomCpuMode})
	}
}

// SetForegroundProcess implements control.Backend.
func (s *Service) SetForegroundProcess(pid uint32) {
	s.Post(Event{kind: kindSetForeground, PID: pid})
}

// State implements control.Backend.
func (s *Service) State() (control.CpuMode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpuMode, s.cpuProfile
}
