// Package overlay implements the foreground/background/pipewire overlay
// described in spec §4.4: a transient mapping applied on top of a record's
// cached verdict that never itself becomes part of the verdict. It tracks
// the focused PID, the foreground set (the focused process and its
// assignable descendants), and the pipewire set (PIDs holding an active
// audio-client handle), and computes the effective profile for any
// Assignable record from those sets plus the compiled rule set's
// foreground/pipewire profiles.
package overlay

import (
	"github.com/pop-os/system76-scheduler/internal/graph"
	"github.com/pop-os/system76-scheduler/internal/rules"
)

// Admitter pre-admits a PID into the process graph with a bare, unclassified
// record, without running the full rule-engine assignment path, and reports
// a process's direct children. The overlay manager uses both to pull in
// children of a newly-focused process that the exec notifier or refresh
// sweep has not yet observed (spec §4.4's "pre-scan children of F ... and
// admit any unseen ones").
type Admitter interface {
	EnsureAdmitted(pid uint32)
	Children(pid uint32) []uint32
}

// Applier applies profile to the process a record names. Implemented by
// internal/service.Service, which owns the procfs scratch buffer and
// priority syscalls the overlay manager has no business holding itself.
type Applier interface {
	Apply(rec *graph.Record, profile rules.Profile)
}

// Manager holds the overlay's mutable state: the focused PID, the
// foreground set, and the pipewire set. It is single-owner, matching the
// graph it operates on — callers must only use it from the event loop
// goroutine.
type Manager struct {
	hasFocus   bool
	focusedPID uint32
	foreground map[uint32]struct{}
	pipewire   map[uint32]struct{}
}

// New returns an empty overlay manager: no focus, no pipewire clients.
func New() *Manager {
	return &Manager{
		foreground: make(map[uint32]struct{}),
		pipewire:   make(map[uint32]struct{}),
	}
}

// HasFocus reports whether a foreground process has ever been set.
func (m *Manager) HasFocus() bool { return m.hasFocus }

// FocusedPID returns the most recently focused PID. Only meaningful when
// HasFocus is true.
func (m *Manager) FocusedPID() uint32 { return m.focusedPID }

// AdoptForeground adds pid to the foreground set directly, without rebuilding
// it from the process tree. Used by assign_new_process (spec §4.8) when a
// newly-exec'd child inherits its parent's foreground membership at creation
// time, which is a narrower operation than a full SetForeground focus change.
func (m *Manager) AdoptForeground(pid uint32) {
	m.foreground[pid] = struct{}{}
}

// InPipewireSet reports whether pid itself holds an active audio-client
// handle, independent of any descendant relationship.
func (m *Manager) InPipewireSet(pid uint32) bool {
	_, ok := m.pipewire[pid]
	return ok
}

// InForegroundSet reports whether pid is currently part of the focused
// process's tree.
func (m *Manager) InForegroundSet(pid uint32) bool {
	_, ok := m.foreground[pid]
	return ok
}

// inPipewireOverlay implements "R in pipewire overlay" from the §4.4 table:
// R.pid is itself in pipewire_set, or R's cached pipewire_ancestor is.
func (m *Manager) inPipewireOverlay(rec *graph.Record) bool {
	if _, ok := m.pipewire[rec.PID]; ok {
		return true
	}
	if rec.HasPipewireAncestor {
		_, ok := m.pipewire[rec.PipewireAncestor]
		return ok
	}
	return false
}

// ResolvePipewireAncestor walks rec and its ancestors looking for a PID
// presently in the pipewire set, nearest first, for assign_new_process step
// 4 (spec §4.8) to populate a newly-created record's pipewire_ancestor.
func (m *Manager) ResolvePipewireAncestor(g *graph.Graph, rec *graph.Record) (uint32, bool) {
	if _, ok := m.pipewire[rec.PID]; ok {
		return rec.PID, true
	}
	for _, a := range g.Ancestors(rec) {
		if _, ok := m.pipewire[a.PID]; ok {
			return a.PID, true
		}
	}
	return 0, false
}

// EffectiveProfile implements the §4.4 table: Configured records keep their
// bound profile, Exception and NotAssignable records have none, and
// Assignable records resolve through pipewire, then foreground/background,
// then rules.DefaultProfile. ok is false only for Exception and
// NotAssignable records; an Assignable record always gets a profile.
func EffectiveProfile(m *Manager, rec *graph.Record, rs *rules.RuleSet) (rules.Profile, bool) {
	switch rec.Verdict {
	case graph.Configured:
		return rs.ProfileByName(rec.ProfileName), true
	case graph.Exception, graph.NotAssignable:
		return rules.Profile{}, false
	case graph.Assignable:
		if rs.Pipewire != nil && m.inPipewireOverlay(rec) {
			return *rs.Pipewire, true
		}
		if rs.Foreground != nil {
			if _, ok := m.foreground[rec.PID]; ok {
				return rs.Foreground.Foreground, true
			}
			return rs.Foreground.Background, true
		}
		return rules.DefaultProfile, true
	default:
		return rules.Profile{}, false
	}
}

func isDescendant(g *graph.Graph, rec *graph.Record, ancestorPID uint32) bool {
	for _, a := range g.Ancestors(rec) {
		if a.PID == ancestorPID {
			return true
		}
	}
	return false
}

// SetForeground implements the §4.4 focus-change algorithm: it admits any
// unseen children of pid, rebuilds the foreground set from every Assignable
// record reachable from pid by parent links, and re-applies the effective
// profile to every Assignable record in the arena (both newly foregrounded
// ones and ones that just lost focus).
func (m *Manager) SetForeground(g *graph.Graph, rs *rules.RuleSet, admitter Admitter, applier Applier, pid uint32) {
	admitChildren(g, admitter, pid)

	m.hasFocus = true
	m.focusedPID = pid
	m.foreground = make(map[uint32]struct{})
	m.foreground[pid] = struct{}{}

	g.All(func(rec *graph.Record) {
		if rec.Verdict != graph.Assignable {
			return
		}
		if rec.PID == pid || isDescendant(g, rec, pid) {
			m.foreground[rec.PID] = struct{}{}
		}
	})

	m.reapplyAssignable(g, rs, applier)
}

// admitChildren pre-admits every direct child of pid that the graph does not
// yet know about, per spec §4.4.
func admitChildren(g *graph.Graph, admitter Admitter, pid uint32) {
	if _, ok := g.Get(pid); !ok {
		return
	}
	for _, child := range admitter.Children(pid) {
		if _, ok := g.Get(child); !ok {
			admitter.EnsureAdmitted(child)
		}
	}
}

func (m *Manager) reapplyAssignable(g *graph.Graph, rs *rules.RuleSet, applier Applier) {
	g.All(func(rec *graph.Record) {
		if rec.Verdict != graph.Assignable {
			return
		}
		if profile, ok := EffectiveProfile(m, rec, rs); ok {
			applier.Apply(rec, profile)
		}
	})
}

// PipewireAdd implements the §4.4 pipewire-add algorithm. If pid is already
// known with a non-Assignable verdict it is left alone entirely (an
// Exception or Configured process never becomes pipewire-overridden).
// Otherwise pid joins the pipewire set and every Assignable record rooted at
// pid (itself or a descendant) has its pipewire_ancestor set and the
// pipewire profile applied.
func (m *Manager) PipewireAdd(g *graph.Graph, rs *rules.RuleSet, applier Applier, pid uint32) {
	if rec, ok := g.Get(pid); ok && rec.Verdict != graph.Assignable {
		return
	}

	m.pipewire[pid] = struct{}{}

	g.All(func(rec *graph.Record) {
		if rec.Verdict != graph.Assignable {
			return
		}
		if rec.PID != pid && !isDescendant(g, rec, pid) {
			return
		}
		rec.PipewireAncestor = pid
		rec.HasPipewireAncestor = true
		if profile, ok := EffectiveProfile(m, rec, rs); ok {
			applier.Apply(rec, profile)
		}
	})
}

// PipewireRemove implements the §4.4 pipewire-remove algorithm: pid leaves
// the pipewire set, and every record whose cached pipewire_ancestor was pid
// (or whose own pid was pid) has that link cleared and its effective profile
// re-derived, falling back to foreground/background/default.
func (m *Manager) PipewireRemove(g *graph.Graph, rs *rules.RuleSet, applier Applier, pid uint32) {
	delete(m.pipewire, pid)

	g.All(func(rec *graph.Record) {
		if rec.PID != pid && !(rec.HasPipewireAncestor && rec.PipewireAncestor == pid) {
			return
		}
		rec.HasPipewireAncestor = false
		rec.PipewireAncestor = 0
		if rec.Verdict != graph.Assignable {
			return
		}
		if profile, ok := EffectiveProfile(m, rec, rs); ok {
			applier.Apply(rec, profile)
		}
	})
}
