package overlay_test

import (
	"testing"

	"github.com/pop-os/system76-scheduler/internal/graph"
	"github.com/pop-os/system76-scheduler/internal/overlay"
	"github.com/pop-os/system76-scheduler/internal/rules"
)

type fakeAdmitter struct {
	children map[uint32][]uint32
	admitted []uint32
}

func (f *fakeAdmitter) Children(pid uint32) []uint32 { return f.children[pid] }
func (f *fakeAdmitter) EnsureAdmitted(pid uint32)    { f.admitted = append(f.admitted, pid) }

type recordedApply struct {
	pid     uint32
	profile rules.Profile
}

type fakeApplier struct{ calls []recordedApply }

func (f *fakeApplier) Apply(rec *graph.Record, profile rules.Profile) {
	f.calls = append(f.calls, recordedApply{pid: rec.PID, profile: profile})
}

func chain(g *graph.Graph, pids ...uint32) {
	var ppid uint32
	for _, pid := range pids {
		r := g.Insert(graph.Candidate{PID: pid, PPID: ppid, Name: "p", Cmdline: "/bin/p"})
		r.Verdict = graph.Assignable
		if ppid != 0 {
			g.LinkParent(r, ppid)
		}
		ppid = pid
	}
}

// Scenario 2: foreground descends apply.
func TestSetForegroundAppliesToDescendants(t *testing.T) {
	g := graph.New()
	chain(g, 10, 20, 30)
	other := g.Insert(graph.Candidate{PID: 99, PPID: 1, Name: "q", Cmdline: "/bin/q"})
	other.Verdict = graph.Assignable

	rs := rules.NewRuleSet()
	fg := rules.Profile{Name: "foreground", Nice: int8Ptr(-5)}
	bg := rules.Profile{Name: "background", Nice: int8Ptr(5)}
	rs.Foreground = &rules.Foreground{Foreground: fg, Background: bg}

	m := overlay.New()
	admitter := &fakeAdmitter{}
	applier := &fakeApplier{}
	m.SetForeground(g, rs, admitter, applier, 10)

	got := make(map[uint32]rules.Profile)
	for _, c := range applier.calls {
		got[c.pid] = c.profile
	}
	for _, pid := range []uint32{10, 20, 30} {
		if got[pid].Name != "foreground" {
			t.Errorf("pid %d: profile = %q, want foreground", pid, got[pid].Name)
		}
	}
	if got[99].Name != "background" {
		t.Errorf("pid 99: profile = %q, want background", got[99].Name)
	}
	if !m.InForegroundSet(20) {
		t.Errorf("pid 20 should be in foreground set")
	}
}

// Scenario 3: pipewire overrides foreground.
func TestPipewireOverridesForeground(t *testing.T) {
	g := graph.New()
	chain(g, 10, 20, 30)

	rs := rules.NewRuleSet()
	fg := rules.Profile{Name: "foreground", Nice: int8Ptr(-5)}
	bg := rules.Profile{Name: "background", Nice: int8Ptr(5)}
	rs.Foreground = &rules.Foreground{Foreground: fg, Background: bg}
	pw := rules.Profile{Name: "pipewire", Nice: int8Ptr(-4)}
	rs.Pipewire = &pw

	m := overlay.New()
	admitter := &fakeAdmitter{}
	applier := &fakeApplier{}
	m.SetForeground(g, rs, admitter, applier, 10)

	applier.calls = nil
	m.PipewireAdd(g, rs, applier, 30)

	got := make(map[uint32]rules.Profile)
	for _, c := range applier.calls {
		got[c.pid] = c.profile
	}
	if got[30].Name != "pipewire" {
		t.Fatalf("pid 30 profile = %q, want pipewire", got[30].Name)
	}
	if _, touched := got[10]; touched {
		t.Errorf("pid 10 should not be re-applied by PipewireAdd(30)")
	}
}

// R3: PipewireAdd then PipewireRemove restores the prior effective profile.
func TestPipewireRemoveRestoresForeground(t *testing.T) {
	g := graph.New()
	chain(g, 10, 20, 30)

	rs := rules.NewRuleSet()
	fg := rules.Profile{Name: "foreground", Nice: int8Ptr(-5)}
	bg := rules.Profile{Name: "background", Nice: int8Ptr(5)}
	rs.Foreground = &rules.Foreground{Foreground: fg, Background: bg}
	pw := rules.Profile{Name: "pipewire", Nice: int8Ptr(-4)}
	rs.Pipewire = &pw

	m := overlay.New()
	admitter := &fakeAdmitter{}
	applier := &fakeApplier{}
	m.SetForeground(g, rs, admitter, applier, 10)
	m.PipewireAdd(g, rs, applier, 30)

	applier.calls = nil
	m.PipewireRemove(g, rs, applier, 30)

	if len(applier.calls) != 1 || applier.calls[0].pid != 30 {
		t.Fatalf("PipewireRemove calls = %+v, want single call for pid 30", applier.calls)
	}
	if applier.calls[0].profile.Name != "foreground" {
		t.Errorf("pid 30 profile after remove = %q, want foreground", applier.calls[0].profile.Name)
	}
}

func TestSetForegroundAdmitsUnseenChildren(t *testing.T) {
	g := graph.New()
	g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "p", Cmdline: "/bin/p"}).Verdict = graph.Assignable

	rs := rules.NewRuleSet()
	m := overlay.New()
	admitter := &fakeAdmitter{children: map[uint32][]uint32{10: {11, 12}}}
	applier := &fakeApplier{}

	m.SetForeground(g, rs, admitter, applier, 10)

	if len(admitter.admitted) != 2 {
		t.Fatalf("admitted = %v, want 2 children", admitter.admitted)
	}
}

func int8Ptr(v int8) *int8 { return &v }
