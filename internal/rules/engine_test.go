package rules_test

import (
	"testing"

	"github.com/pop-os/system76-scheduler/internal/graph"
	"github.com/pop-os/system76-scheduler/internal/rules"
)

func mustPattern(t *testing.T, s string) rules.Pattern {
	t.Helper()
	p, err := rules.CompilePattern(s)
	if err != nil {
		t.Fatalf("CompilePattern(%q): %v", s, err)
	}
	return p
}

func TestEvaluateEmptyCmdlineIsNotAssignable(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{PID: 1, PPID: 0, Name: "", Cmdline: ""})
	rs := rules.NewRuleSet()

	verdict, _ := rules.Evaluate(g, r, rs)
	if verdict != graph.NotAssignable {
		t.Fatalf("verdict = %v, want NotAssignable", verdict)
	}
}

func TestEvaluateExceptionByCmdline(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{PID: 200, PPID: 199, Name: "tar", Cmdline: "/usr/bin/tar"})
	rs := rules.NewRuleSet()
	rs.ExceptionsByCmdline["/usr/bin/tar"] = struct{}{}

	verdict, _ := rules.Evaluate(g, r, rs)
	if verdict != graph.Exception {
		t.Fatalf("verdict = %v, want Exception", verdict)
	}
}

// Scenario 4: a cgroup condition matching a multi-segment path binds the
// profile.
func TestEvaluateCgroupCondition(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{
		PID: 4242, PPID: 1, Name: "wine", Cmdline: "/usr/bin/wine",
		Cgroup: "0::/user.slice/user-1000.slice/session.slice/game.slice/wine-4242",
	})

	rs := rules.NewRuleSet()
	cgroupPattern := mustPattern(t, "*/game.slice/*")
	rs.Conditions = []rules.ConditionGroup{
		{
			Profile: rules.Profile{Name: "games"},
			Rules: []rules.ConditionEntry{
				{Condition: rules.Condition{Cgroup: &cgroupPattern}, Include: true},
			},
		},
	}

	verdict, name := rules.Evaluate(g, r, rs)
	if verdict != graph.Configured || name != "games" {
		t.Fatalf("verdict = %v/%q, want Configured/games", verdict, name)
	}
}

// Scenario 5: include/exclude composition. A matching exclude abandons the
// profile even though an include also matched.
func TestEvaluateIncludeExcludeComposition(t *testing.T) {
	g := graph.New()
	makeProc := g.Insert(graph.Candidate{PID: 1, PPID: 0, Name: "make", Cmdline: "/usr/bin/make"})

	cc1 := g.Insert(graph.Candidate{PID: 2, PPID: 1, Name: "cc1", Cmdline: "/usr/lib/cc1"})
	g.LinkParent(cc1, makeProc.PID)

	strip := g.Insert(graph.Candidate{PID: 3, PPID: 1, Name: "strip", Cmdline: "/usr/bin/strip"})
	g.LinkParent(strip, makeProc.PID)

	parentPattern := mustPattern(t, "make")
	namePattern := mustPattern(t, "strip")
	rs := rules.NewRuleSet()
	rs.Conditions = []rules.ConditionGroup{
		{
			Profile: rules.Profile{Name: "coders"},
			Rules: []rules.ConditionEntry{
				{Condition: rules.Condition{Parent: []rules.Pattern{parentPattern}}, Include: true},
				{Condition: rules.Condition{Name: &namePattern}, Include: false},
			},
		},
	}

	if verdict, name := rules.Evaluate(g, cc1, rs); verdict != graph.Configured || name != "coders" {
		t.Fatalf("cc1: verdict = %v/%q, want Configured/coders", verdict, name)
	}
	if verdict, _ := rules.Evaluate(g, strip, rs); verdict != graph.Assignable {
		t.Fatalf("strip: verdict = %v, want Assignable (exclude wins)", verdict)
	}
}

// P4: the rule engine is deterministic.
func TestEvaluateIsDeterministic(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "sh", Cmdline: "/bin/sh"})
	rs := rules.NewRuleSet()
	rs.ByName["sh"] = rules.Profile{Name: "shells"}

	v1, n1 := rules.Evaluate(g, r, rs)
	v2, n2 := rules.Evaluate(g, r, rs)
	if v1 != v2 || n1 != n2 {
		t.Fatalf("evaluation not deterministic: (%v,%q) vs (%v,%q)", v1, n1, v2, n2)
	}
}

// Deterministic iteration order: when two condition groups would both bind,
// the group whose profile name sorts first wins.
func TestConditionsSortedByProfileName(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "x", Cmdline: "/bin/x"})

	always := mustPattern(t, "x")
	rs := rules.NewRuleSet()
	rs.Conditions = []rules.ConditionGroup{
		{Profile: rules.Profile{Name: "zeta"}, Rules: []rules.ConditionEntry{{Condition: rules.Condition{Name: &always}, Include: true}}},
		{Profile: rules.Profile{Name: "alpha"}, Rules: []rules.ConditionEntry{{Condition: rules.Condition{Name: &always}, Include: true}}},
	}
	rs.SortConditions()

	_, name := rules.Evaluate(g, r, rs)
	if name != "alpha" {
		t.Fatalf("name = %q, want alpha (sorted first)", name)
	}
}
