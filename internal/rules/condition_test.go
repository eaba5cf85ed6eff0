package rules_test

import (
	"testing"

	"github.com/pop-os/system76-scheduler/internal/rules"
)

// B4: a condition with name="!foo" matches names other than "foo".
func TestPatternNegation(t *testing.T) {
	p, err := rules.CompilePattern("!foo")
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}
	if p.Match("foo") {
		t.Fatal("negated pattern matched the literal it negates")
	}
	if !p.Match("bar") {
		t.Fatal("negated pattern should match anything other than the literal")
	}
}

// Wildcards must be path-agnostic: '*' spans '/' so a cgroup pattern like
// "*/game.slice/*" matches the whole path, not a single segment.
func TestPatternWildcardSpansSeparators(t *testing.T) {
	p, err := rules.CompilePattern("*/game.slice/*")
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}
	cgroup := "0::/user.slice/user-1000.slice/session.slice/game.slice/wine-4242"
	if !p.Match(cgroup) {
		t.Fatalf("pattern did not match multi-segment cgroup %q", cgroup)
	}
}
