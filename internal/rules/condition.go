package rules

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/pop-os/system76-scheduler/internal/graph"
)

// Pattern is a single wildcard match, optionally negated with a leading '!'.
// Matching is path-agnostic: '*' spans '/' so a cgroup pattern like
// "*/game.slice/*" matches across the whole cgroup path rather than a single
// path segment, which rules out path/filepath.Match.
type Pattern struct {
	g      glob.Glob
	negate bool
	raw    string
}

// CompilePattern compiles s, stripping and remembering a leading '!'.
func CompilePattern(s string) (Pattern, error) {
	negate := false
	if strings.HasPrefix(s, "!") {
		negate = true
		s = s[1:]
	}
	g, err := glob.Compile(s)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{g: g, negate: negate, raw: s}, nil
}

// Match reports whether s matches the pattern, honoring negation.
func (p Pattern) Match(s string) bool {
	matched := p.g.Match(s)
	if p.negate {
		return !matched
	}
	return matched
}

func anyMatch(patterns []Pattern, s string) bool {
	for _, p := range patterns {
		if p.Match(s) {
			return true
		}
	}
	return false
}

// Condition is a conjunction of optional sub-fields. Every present field
// must match for the condition as a whole to match.
type Condition struct {
	Cgroup   *Pattern
	Name     *Pattern
	Descends *Pattern
	Parent   []Pattern
}

// Matches implements the condition-rule evaluation semantics of spec §4.3
// point 3: parent matches against the immediate parent's name only, and
// descends matches against any ancestor's name only.
func (c Condition) Matches(g *graph.Graph, rec *graph.Record) bool {
	if c.Cgroup != nil && !c.Cgroup.Match(rec.Cgroup) {
		return false
	}
	if c.Name != nil && !c.Name.Match(rec.Name) {
		return false
	}
	if len(c.Parent) > 0 {
		parent, ok := g.Parent(rec)
		if !ok || !anyMatch(c.Parent, parent.Name) {
			return false
		}
	}
	if c.Descends != nil {
		matched := false
		for _, a := range g.Ancestors(rec) {
			if c.Descends.Match(a.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MatchesException implements the exception-condition evaluation semantics
// of spec §4.3 point 1: descends first checks the record's own forked_name
// (the name it exec'd from) before falling back to ancestors' name or
// forked_name, and parent matches against the immediate parent's name or
// forked_name. This extra forked_name fallback exists only for exceptions,
// which must still recognize a process that just exec'd into an excepted
// binary before the rest of the arena reflects the rename.
func (c Condition) MatchesException(g *graph.Graph, rec *graph.Record) bool {
	if c.Cgroup != nil && !c.Cgroup.Match(rec.Cgroup) {
		return false
	}
	if c.Name != nil && !c.Name.Match(rec.Name) {
		return false
	}
	if len(c.Parent) > 0 {
		parent, ok := g.Parent(rec)
		if !ok {
			return false
		}
		if !anyMatch(c.Parent, parent.Name) && !anyMatch(c.Parent, parent.ForkedName) {
			return false
		}
	}
	if c.Descends != nil {
		matched := c.Descends.Match(rec.ForkedName)
		if !matched {
			for _, a := range g.Ancestors(rec) {
				if c.Descends.Match(a.Name) || c.Descends.Match(a.ForkedName) {
					matched = true
					break
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
