package rules

import "sort"

// ConditionEntry pairs a condition with whether it includes (binds the
// enclosing profile) or excludes (abandons it) on a match.
type ConditionEntry struct {
	Condition Condition
	Include   bool
}

// ConditionGroup is one profile's ordered include/exclude list.
type ConditionGroup struct {
	Profile Profile
	Rules   []ConditionEntry
}

// Foreground holds the two profiles the overlay manager applies to the
// focused process tree and everything else, when focus mode is configured.
type Foreground struct {
	Foreground Profile
	Background Profile
}

// RuleSet is the compiled, immutable-between-reloads product of the
// configuration loader. Conditions is sorted by profile name once at load
// time so that iteration order — and therefore which profile wins when two
// condition groups tentatively bind the same record — is deterministic
// across reloads (spec §9 open question).
type RuleSet struct {
	ByCmdline map[string]Profile
	ByName    map[string]Profile

	Conditions []ConditionGroup

	ExceptionsByName     map[string]struct{}
	ExceptionsByCmdline  map[string]struct{}
	ExceptionsConditions []Condition

	Foreground *Foreground
	Pipewire   *Profile

	// Profiles indexes every named profile in the rule set (condition
	// groups, direct map entries, foreground/background, pipewire) so
	// callers holding only a ProfileName can look up the full Profile
	// without re-walking the rule set.
	Profiles map[string]Profile
}

// ProfileByName looks up a profile bound by Evaluate's returned name. It
// falls back to DefaultProfile if the name is empty or not in Profiles; a
// rule set built by LoadConfig indexes every profile it can bind.
func (rs *RuleSet) ProfileByName(name string) Profile {
	if name == "" {
		return DefaultProfile
	}
	if p, ok := rs.Profiles[name]; ok {
		return p
	}
	return DefaultProfile
}

// NewRuleSet returns an empty rule set with initialized maps, ready for a
// loader to populate before calling SortConditions.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		ByCmdline:           make(map[string]Profile),
		ByName:              make(map[string]Profile),
		ExceptionsByName:    make(map[string]struct{}),
		ExceptionsByCmdline: make(map[string]struct{}),
		Profiles:            make(map[string]Profile),
	}
}

// SortConditions orders Conditions by profile name. Call once after a loader
// has finished appending groups.
func (rs *RuleSet) SortConditions() {
	sort.Slice(rs.Conditions, func(i, j int) bool {
		return rs.Conditions[i].Profile.Name < rs.Conditions[j].Profile.Name
	})
}
