// Package rules implements the compiled rule set and the rule evaluation
// pipeline: given a process record and the compiled rules, it returns one of
// four verdicts (NotAssignable, Assignable, Exception, Configured) and, for
// Configured, the name of the bound profile.
package rules

import "github.com/pop-os/system76-scheduler/internal/priority"

// Profile is a named bundle of nice, I/O, and scheduler settings. Name
// drives the deterministic iteration order required by the condition-rule
// evaluation step (spec's iteration-order open question, resolved as
// sorted-by-name).
type Profile struct {
	Name          string
	Nice          *int8
	IOClass       priority.IOClass
	IOLevel       uint8
	SchedPolicy   priority.SchedPolicy
	SchedPriority uint8
}

// DefaultProfile is applied when an Exception-classified process inherited
// its parent's nice value at exec time (spec §4.5): nice 0, BestEffort at
// the lowest level, Other scheduling policy.
var DefaultProfile = Profile{
	Name:        "default",
	Nice:        int8Ptr(0),
	IOClass:     priority.IOClassBestEffort,
	IOLevel:     7,
	SchedPolicy: priority.SchedOther,
}

func int8Ptr(v int8) *int8 { return &v }

// Settings converts a Profile into the priority package's Settings, clamping
// every numeric field into its valid range per spec's boundary rule B3.
func (p Profile) Settings() priority.Settings {
	var nice *int8
	if p.Nice != nil {
		n := priority.ClampNice(int(*p.Nice))
		nice = &n
	}
	return priority.Settings{
		Nice:          nice,
		SchedPolicy:   p.SchedPolicy,
		SchedPriority: priority.ClampRTPriority(int(p.SchedPriority)),
		IOClass:       p.IOClass,
		IOLevel:       priority.ClampIOLevel(int(p.IOLevel)),
	}
}
