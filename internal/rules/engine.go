package rules

import "github.com/pop-os/system76-scheduler/internal/graph"

// Evaluate implements the spec §4.3 evaluation order: exception check,
// direct map match, ordered condition rules, then Assignable. It returns the
// verdict and, for Configured, the bound profile's name (ProfileName on the
// record lets the overlay manager and priority applier look the profile back
// up without re-running the engine).
func Evaluate(g *graph.Graph, rec *graph.Record, rs *RuleSet) (graph.Verdict, string) {
	if rec.Cmdline == "" {
		return graph.NotAssignable, ""
	}

	if _, ok := rs.ExceptionsByCmdline[rec.Cmdline]; ok {
		return graph.Exception, ""
	}
	if _, ok := rs.ExceptionsByName[rec.Name]; ok {
		return graph.Exception, ""
	}
	for _, cond := range rs.ExceptionsConditions {
		if cond.MatchesException(g, rec) {
			return graph.Exception, ""
		}
	}

	if p, ok := rs.ByCmdline[rec.Cmdline]; ok {
		return graph.Configured, p.Name
	}
	if p, ok := rs.ByName[rec.Name]; ok {
		return graph.Configured, p.Name
	}

	for _, group := range rs.Conditions {
		bound := false
		for _, entry := range group.Rules {
			if !entry.Condition.Matches(g, rec) {
				continue
			}
			if entry.Include {
				bound = true
				continue
			}
			// Exclude match: abandon this profile entirely.
			bound = false
			break
		}
		if bound {
			return graph.Configured, group.Profile.Name
		}
	}

	return graph.Assignable, ""
}
