package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pop-os/system76-scheduler/internal/cfs"
	"github.com/pop-os/system76-scheduler/internal/priority"
)

// Document is the YAML shape a configuration file unmarshals into. Its
// structure mirrors the element/attribute names of the KDL document spec §6
// describes 1:1 (cfs-profiles, process-scheduler, assignments, exceptions)
// so that a future KDL parser producing the same tree needs no semantic
// translation — only a different unmarshaler.
type Document struct {
	// AutogroupEnabled mirrors the KDL root element's "autogroup-enabled"
	// property; the event loop writes it to sched_autogroup_enabled on
	// every configuration reload (spec §4.7, §6).
	AutogroupEnabled bool                `yaml:"autogroup_enabled"`
	CFSProfiles      []CFSProfileDoc     `yaml:"cfs_profiles"`
	ProcessScheduler ProcessSchedulerDoc `yaml:"process_scheduler"`
}

// CFSProfileDoc is one named entry under cfs_profiles.
type CFSProfileDoc struct {
	Name              string  `yaml:"name"`
	Latency           uint64  `yaml:"latency"`
	NrLatency         uint64  `yaml:"nr_latency"`
	WakeupGranularity float64 `yaml:"wakeup_granularity"`
	BandwidthSize     uint64  `yaml:"bandwidth_size"`
	Preempt           string  `yaml:"preempt,omitempty"`
}

// ProcessSchedulerDoc is the process-scheduler root element.
type ProcessSchedulerDoc struct {
	RefreshRateMS int              `yaml:"refresh_rate_ms"`
	Execsnoop     bool             `yaml:"execsnoop"`
	Foreground    *ForegroundDoc   `yaml:"foreground"`
	Pipewire      *ProfileSettingsDoc `yaml:"pipewire"`
	Assignments   []AssignmentDoc  `yaml:"assignments"`
	Exceptions    ExceptionsDoc    `yaml:"exceptions"`
}

// ForegroundDoc carries the two profiles applied when focus mode is
// configured.
type ForegroundDoc struct {
	Foreground ProfileSettingsDoc `yaml:"foreground"`
	Background ProfileSettingsDoc `yaml:"background"`
}

// ProfileSettingsDoc is the raw scheduling settings shared by every kind of
// profile node (named assignment profiles, foreground/background, pipewire).
type ProfileSettingsDoc struct {
	Nice          *int8  `yaml:"nice,omitempty"`
	IOClass       string `yaml:"io_class,omitempty"`
	IOLevel       uint8  `yaml:"io_level,omitempty"`
	SchedPolicy   string `yaml:"sched_policy,omitempty"`
	SchedPriority uint8  `yaml:"sched_priority,omitempty"`
}

// AssignmentDoc is one named profile under assignments, with exact-match
// entries and/or include/exclude conditions.
type AssignmentDoc struct {
	Profile            string `yaml:"profile"`
	ProfileSettingsDoc `yaml:",inline"`
	Names              []string       `yaml:"names,omitempty"`
	Cmdlines           []string       `yaml:"cmdlines,omitempty"`
	Rules              []ConditionDoc `yaml:"conditions,omitempty"`
}

// ConditionDoc is one include/exclude entry, holding at most one of
// Include/Exclude populated.
type ConditionDoc struct {
	Include *ConditionFieldsDoc `yaml:"include,omitempty"`
	Exclude *ConditionFieldsDoc `yaml:"exclude,omitempty"`
}

// ConditionFieldsDoc is the cgroup=/name=/parent=/descends= attribute set
// spec §6 describes for KDL include/exclude blocks.
type ConditionFieldsDoc struct {
	Cgroup   string   `yaml:"cgroup,omitempty"`
	Name     string   `yaml:"name,omitempty"`
	Parent   []string `yaml:"parent,omitempty"`
	Descends string   `yaml:"descends,omitempty"`
}

// ExceptionsDoc lists exact-match exceptions and exception conditions.
type ExceptionsDoc struct {
	Names      []string       `yaml:"names,omitempty"`
	Cmdlines   []string       `yaml:"cmdlines,omitempty"`
	Conditions []ConditionDoc `yaml:"conditions,omitempty"`
}

// Compiled is the result of loading a configuration file: the rule set the
// engine evaluates against plus the CFS profiles the CFS Tuner applies.
type Compiled struct {
	RuleSet          *RuleSet
	CFSProfiles      map[string]cfs.Profile
	RefreshRateMS    int
	Execsnoop        bool
	AutogroupEnabled bool
}

// LoadConfig reads and compiles the configuration tree rooted at dir: a
// root config.yaml plus every *.yaml under dir/assignments, mirroring spec
// §6's config.kdl + assignments/*.kdl layout. On validation failure it
// returns an error that joins every validation failure encountered.
func LoadConfig(dir string) (*Compiled, error) {
	root := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(root)
	if err != nil {
		return nil, fmt.Errorf("rules: cannot read %q: %w", root, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: cannot parse %q: %w", root, err)
	}

	assignDir := filepath.Join(dir, "assignments")
	extra, err := loadAssignmentFragments(assignDir)
	if err != nil {
		return nil, err
	}
	doc.ProcessScheduler.Assignments = append(doc.ProcessScheduler.Assignments, extra...)

	if err := validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("rules: validation failed for %q: %w", dir, err)
	}

	return compile(&doc)
}

// loadAssignmentFragments reads every *.yaml file under dir and unmarshals
// each as a list of assignments, matching spec §6's "every *.kdl under
// assignments/" layout. A missing directory is not an error: assignments
// may live entirely in the root document.
func loadAssignmentFragments(dir string) ([]AssignmentDoc, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules: cannot read %q: %w", dir, err)
	}

	var out []AssignmentDoc
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rules: cannot read %q: %w", path, err)
		}
		var fragment []AssignmentDoc
		if err := yaml.Unmarshal(data, &fragment); err != nil {
			return nil, fmt.Errorf("rules: cannot parse %q: %w", path, err)
		}
		out = append(out, fragment...)
	}
	return out, nil
}

var validIOClasses = map[string]bool{"": true, "idle": true, "best_effort": true, "realtime": true}
var validSchedPolicies = map[string]bool{"": true, "other": true, "batch": true, "idle": true, "fifo": true, "rr": true}

func validateDocument(doc *Document) error {
	var errs []error

	for i, p := range doc.CFSProfiles {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("cfs_profiles[%d]: name is required", i))
		}
	}

	for i, a := range doc.ProcessScheduler.Assignments {
		prefix := fmt.Sprintf("process_scheduler.assignments[%d]", i)
		if a.Profile == "" {
			errs = append(errs, fmt.Errorf("%s: profile is required", prefix))
		}
		if !validIOClasses[a.IOClass] {
			errs = append(errs, fmt.Errorf("%s: io_class %q must be one of: idle, best_effort, realtime", prefix, a.IOClass))
		}
		if !validSchedPolicies[a.SchedPolicy] {
			errs = append(errs, fmt.Errorf("%s: sched_policy %q must be one of: other, batch, idle, fifo, rr", prefix, a.SchedPolicy))
		}
		for j, c := range a.Rules {
			if c.Include == nil && c.Exclude == nil {
				errs = append(errs, fmt.Errorf("%s.conditions[%d]: must set include or exclude", prefix, j))
			}
		}
	}

	return errors.Join(errs...)
}

func ioClassFromString(s string) priority.IOClass {
	switch s {
	case "realtime":
		return priority.IOClassRealtime
	case "idle":
		return priority.IOClassIdle
	default:
		return priority.IOClassBestEffort
	}
}

func schedPolicyFromString(s string) priority.SchedPolicy {
	switch s {
	case "batch":
		return priority.SchedBatch
	case "idle":
		return priority.SchedIdle
	case "fifo":
		return priority.SchedFifo
	case "rr":
		return priority.SchedRR
	default:
		return priority.SchedOther
	}
}

func profileFromSettings(name string, s ProfileSettingsDoc) Profile {
	return Profile{
		Name:          name,
		Nice:          s.Nice,
		IOClass:       ioClassFromString(s.IOClass),
		IOLevel:       s.IOLevel,
		SchedPolicy:   schedPolicyFromString(s.SchedPolicy),
		SchedPriority: s.SchedPriority,
	}
}

func conditionFromDoc(d *ConditionFieldsDoc) (Condition, error) {
	var c Condition
	if d.Cgroup != "" {
		p, err := CompilePattern(d.Cgroup)
		if err != nil {
			return c, fmt.Errorf("cgroup pattern %q: %w", d.Cgroup, err)
		}
		c.Cgroup = &p
	}
	if d.Name != "" {
		p, err := CompilePattern(d.Name)
		if err != nil {
			return c, fmt.Errorf("name pattern %q: %w", d.Name, err)
		}
		c.Name = &p
	}
	if d.Descends != "" {
		p, err := CompilePattern(d.Descends)
		if err != nil {
			return c, fmt.Errorf("descends pattern %q: %w", d.Descends, err)
		}
		c.Descends = &p
	}
	for _, raw := range d.Parent {
		p, err := CompilePattern(raw)
		if err != nil {
			return c, fmt.Errorf("parent pattern %q: %w", raw, err)
		}
		c.Parent = append(c.Parent, p)
	}
	return c, nil
}

// compile turns a validated Document into a RuleSet and CFS profile map.
func compile(doc *Document) (*Compiled, error) {
	rs := NewRuleSet()

	for _, a := range doc.ProcessScheduler.Assignments {
		profile := profileFromSettings(a.Profile, a.ProfileSettingsDoc)
		rs.Profiles[profile.Name] = profile

		for _, name := range a.Names {
			rs.ByName[name] = profile
		}
		for _, cmdline := range a.Cmdlines {
			rs.ByCmdline[cmdline] = profile
		}

		if len(a.Rules) == 0 {
			continue
		}

		group := ConditionGroup{Profile: profile}
		for _, rule := range a.Rules {
			var fields *ConditionFieldsDoc
			include := true
			switch {
			case rule.Include != nil:
				fields = rule.Include
				include = true
			case rule.Exclude != nil:
				fields = rule.Exclude
				include = false
			default:
				continue
			}
			cond, err := conditionFromDoc(fields)
			if err != nil {
				return nil, fmt.Errorf("rules: profile %q: %w", a.Profile, err)
			}
			group.Rules = append(group.Rules, ConditionEntry{Condition: cond, Include: include})
		}
		rs.Conditions = append(rs.Conditions, group)
	}
	rs.SortConditions()

	for _, name := range doc.ProcessScheduler.Exceptions.Names {
		rs.ExceptionsByName[name] = struct{}{}
	}
	for _, cmdline := range doc.ProcessScheduler.Exceptions.Cmdlines {
		rs.ExceptionsByCmdline[cmdline] = struct{}{}
	}
	for _, rule := range doc.ProcessScheduler.Exceptions.Conditions {
		fields := rule.Include
		if fields == nil {
			fields = rule.Exclude
		}
		if fields == nil {
			continue
		}
		cond, err := conditionFromDoc(fields)
		if err != nil {
			return nil, fmt.Errorf("rules: exceptions: %w", err)
		}
		rs.ExceptionsConditions = append(rs.ExceptionsConditions, cond)
	}

	if doc.ProcessScheduler.Foreground != nil {
		fg := profileFromSettings("foreground", doc.ProcessScheduler.Foreground.Foreground)
		bg := profileFromSettings("background", doc.ProcessScheduler.Foreground.Background)
		rs.Profiles[fg.Name] = fg
		rs.Profiles[bg.Name] = bg
		rs.Foreground = &Foreground{Foreground: fg, Background: bg}
	}
	if doc.ProcessScheduler.Pipewire != nil {
		pw := profileFromSettings("pipewire", *doc.ProcessScheduler.Pipewire)
		rs.Profiles[pw.Name] = pw
		rs.Pipewire = &pw
	}

	cfsProfiles := make(map[string]cfs.Profile, len(doc.CFSProfiles))
	for _, p := range doc.CFSProfiles {
		cfsProfiles[p.Name] = cfs.Profile{
			Latency:           p.Latency,
			NrLatency:         p.NrLatency,
			WakeupGranularity: p.WakeupGranularity,
			BandwidthSize:     p.BandwidthSize,
			Preempt:           p.Preempt,
		}
	}
	if _, ok := cfsProfiles["default"]; !ok {
		cfsProfiles["default"] = cfs.DefaultProfile
	}
	if _, ok := cfsProfiles["responsive"]; !ok {
		cfsProfiles["responsive"] = cfs.ResponsiveProfile
	}

	refresh := doc.ProcessScheduler.RefreshRateMS
	if refresh <= 0 {
		refresh = 2500
	}

	return &Compiled{
		RuleSet:          rs,
		CFSProfiles:      cfsProfiles,
		RefreshRateMS:    refresh,
		Execsnoop:        doc.ProcessScheduler.Execsnoop,
		AutogroupEnabled: doc.AutogroupEnabled,
	}, nil
}

