// Package cfs computes and writes the kernel Completely Fair Scheduler
// tunables the daemon retunes on AC/battery transitions and CPU-mode
// changes: scheduling latency, minimum granularity, wakeup granularity,
// CFS bandwidth slice, and the autogroup toggle.
package cfs

import (
	"math"
	"os"
	"strconv"
)

// Profile is a named bundle of CFS tunable inputs, matching the shape of the
// upstream scheduler's cfs-profiles configuration element.
type Profile struct {
	Latency           uint64
	NrLatency         uint64
	WakeupGranularity float64
	BandwidthSize     uint64
	Preempt           string
}

// DefaultProfile and ResponsiveProfile are the two built-in profiles the
// daemon ships even when a configuration file defines neither, matching the
// upstream scheduler's compiled-in constants.
var (
	DefaultProfile = Profile{
		Latency:           6,
		NrLatency:         8,
		WakeupGranularity: 1.0,
		BandwidthSize:     5,
		Preempt:           "voluntary",
	}
	ResponsiveProfile = Profile{
		Latency:           4,
		NrLatency:         10,
		WakeupGranularity: 0.5,
		BandwidthSize:     3,
		Preempt:           "full",
	}
)

// LatencyModifier computes 10^6 x floor(1 + log2(cpuCount)), the scaling
// factor every other tunable is derived from. cpuCount <= 0 is treated as 1
// (log2(1) = 0) so a platform that fails to report its CPU count still
// yields a sane, if conservative, modifier instead of NaN.
func LatencyModifier(cpuCount int) uint64 {
	if cpuCount < 1 {
		cpuCount = 1
	}
	return uint64(1e6 * math.Floor(1+math.Log2(float64(cpuCount))))
}

// debugfsCandidates and procfsCandidates are the paths probed at startup, in
// preference order, per spec §6.
var debugfsCandidates = struct {
	latency, minGran, wakeupGran, migrationCost, preempt string
}{
	latency:       "/sys/kernel/debug/sched/latency_ns",
	minGran:       "/sys/kernel/debug/sched/min_granularity_ns",
	wakeupGran:    "/sys/kernel/debug/sched/wakeup_granularity_ns",
	migrationCost: "/sys/kernel/debug/sched/migration_cost_ns",
	preempt:       "/sys/kernel/debug/sched/preempt",
}

var procfsCandidates = struct {
	latency, minGran, wakeupGran, migrationCost string
}{
	latency:       "/proc/sys/kernel/sched_latency_ns",
	minGran:       "/proc/sys/kernel/sched_min_granularity_ns",
	wakeupGran:    "/proc/sys/kernel/sched_wakeup_granularity_ns",
	migrationCost: "/proc/sys/kernel/sched_migration_cost_ns",
}

const (
	bandwidthSlicePath = "/proc/sys/kernel/sched_cfs_bandwidth_slice_us"
	autogroupPath      = "/proc/sys/kernel/sched_autogroup_enabled"
)

// Paths holds the resolved, writable tunable paths on this host. An empty
// field means that tunable is unavailable and writes to it are skipped —
// spec §7's "CFS tunable absent: disable CFS tuning [for that node], daemon
// still manages process priorities".
type Paths struct {
	Latency           string
	MinGranularity    string
	WakeupGranularity string
	MigrationCost     string
	Preempt           string
	BandwidthSlice    string
	Autogroup         string
}

func firstWritable(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// ProbePaths resolves every tunable path on the current host, preferring
// debugfs and falling back to procfs, by checking which candidates exist.
func ProbePaths() Paths {
	return Paths{
		Latency:           firstWritable(debugfsCandidates.latency, procfsCandidates.latency),
		MinGranularity:    firstWritable(debugfsCandidates.minGran, procfsCandidates.minGran),
		WakeupGranularity: firstWritable(debugfsCandidates.wakeupGran, procfsCandidates.wakeupGran),
		MigrationCost:     firstWritable(debugfsCandidates.migrationCost, procfsCandidates.migrationCost),
		Preempt:           firstWritable(debugfsCandidates.preempt),
		BandwidthSlice:    firstWritable(bandwidthSlicePath),
		Autogroup:         firstWritable(autogroupPath),
	}
}

func writeUint(path string, v uint64) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.FormatUint(v, 10)), 0o644)
}

// Tweak computes every tunable for profile at cpuCount CPUs and writes them
// to paths, skipping any tunable whose path is empty. It returns the first
// write error encountered, if any; callers should log and continue rather
// than treat this as fatal, per spec §7.
func Tweak(paths Paths, profile Profile, cpuCount int) error {
	modifier := LatencyModifier(cpuCount)

	latency := modifier * profile.Latency
	var minGranularity uint64
	if profile.NrLatency > 0 {
		minGranularity = latency / profile.NrLatency
	}
	wakeupGranularity := uint64(float64(modifier) * profile.WakeupGranularity)
	bandwidthSlice := profile.BandwidthSize * 1000

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(writeUint(paths.Latency, latency))
	record(writeUint(paths.MinGranularity, minGranularity))
	record(writeUint(paths.WakeupGranularity, wakeupGranularity))
	record(writeUint(paths.BandwidthSlice, bandwidthSlice))
	if profile.Preempt != "" && paths.Preempt != "" {
		record(os.WriteFile(paths.Preempt, []byte(profile.Preempt), 0o644))
	}

	return firstErr
}

// SetAutogroup toggles the kernel's process-group autogroup scheduling
// feature, written on configuration reload per spec §4.7.
func SetAutogroup(paths Paths, enabled bool) error {
	if paths.Autogroup == "" {
		return nil
	}
	v := uint64(0)
	if enabled {
		v = 1
	}
	return writeUint(paths.Autogroup, v)
}
