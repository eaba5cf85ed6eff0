// Package priority applies CPU niceness, scheduling policy and real-time
// priority, and I/O priority class/level to every thread of a process. It
// wraps the per-thread syscalls the kernel exposes for this (setpriority,
// sched_setscheduler, ioprio_set) and iterates every task-id under a PID so
// that a multi-threaded process is tuned uniformly.
package priority

import (
	"os"
	"strconv"

	"github.com/pop-os/system76-scheduler/internal/procfs"
)

// SchedPolicy is a Linux scheduling policy (see sched(7)).
type SchedPolicy int

const (
	SchedOther SchedPolicy = iota
	SchedBatch
	SchedIdle
	SchedFifo
	SchedRR
)

func (p SchedPolicy) realtime() bool {
	return p == SchedFifo || p == SchedRR
}

// IOClass is a Linux I/O scheduling class (see ioprio_set(2)).
type IOClass int

const (
	IOClassIdle IOClass = iota
	IOClassBestEffort
	IOClassRealtime
)

// Settings is the full set of per-thread tunables a [Set] call applies.
// Nice is a pointer so "leave the current nice value alone" (a profile with
// no configured nice) is distinguishable from "set nice to 0".
type Settings struct {
	Nice          *int8
	SchedPolicy   SchedPolicy
	SchedPriority uint8 // meaningful only when SchedPolicy is realtime
	IOClass       IOClass
	IOLevel       uint8 // 0-7, meaningful only for BestEffort/Realtime
}

// ClampNice restricts a requested nice value to the kernel's [-20, 19] range.
func ClampNice(n int) int8 {
	if n < -20 {
		return -20
	}
	if n > 19 {
		return 19
	}
	return int8(n)
}

// ClampRTPriority restricts a requested real-time priority to [1, 99].
func ClampRTPriority(p int) uint8 {
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return uint8(p)
}

// ClampIOLevel restricts a requested I/O priority level to [0, 7].
func ClampIOLevel(l int) uint8 {
	if l < 0 {
		return 0
	}
	if l > 7 {
		return 7
	}
	return uint8(l)
}

// Get returns the current nice value of pid, or 0 if the process cannot be
// queried (it may have already exited).
func Get(pid uint32) int {
	return getpriority(pid)
}

// Set applies settings to every task-id (thread) currently listed under
// /proc/<pid>/task. Individual syscall failures are swallowed: a process that
// dies mid-loop, or a thread that rejects one setting, does not stop the
// remaining threads or settings from being applied. Failures are not
// reported to the caller either; this package has no logger of its own so
// it stays usable from tests without side effects.
func Set(buf *procfs.Buffer, pid uint32, s Settings) {
	tasks, err := os.ReadDir(taskDir(pid))
	if err != nil {
		return
	}

	for _, task := range tasks {
		tid, err := strconv.ParseUint(task.Name(), 10, 32)
		if err != nil {
			continue
		}
		applyOne(uint32(tid), s)
	}
}

func applyOne(tid uint32, s Settings) {
	if s.Nice != nil {
		_ = setpriority(tid, int(*s.Nice))
	}
	_ = setScheduler(tid, s.SchedPolicy, s.SchedPriority)
	_ = setIOPrio(tid, s.IOClass, s.IOLevel)
}

func taskDir(pid uint32) string {
	return "/proc/" + strconv.FormatUint(uint64(pid), 10) + "/task"
}
