//go:build linux

package priority

import "golang.org/x/sys/unix"

// getpriority reads the current nice value of pid. The raw getpriority(2)
// syscall returns 20-nice (never a negative value, so it cannot be confused
// with the syscall's own error return); this undoes that offset the same way
// the glibc wrapper does.
func getpriority(pid uint32) int {
	raw, err := unix.Getpriority(unix.PRIO_PROCESS, int(pid))
	if err != nil {
		return 0
	}
	return 20 - raw
}

// setpriority sets the nice value of a single thread. Unlike getpriority,
// the raw setpriority(2) syscall already takes the true nice value.
func setpriority(tid uint32, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, int(tid), nice)
}

const (
	schedOther = 0
	schedFifo  = 1
	schedRR    = 2
	schedBatch = 3
	schedIdle  = 5
)

func schedPolicyValue(p SchedPolicy) int {
	switch p {
	case SchedFifo:
		return schedFifo
	case SchedRR:
		return schedRR
	case SchedBatch:
		return schedBatch
	case SchedIdle:
		return schedIdle
	default:
		return schedOther
	}
}

// setScheduler applies a scheduling policy and, for the real-time policies
// (Fifo/RR), an RT priority. Non-real-time policies ignore priority, matching
// the kernel's own requirement that sched_priority be 0 for them.
func setScheduler(tid uint32, policy SchedPolicy, rtPriority uint8) error {
	prio := 0
	if policy.realtime() {
		prio = int(rtPriority)
	}
	return rawSchedSetscheduler(tid, schedPolicyValue(policy), prio)
}

const (
	ioprioClassShift = 13
	ioprioWhoProcess = 1
)

func ioClassValue(c IOClass) int {
	switch c {
	case IOClassRealtime:
		return 1
	case IOClassBestEffort:
		return 2
	default:
		return 3 // idle
	}
}

// setIOPrio applies an I/O scheduling class and level (data) to a thread.
// The idle class carries no meaningful data value.
func setIOPrio(tid uint32, class IOClass, level uint8) error {
	data := int(level)
	if class == IOClassIdle {
		data = 0
	}
	ioprio := (ioClassValue(class) << ioprioClassShift) | (data & 0x1fff)
	return rawIoprioSet(ioprioWhoProcess, int(tid), ioprio)
}
