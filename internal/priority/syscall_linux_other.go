//go:build linux && !amd64 && !arm64

package priority

import "golang.org/x/sys/unix"

// Scheduling/ioprio raw syscall numbers are only wired up for amd64 and
// arm64, the architectures the scheduler actually ships on. Other Linux
// architectures get a stub that logs nothing and reports unsupported so the
// rest of the priority applier degrades to nice-only behavior instead of
// failing to build.
func rawSchedSetscheduler(pid uint32, policy, rtPriority int) error {
	return unix.ENOSYS
}

func rawIoprioSet(which, who, ioprio int) error {
	return unix.ENOSYS
}
