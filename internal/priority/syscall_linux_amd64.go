//go:build linux && amd64

package priority

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw syscall numbers for amd64 (arch/x86/entry/syscalls/syscall_64.tbl).
// Neither has a portable wrapper in golang.org/x/sys/unix.
const (
	sysSchedSetscheduler = 144
	sysIoprioSet         = 251
)

type schedParam struct {
	priority int32
}

func rawSchedSetscheduler(pid uint32, policy, rtPriority int) error {
	param := schedParam{priority: int32(rtPriority)}
	_, _, errno := unix.Syscall(sysSchedSetscheduler, uintptr(pid), uintptr(policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}

func rawIoprioSet(which, who, ioprio int) error {
	_, _, errno := unix.Syscall(sysIoprioSet, uintptr(which), uintptr(who), uintptr(ioprio))
	if errno != 0 {
		return errno
	}
	return nil
}
