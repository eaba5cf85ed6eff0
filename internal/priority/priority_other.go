// Stub implementation for non-Linux platforms. The real syscalls this
// package wraps (setpriority, sched_setscheduler, ioprio_set) are
// Linux-specific; on other operating systems Get and Set are no-ops so the
// rest of the scheduler still builds and runs, just without effect.
//
//go:build !linux

package priority

func getpriority(pid uint32) int {
	return 0
}

func setpriority(tid uint32, nice int) error {
	return nil
}

func setScheduler(tid uint32, policy SchedPolicy, rtPriority uint8) error {
	return nil
}

func setIOPrio(tid uint32, class IOClass, level uint8) error {
	return nil
}
