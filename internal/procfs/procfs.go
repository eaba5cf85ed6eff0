// Package procfs provides pure, allocation-light readers over /proc for the
// fields the scheduler needs to classify and track processes: the resolved
// executable path, short basename, cgroup path, parent PID, and child PIDs.
//
// Every reader takes a caller-owned [Buffer] whose path scratch space is
// reused across calls in the event loop's hot path (refresh sweep, exec
// handling). The path string, the file contents read, and the returned
// values are still allocated on every call.
// Any I/O error or malformed content yields the zero value (false/empty),
// never an error — a process that cannot be read is treated as not yet
// observable and skipped by the caller, matching the upstream scheduler's
// procfs adapter.
package procfs

import (
	"bytes"
	"os"
	"strconv"
	"strings"
)

// Buffer is reusable scratch space for procfs reads. Callers should keep one
// Buffer per goroutine (the event loop keeps exactly one) and pass it to
// every call instead of allocating a fresh buffer each time.
type Buffer struct {
	path  []byte
	small [256]byte
}

// NewBuffer returns a ready-to-use Buffer.
func NewBuffer() *Buffer {
	return &Buffer{path: make([]byte, 0, 64)}
}

func (b *Buffer) pathFor(prefix string, pid uint32, suffix string) string {
	b.path = b.path[:0]
	b.path = append(b.path, "/proc/"...)
	b.path = strconv.AppendUint(b.path, uint64(pid), 10)
	if prefix != "" {
		b.path = append(b.path, prefix...)
	}
	b.path = append(b.path, suffix...)
	return string(b.path)
}

// Exists reports whether pid currently has a /proc entry.
func Exists(pid uint32) bool {
	var b Buffer
	_, err := os.Lstat(b.pathFor("", pid, ""))
	return err == nil
}

// Cmdline returns the resolved target of /proc/<pid>/exe: the absolute path
// to the process's executable. It returns ("", false) when the link cannot
// be read (permission denied, the process has already exited, or it is a
// kernel thread with no backing executable).
func Cmdline(b *Buffer, pid uint32) (string, bool) {
	target, err := os.Readlink(b.pathFor("", pid, "/exe"))
	if err != nil {
		return "", false
	}
	return target, true
}

// Name returns the short basename of a resolved cmdline path: the substring
// after the last '/'. If cmdline contains no '/', cmdline is returned as-is.
func Name(cmdline string) string {
	if i := strings.LastIndexByte(cmdline, '/'); i >= 0 {
		return cmdline[i+1:]
	}
	return cmdline
}

// Cgroup returns the final path component of /proc/<pid>/cgroup, i.e. the
// substring of the (single, cgroup-v2-unified) line after the second ':' and
// before the trailing newline. Returns ("", false) if the file cannot be
// read or does not contain a ':'-delimited line.
func Cgroup(b *Buffer, pid uint32) (string, bool) {
	data, err := os.ReadFile(b.pathFor("", pid, "/cgroup"))
	if err != nil {
		return "", false
	}
	data = bytes.TrimRight(data, "\n")
	// Lines look like "0::/user.slice/...". Use the first line; take the
	// substring after the second colon.
	if nl := bytes.IndexByte(data, '\n'); nl >= 0 {
		data = data[:nl]
	}
	first := bytes.IndexByte(data, ':')
	if first < 0 {
		return "", false
	}
	second := bytes.IndexByte(data[first+1:], ':')
	if second < 0 {
		return "", false
	}
	return string(data[first+1+second+1:]), true
}

// ParentID returns the value of the "PPid:" key in /proc/<pid>/status.
// Returns (0, false) if the file cannot be read or has no PPid field.
func ParentID(b *Buffer, pid uint32) (uint32, bool) {
	data, err := os.ReadFile(b.pathFor("", pid, "/status"))
	if err != nil {
		return 0, false
	}
	const key = "PPid:"
	idx := bytes.Index(data, []byte(key))
	if idx < 0 {
		return 0, false
	}
	rest := data[idx+len(key):]
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	ppid, err := strconv.ParseUint(strings.TrimSpace(string(rest)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(ppid), true
}

// ListPIDs enumerates every numeric entry directly under /proc, i.e. every
// PID currently known to the kernel. It returns nil if /proc itself cannot
// be read, which the refresh sweep (spec §4.9) treats as a transient failure
// to be retried on the next cycle rather than as license to drop every
// tracked process.
func ListPIDs() []uint32 {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(pid))
	}
	return out
}

// Children returns the direct child PIDs of pid by reading every
// /proc/<pid>/task/<tid>/children file and concatenating their
// whitespace-separated contents. Returns nil if no children file can be read
// or none lists any children.
func Children(b *Buffer, pid uint32) []uint32 {
	taskDir := b.pathFor("", pid, "/task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}

	var out []uint32
	for _, e := range entries {
		data, err := os.ReadFile(taskDir + "/" + e.Name() + "/children")
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			v, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				continue
			}
			out = append(out, uint32(v))
		}
	}
	return out
}
