// Linux implementation of Watcher using inotify, grounded on the teacher
// daemon's InotifyWatcher (internal/watcher/inotify_linux.go): a self-pipe
// lets Stop unblock the blocking poll(2) call cleanly instead of racing a
// close against a blocked read.
//
//go:build linux

package configwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	inCreate    uint32 = 0x100
	inClosew    uint32 = 0x8
	inDelete    uint32 = 0x200
	inMovedFrom uint32 = 0x40
	inMovedTo   uint32 = 0x80
	inIsDir     uint32 = 0x40000000
	inQOverflow uint32 = 0x4000

	inotifyCloexec = 0x80000

	dirMask uint32 = inCreate | inClosew | inDelete | inMovedFrom | inMovedTo
)

var inotifyEventSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// Start registers an inotify watch on dir and begins monitoring in a
// background goroutine. Calling Start on an already-running watcher is a
// no-op.
func (w *Watcher) Start(ctx context.Context) error {
	ifd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		return fmt.Errorf("configwatch: InotifyInit1: %w", err)
	}

	wd, err := syscall.InotifyAddWatch(ifd, w.dir, dirMask)
	if err != nil {
		_ = syscall.Close(ifd)
		return fmt.Errorf("configwatch: InotifyAddWatch(%q): %w", w.dir, err)
	}

	// inotify watches are not recursive: the assignments subdirectory gets
	// its own watch. If it does not exist at Start, it is not watched.
	_, _ = syscall.InotifyAddWatch(ifd, filepath.Join(w.dir, "assignments"), dirMask)

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		_ = syscall.Close(ifd)
		return fmt.Errorf("configwatch: pipe2: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(ctx, ifd, wd, pipeFds[0], pipeFds[1])

	w.logger.Info("configwatch: watching directory", slog.String("dir", w.dir))
	return nil
}

// Stop signals the background goroutine to exit, waits for it, and closes
// Changes. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		close(w.changes)
	})
}

func (w *Watcher) run(ctx context.Context, ifd, wd, pipeR, pipeW int) {
	defer w.wg.Done()
	defer syscall.Close(ifd)
	defer syscall.Close(pipeR)
	defer syscall.Close(pipeW)
	_ = wd

	go func() {
		<-ctx.Done()
		_, _ = syscall.Write(pipeW, []byte{0})
	}()

	pollFds := []unix.PollFd{
		{Fd: int32(ifd), Events: unix.POLLIN},
		{Fd: int32(pipeR), Events: unix.POLLIN},
	}
	buf := make([]byte, 4096*(16+256))

	for {
		if _, err := unix.Poll(pollFds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Warn("configwatch: poll error", slog.Any("error", err))
			return
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := syscall.Read(ifd, buf)
		if err != nil {
			w.logger.Warn("configwatch: read error", slog.Any("error", err))
			return
		}
		if parseEvents(buf[:n]) {
			w.notify()
		}
	}
}

// parseEvents walks a raw inotify event buffer and reports whether any event
// in it is a real content change (not a directory-entry or queue-overflow
// notice).
func parseEvents(buf []byte) bool {
	changed := false
	evSize := inotifyEventSize
	for offset := 0; offset+evSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			offset += int(ev.Len)
		}
		if ev.Mask&inQOverflow != 0 || ev.Mask&inIsDir != 0 {
			continue
		}
		changed = true
	}
	return changed
}
