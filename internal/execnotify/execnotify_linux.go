// Linux implementation of Watcher using the NETLINK_CONNECTOR process
// connector. This mechanism delivers PROC_EVENT_EXEC notifications from the
// kernel with zero polling overhead.
//
// Privilege requirement: opening a NETLINK_CONNECTOR socket and subscribing
// to process events requires CAP_NET_ADMIN (or uid 0).
//
//go:build linux

package execnotify

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/pop-os/system76-scheduler/internal/procfs"
)

// ─── Netlink Connector kernel ABI constants ──────────────────────────────────
// Values from <linux/netlink.h> and <linux/connector.h>. Never change.

const (
	netlinkConnector = 11

	cnIdxProc uint32 = 1
	cnValProc uint32 = 1

	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	procEventExec uint32 = 0x00000002
)

// ─── Kernel struct sizes (byte offsets) ─────────────────────────────────────
//
//	struct cn_msg         { idx(4) val(4) seq(4) ack(4) len(2) flags(2) }  → 20 B
//	struct proc_event hdr { what(4) cpu(4) timestamp_ns(8) }               → 16 B
//	struct exec_proc_event{ process_pid(4) process_tgid(4) }               →  8 B
const (
	cnMsgSize       = 20
	procEvtHdrSize  = 16
	execInfoSize    = 8
	nlMsgHdrSize    = 16
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// Start opens a NETLINK_CONNECTOR socket, subscribes to kernel process
// events, and begins delivering Events for every execve observed system-wide.
// It returns immediately after launching the background loop.
//
// Calling Start on an already-running watcher is a no-op (returns nil).
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return nil
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		return fmt.Errorf("execnotify: open NETLINK_CONNECTOR socket: %w (requires CAP_NET_ADMIN)", err)
	}

	sa := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
	}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("execnotify: bind NETLINK_CONNECTOR: %w", err)
	}

	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("execnotify: subscribe to proc events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.readLoop(ctx, sock)

	w.logger.Info("execnotify watcher started",
		slog.String("mechanism", "NETLINK_CONNECTOR/PROC_EVENT_EXEC"),
	)
	return nil
}

// Stop signals the watcher to cease monitoring, waits for the background
// loop to exit, and closes the Events channel. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		cancel := w.cancel
		w.cancel = nil
		w.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		w.wg.Wait()

		close(w.events)
		w.logger.Info("execnotify watcher stopped")
	})
}

func (w *Watcher) readLoop(ctx context.Context, sock int) {
	defer w.wg.Done()
	defer func() { _ = syscall.Close(sock) }()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)
	procBuf := procfs.NewBuffer()

	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(sock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			w.logger.Warn("execnotify: recvfrom error", slog.Any("error", err))
			return
		}

		w.parseNetlinkMessages(buf[:n], procBuf)
	}
}

func (w *Watcher) parseNetlinkMessages(buf []byte, procBuf *procfs.Buffer) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		w.logger.Warn("execnotify: parse netlink message", slog.Any("error", err))
		return
	}

	for i := range msgs {
		w.handleNetlinkMessage(&msgs[i], procBuf)
	}
}

// handleNetlinkMessage processes one netlink message, extracting the
// cn_msg/proc_event payload and ignoring anything that is not a
// PROC_EVENT_EXEC addressed to CN_IDX_PROC/CN_VAL_PROC.
func (w *Watcher) handleNetlinkMessage(msg *syscall.NetlinkMessage, procBuf *procfs.Buffer) {
	if msg.Header.Type == syscall.NLMSG_ERROR {
		return
	}

	data := msg.Data
	if len(data) < minProcEventLen {
		return
	}

	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return
	}
	payload = payload[:payloadLen]

	if len(payload) < procEvtHdrSize+execInfoSize {
		return
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	if what != procEventExec {
		return
	}

	pid := binary.NativeEndian.Uint32(payload[procEvtHdrSize : procEvtHdrSize+4])

	w.emitExecEvent(pid, procBuf)
}

// emitExecEvent enriches pid with data read from /proc before the
// (possibly short-lived) process can exit, and delivers the resulting
// Event.
func (w *Watcher) emitExecEvent(pid uint32, procBuf *procfs.Buffer) {
	cmdline, ok := procfs.Cmdline(procBuf, pid)
	if !ok {
		return
	}
	ppid, _ := procfs.ParentID(procBuf, pid)

	w.emit(Event{
		PID:     pid,
		PPID:    ppid,
		Name:    procfs.Name(cmdline),
		Cmdline: cmdline,
	})
}

// sendProcCNMsg builds and sends a NETLINK_CONNECTOR message that instructs
// the kernel to start (PROC_CN_MCAST_LISTEN) or stop (PROC_CN_MCAST_IGNORE)
// delivering process events to the calling socket.
//
// Message layout: nlmsghdr (16 B) + cn_msg (20 B) + uint32 op (4 B) = 40 B.
func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.NativeEndian.PutUint16(buf[4:6], syscall.NLMSG_DONE)
	binary.NativeEndian.PutUint16(buf[6:8], 0)
	binary.NativeEndian.PutUint32(buf[8:12], 0)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc)
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)

	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf, 0, dst)
}
