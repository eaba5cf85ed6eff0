//go:build linux

package configwatch

import "testing"

func TestParseEventsIgnoresOverflowAndDirEntries(t *testing.T) {
	overflow := encodeEvent(t, 1, inQOverflow, "")
	if parseEvents(overflow) {
		t.Error("expected IN_Q_OVERFLOW alone to report no change")
	}

	dirEntry := encodeEvent(t, 1, inCreate|inIsDir, "sub")
	if parseEvents(dirEntry) {
		t.Error("expected a directory-entry event to report no change")
	}

	write := encodeEvent(t, 1, inClosew, "config.yaml")
	if !parseEvents(write) {
		t.Error("expected a file write event to report a change")
	}
}

// encodeEvent builds a raw inotify_event buffer for one event, for tests
// that never touch the kernel inotify API.
func encodeEvent(t *testing.T, wd int32, mask uint32, name string) []byte {
	t.Helper()
	nameBytes := []byte(name)
	padded := ((len(nameBytes) + 4) / 4) * 4
	if padded == 0 && len(nameBytes) == 0 {
		padded = 0
	}
	buf := make([]byte, inotifyEventSize+padded)
	le := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	le(0, uint32(wd))
	le(4, mask)
	le(8, 0)
	le(12, uint32(padded))
	copy(buf[inotifyEventSize:], nameBytes)
	return buf
}
