package audiosession

import "testing"

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		wantOK  bool
		wantPID uint32
		wantAdd bool
	}{
		{"add 1234", true, 1234, true},
		{"remove 1234", true, 1234, false},
		{"add abc", false, 0, false},
		{"garbage", false, 0, false},
		{"", false, 0, false},
	}

	for _, tt := range tests {
		evt, ok := parseLine(tt.line)
		if ok != tt.wantOK {
			t.Errorf("parseLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if evt.PID != tt.wantPID {
			t.Errorf("parseLine(%q) pid = %d, want %d", tt.line, evt.PID, tt.wantPID)
		}
		isAdd := evt.Kind == Add
		if isAdd != tt.wantAdd {
			t.Errorf("parseLine(%q) kind = %v, want add=%v", tt.line, evt.Kind, tt.wantAdd)
		}
	}
}
