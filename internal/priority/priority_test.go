package priority_test

import (
	"os"
	"runtime"
	"testing"

	"github.com/pop-os/system76-scheduler/internal/priority"
)

func TestClampNice(t *testing.T) {
	cases := []struct {
		in   int
		want int8
	}{
		{in: 0, want: 0},
		{in: -20, want: -20},
		{in: 19, want: 19},
		{in: -99, want: -20},
		{in: 99, want: 19},
	}
	for _, c := range cases {
		if got := priority.ClampNice(c.in); got != c.want {
			t.Errorf("ClampNice(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestClampRTPriority(t *testing.T) {
	cases := []struct {
		in   int
		want uint8
	}{
		{in: 1, want: 1},
		{in: 99, want: 99},
		{in: 0, want: 1},
		{in: 200, want: 99},
	}
	for _, c := range cases {
		if got := priority.ClampRTPriority(c.in); got != c.want {
			t.Errorf("ClampRTPriority(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestClampIOLevel(t *testing.T) {
	cases := []struct {
		in   int
		want uint8
	}{
		{in: 0, want: 0},
		{in: 7, want: 7},
		{in: -1, want: 0},
		{in: 42, want: 7},
	}
	for _, c := range cases {
		if got := priority.ClampIOLevel(c.in); got != c.want {
			t.Errorf("ClampIOLevel(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestGetCurrentProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("getpriority is only wired up on linux")
	}
	// The test process itself always has a readable nice value.
	got := priority.Get(uint32(os.Getpid()))
	if got < -20 || got > 19 {
		t.Fatalf("Get(self) = %d, outside the valid nice range", got)
	}
}
