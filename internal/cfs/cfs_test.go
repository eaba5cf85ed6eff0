package cfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pop-os/system76-scheduler/internal/cfs"
)

// P6: computed CFS modifier equals 10^6 x floor(1 + log2(N)); N=16 => 5,000,000.
func TestLatencyModifier(t *testing.T) {
	cases := []struct {
		cpus int
		want uint64
	}{
		{cpus: 16, want: 5_000_000},
		{cpus: 1, want: 1_000_000},
		{cpus: 8, want: 4_000_000},
		{cpus: 0, want: 1_000_000},
	}
	for _, c := range cases {
		if got := cfs.LatencyModifier(c.cpus); got != c.want {
			t.Errorf("LatencyModifier(%d) = %d, want %d", c.cpus, got, c.want)
		}
	}
}

// Scenario 6: N=16, default profile, writes the exact literal values the
// spec's end-to-end scenario names.
func TestTweakWritesExpectedValues(t *testing.T) {
	dir := t.TempDir()
	latency := filepath.Join(dir, "latency_ns")
	minGran := filepath.Join(dir, "min_granularity_ns")
	wakeupGran := filepath.Join(dir, "wakeup_granularity_ns")
	bandwidth := filepath.Join(dir, "bandwidth_slice_us")

	for _, p := range []string{latency, minGran, wakeupGran, bandwidth} {
		if err := os.WriteFile(p, []byte("0"), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}

	paths := cfs.Paths{
		Latency:           latency,
		MinGranularity:    minGran,
		WakeupGranularity: wakeupGran,
		BandwidthSlice:    bandwidth,
	}

	if err := cfs.Tweak(paths, cfs.DefaultProfile, 16); err != nil {
		t.Fatalf("Tweak returned error: %v", err)
	}

	assertFileContains(t, latency, "30000000")
	assertFileContains(t, minGran, "3750000")
	assertFileContains(t, wakeupGran, "5000000")
	assertFileContains(t, bandwidth, "5000")
}

func assertFileContains(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %q: %v", path, err)
	}
	if string(data) != want {
		t.Errorf("%s = %q, want %q", path, data, want)
	}
}

func TestTweakSkipsMissingPaths(t *testing.T) {
	// An empty Paths means every tunable is absent; Tweak must not error.
	if err := cfs.Tweak(cfs.Paths{}, cfs.DefaultProfile, 16); err != nil {
		t.Fatalf("Tweak with no paths returned error: %v", err)
	}
}
