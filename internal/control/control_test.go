package control

import "testing"

type fakeBackend struct {
	reloaded  bool
	mode      CpuMode
	profile   string
	fgPID     uint32
	setCalled bool
}

func (f *fakeBackend) ReloadConfiguration()     { f.reloaded = true }
func (f *fakeBackend) SetCpuMode(mode CpuMode)  { f.mode = mode; f.setCalled = true }
func (f *fakeBackend) SetCpuProfile(p string)   { f.profile = p }
func (f *fakeBackend) SetForegroundProcess(pid uint32) { f.fgPID = pid }
func (f *fakeBackend) State() (CpuMode, string) { return f.mode, f.profile }

// These two methods never touch the bus connection, so they can be
// exercised without dialing D-Bus.
func TestReloadConfigurationForwardsToBackend(t *testing.T) {
	backend := &fakeBackend{}
	s := &Server{backend: backend}

	if dbusErr := s.ReloadConfiguration(); dbusErr != nil {
		t.Fatalf("ReloadConfiguration() error = %v", dbusErr)
	}
	if !backend.reloaded {
		t.Errorf("backend.ReloadConfiguration was not called")
	}
}

func TestSetForegroundProcessForwardsToBackend(t *testing.T) {
	backend := &fakeBackend{}
	s := &Server{backend: backend}

	if dbusErr := s.SetForegroundProcess(4242); dbusErr != nil {
		t.Fatalf("SetForegroundProcess() error = %v", dbusErr)
	}
	if backend.fgPID != 4242 {
		t.Errorf("backend.fgPID = %d, want 4242", backend.fgPID)
	}
}
