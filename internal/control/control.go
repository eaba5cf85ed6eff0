// Package control exposes the control surface of spec §6 over the system
// D-Bus, as the upstream daemon does under the well-known name
// "com.system76.Scheduler" at object path "/com/system76/Scheduler": four
// methods (ReloadConfiguration, SetCpuMode, SetCpuProfile,
// SetForegroundProcess) and two read-only properties (CpuMode, CpuProfile).
package control

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

const (
	busName   = "com.system76.Scheduler"
	objPath   = dbus.ObjectPath("/com/system76/Scheduler")
	ifaceName = "com.system76.Scheduler"
)

// CpuMode mirrors the upstream CpuMode enum (Auto/Custom/Default/Responsive),
// carried over the wire as its repr(u8) value.
type CpuMode uint8

const (
	Auto CpuMode = iota
	Custom
	Default
	Responsive
)

// Backend is the state and actions the control surface drives. Implemented
// by internal/service.Service; kept as a narrow interface here so this
// package never imports internal/service.
type Backend interface {
	ReloadConfiguration()
	SetCpuMode(mode CpuMode)
	SetCpuProfile(profile string)
	SetForegroundProcess(pid uint32)
	State() (mode CpuMode, profile string)
}

// Server owns the exported D-Bus object and forwards every call to a
// Backend. It holds no scheduling state of its own.
type Server struct {
	backend Backend
	logger  *slog.Logger
	conn    *dbus.Conn
	props   *prop.Properties
}

// New dials the system bus, requests the well-known name, and exports both
// the method interface and the CpuMode/CpuProfile properties. Per spec §7,
// a failure here is the one error the core treats as fatal to the daemon —
// the caller should terminate the process if New returns an error.
func New(backend Backend, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}

	s := &Server{backend: backend, logger: logger, conn: conn}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return nil, &dbus.Error{Name: "com.system76.Scheduler.NameTaken"}
	}

	if err := conn.Export(s, objPath, ifaceName); err != nil {
		_ = conn.Close()
		return nil, err
	}

	mode, profile := backend.State()
	propSpec := map[string]map[string]*prop.Prop{
		ifaceName: {
			"CpuMode": {
				Value:    uint8(mode),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"CpuProfile": {
				Value:    profile,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	}
	exportedProps, err := prop.Export(conn, objPath, propSpec)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.props = exportedProps

	node := &introspect.Node{
		Name: string(objPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: ifaceName,
				Methods: []introspect.Method{
					{Name: "ReloadConfiguration"},
					{Name: "SetCpuMode", Args: []introspect.Arg{{Name: "mode", Type: "y", Direction: "in"}}},
					{Name: "SetCpuProfile", Args: []introspect.Arg{{Name: "profile", Type: "s", Direction: "in"}}},
					{Name: "SetForegroundProcess", Args: []introspect.Arg{{Name: "pid", Type: "u", Direction: "in"}}},
				},
				Properties: []introspect.Property{
					{Name: "CpuMode", Type: "y", Access: "read"},
					{Name: "CpuProfile", Type: "s", Access: "read"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("control surface exported", slog.String("bus_name", busName), slog.String("path", string(objPath)))
	return s, nil
}

// Close releases the bus connection.
func (s *Server) Close() {
	_ = s.conn.Close()
}

// RefreshProperties re-reads Backend.State and emits a PropertiesChanged
// signal, called by the service after any action that may have changed
// CpuMode or CpuProfile.
func (s *Server) RefreshProperties() {
	mode, profile := s.backend.State()
	_ = s.props.Set(ifaceName, "CpuMode", dbus.MakeVariant(uint8(mode)))
	_ = s.props.Set(ifaceName, "CpuProfile", dbus.MakeVariant(profile))
}

// ReloadConfiguration implements the exported D-Bus method.
func (s *Server) ReloadConfiguration() *dbus.Error {
	s.backend.ReloadConfiguration()
	return nil
}

// SetCpuMode implements the exported D-Bus method.
func (s *Server) SetCpuMode(mode uint8) *dbus.Error {
	s.backend.SetCpuMode(CpuMode(mode))
	s.RefreshProperties()
	return nil
}

// SetCpuProfile implements the exported D-Bus method. It mirrors the
// upstream set_cpu_profile dispatch table: "auto"/"default"/"responsive"
// switch to the matching built-in CPU mode, "" is a no-op, and any other
// name is treated as a custom profile switch.
func (s *Server) SetCpuProfile(profile string) *dbus.Error {
	s.backend.SetCpuProfile(profile)
	s.RefreshProperties()
	return nil
}

// SetForegroundProcess implements the exported D-Bus method.
func (s *Server) SetForegroundProcess(pid uint32) *dbus.Error {
	s.backend.SetForegroundProcess(pid)
	return nil
}
