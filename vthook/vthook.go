// Package vthook implements manager.VTHook against a real Linux virtual
// terminal console device, the host-console focus switch SetActiveZone
// drives on every foreground change. It opens /dev/console (or an
// explicit device path) and issues the same VT_ACTIVATE/VT_WAITACTIVE
// ioctl pair a getty or display manager uses to switch consoles, the
// ioctl-via-golang.org/x/sys/unix style already used throughout ptyalloc
// and the guard's terminal resize handler.
package vthook

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Console activates a VT by number through a console device fd kept open
// for the process lifetime.
type Console struct {
	f *os.File
}

// Open opens devicePath (conventionally "/dev/console" or "/dev/tty0") for
// VT switching. The returned Console must be closed when the supervisor
// exits.
func Open(devicePath string) (*Console, error) {
	if devicePath == "" {
		devicePath = "/dev/console"
	}
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vthook: open %s: %w", devicePath, err)
	}
	return &Console{f: f}, nil
}

// Activate switches the console to vt and blocks until the switch
// completes, satisfying manager.VTHook.
func (c *Console) Activate(vt int) error {
	if vt <= 0 {
		return fmt.Errorf("vthook: invalid vt %d", vt)
	}
	if err := unix.IoctlSetInt(int(c.f.Fd()), unix.VT_ACTIVATE, vt); err != nil {
		return fmt.Errorf("vthook: VT_ACTIVATE %d: %w", vt, err)
	}
	if err := unix.IoctlSetInt(int(c.f.Fd()), unix.VT_WAITACTIVE, vt); err != nil {
		return fmt.Errorf("vthook: VT_WAITACTIVE %d: %w", vt, err)
	}
	return nil
}

// Close releases the console device fd.
func (c *Console) Close() error { return c.f.Close() }
