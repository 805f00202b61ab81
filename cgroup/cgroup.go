// Package cgroup writes the two cgroup v1 controller files the manager
// touches directly: devices.allow/devices.deny for GrantDevice/RevokeDevice,
// and freezer.state for LockZone/UnlockZone. The device-rule string format
// ("c 1:3 rwm") mirrors github.com/opencontainers/cgroups/devices/config's
// Device type, the real dependency pack repo akabarki76-runc's
// libcontainer/configs imports for this exact purpose; that module models a
// full OCI resource spec (paths, hierarchies, multiple controllers) that
// would be disproportionate plumbing for the two raw writes this runtime
// actually needs, and the retrieval pack carries only its config struct, not
// its cgroup-manager implementation, to ground a fuller integration against.
// So this package talks to cgroupfs directly, the same way spec.md §1 scopes
// "full kernel-level isolation hardening" as a non-goal beyond the listed
// mechanisms: devices.allow/deny and freezer.state are exactly that listed
// mechanism, nothing more.
package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotDevice is the error rule returns when a path is neither a character
// nor a block device. Allow/Deny's callers use errors.Is against it to tell
// that case apart from a cgroupfs I/O failure (see manager/device.go).
var ErrNotDevice = errors.New("cgroup: not a character or block device")

// Root is the cgroup v1 mount point this runtime assumes. Overridable in
// tests.
var Root = "/sys/fs/cgroup"

// DevicesPath returns the devices controller directory for a zone's cgroup,
// named after the zone id the way the manager names every other per-zone
// resource.
func DevicesPath(zoneID string) string {
	return filepath.Join(Root, "devices", "zoned", zoneID)
}

// FreezerPath returns the freezer controller directory for a zone's cgroup.
func FreezerPath(zoneID string) string {
	return filepath.Join(Root, "freezer", "zoned", zoneID)
}

// EnsureZone creates the devices and freezer cgroups for a zone if they do
// not already exist, and adds pid to each. Called once the guard reports
// init's pid.
func EnsureZone(zoneID string, pid int) error {
	for _, dir := range []string{DevicesPath(zoneID), FreezerPath(zoneID)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cgroup: mkdir %s: %w", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
			return fmt.Errorf("cgroup: add pid %d to %s: %w", pid, dir, err)
		}
	}
	return nil
}

// RemoveZone removes a zone's cgroup directories once its init has exited.
func RemoveZone(zoneID string) error {
	for _, dir := range []string{DevicesPath(zoneID), FreezerPath(zoneID)} {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cgroup: remove %s: %w", dir, err)
		}
	}
	return nil
}

// deviceKind is the cgroup device-rule type character: "c" for a character
// device, "b" for block. GrantDevice/RevokeDevice only ever pass char or
// block devices (spec.md's Forbidden error for anything else), so this is
// resolved from the host stat(2) mode, not supplied by the caller.
func deviceKind(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cgroup: stat %s: %w", path, err)
	}
	mode := fi.Mode()
	switch {
	case mode&os.ModeCharDevice != 0:
		return "c", nil
	case mode&os.ModeDevice != 0:
		return "b", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotDevice, path)
	}
}

func major(rdev uint64) uint64 { return (rdev >> 8) & 0xfff }
func minor(rdev uint64) uint64 { return (rdev & 0xff) | ((rdev >> 12) & 0xfff00) }

// rule formats the "<kind> <major>:<minor> <flags>" device-rule line
// devices.allow/devices.deny expect, mirroring the string
// github.com/opencontainers/cgroups/devices/config.Device.CgroupString
// produces.
func rule(path, flags string) (string, error) {
	kind, err := deviceKind(path)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	rdev, err := statRdev(st)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %d:%d %s", kind, major(rdev), minor(rdev), flags), nil
}

// Allow writes a devices.allow rule granting access to the device at
// devicePath with the given cgroup v1 flags (e.g. "rwm").
func Allow(zoneID, devicePath, flags string) error {
	r, err := rule(devicePath, flags)
	if err != nil {
		return err
	}
	return writeRule(DevicesPath(zoneID), "devices.allow", r)
}

// Deny writes a devices.deny rule revoking access to the device at
// devicePath.
func Deny(zoneID, devicePath, flags string) error {
	r, err := rule(devicePath, flags)
	if err != nil {
		return err
	}
	return writeRule(DevicesPath(zoneID), "devices.deny", r)
}

func writeRule(dir, file, rule string) error {
	path := filepath.Join(dir, file)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cgroup: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(rule); err != nil {
		return fmt.Errorf("cgroup: write %s %q: %w", path, rule, err)
	}
	return nil
}

// Freeze engages the freezer, used by LockZone to move a RUNNING zone to
// PAUSED.
func Freeze(zoneID string) error {
	return writeFreezerState(zoneID, "FROZEN")
}

// Thaw releases the freezer, used by UnlockZone to move a PAUSED zone back
// to RUNNING.
func Thaw(zoneID string) error {
	return writeFreezerState(zoneID, "THAWED")
}

func writeFreezerState(zoneID, state string) error {
	path := filepath.Join(FreezerPath(zoneID), "freezer.state")
	if err := os.WriteFile(path, []byte(state), 0644); err != nil {
		return fmt.Errorf("cgroup: write freezer.state=%s: %w", state, err)
	}
	return nil
}
