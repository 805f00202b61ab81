package manager

import (
	"errors"

	"github.com/banksean/zoned/cgroup"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// GrantDevice allows zoneID's cgroup access to the host device node at
// devicePath with the given cgroup v1 flags (e.g. "rwm"). zoneID must be
// RUNNING, since its devices cgroup only exists while its guard is up.
func (m *Manager) GrantDevice(zoneID, devicePath, flags string) error {
	z, err := m.runningZoneLocked(zoneID)
	if err != nil {
		return err
	}
	if err := cgroup.Allow(z.ID, devicePath, flags); err != nil {
		return deviceErr(err)
	}
	return nil
}

// RevokeDevice denies zoneID's cgroup all access to the host device node at
// devicePath. zoneID must be RUNNING, since its devices cgroup only exists
// while its guard is up.
func (m *Manager) RevokeDevice(zoneID, devicePath string) error {
	z, err := m.runningZoneLocked(zoneID)
	if err != nil {
		return err
	}
	if err := cgroup.Deny(z.ID, devicePath, "rwm"); err != nil {
		return deviceErr(err)
	}
	return nil
}

// runningZoneLocked looks up zoneID and rejects it with InvalidState unless
// it is RUNNING, the same lock/check/unlock idiom LockZone/UnlockZone use.
func (m *Manager) runningZoneLocked(zoneID string) (*zone.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.zoneLocked(zoneID)
	if err != nil {
		return nil, err
	}
	if z.State != zone.Running {
		return nil, zerr.New(zerr.InvalidState, "zone %s is %s, not RUNNING", zoneID, z.State)
	}
	return z, nil
}

// deviceErr classifies a cgroup.Allow/Deny failure: a device-kind mismatch
// is Forbidden, anything else (cgroupfs open/write failures) is Internal.
func deviceErr(err error) error {
	if errors.Is(err, cgroup.ErrNotDevice) {
		return zerr.Wrap(zerr.Forbidden, err)
	}
	return zerr.Wrap(zerr.Internal, err)
}
