package manager

import (
	"log/slog"

	"github.com/banksean/zoned/zerr"
)

// SetActiveZone moves the foreground flag to id, activating its reserved VT
// on the host console and clearing Foreground on every other zone. id need
// not be RUNNING: focus and lifecycle state are independent, a zone can be
// brought to the foreground before it is started.
func (m *Manager) SetActiveZone(id string) error {
	m.mu.Lock()
	target, err := m.zoneLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	prev := m.foreground
	for _, z := range m.zones {
		z.Foreground = z.ID == id
	}
	m.foreground = id
	vt := target.VT
	m.mu.Unlock()

	if err := m.vtHook.Activate(vt); err != nil {
		// Roll the focus flag back; the VT switch is the half of this
		// operation that can actually fail.
		m.mu.Lock()
		m.foreground = prev
		for _, z := range m.zones {
			z.Foreground = z.ID == prev
		}
		m.mu.Unlock()
		return zerr.Wrap(zerr.Internal, err)
	}

	slog.Info("manager: active zone changed", "id", id, "vt", vt)
	return nil
}

// SwitchToDefault focuses the configured default zone, the action the
// supervisor takes on NotifyDisplayOff for zones with
// SwitchToDefaultOnDisplayOff set.
func (m *Manager) SwitchToDefault() error {
	m.mu.Lock()
	def := m.defaultID
	m.mu.Unlock()
	if def == "" {
		return zerr.New(zerr.InvalidState, "no default zone is configured")
	}
	return m.SetActiveZone(def)
}

// NotifyDisplayOff implements the supplemented display-off escalation
// hook: if the foreground zone opted in via SwitchToDefaultOnDisplayOff,
// focus is handed to the default zone so a display-off event (e.g. the
// host's screen blanking) doesn't leave an untrusted zone focused when the
// display comes back. Supervisor binary wires this to the platform's
// display-state signal (see SPEC_FULL.md §4).
func (m *Manager) NotifyDisplayOff() error {
	m.mu.Lock()
	fg := m.foreground
	var shouldSwitch bool
	if z, ok := m.zones[fg]; ok {
		shouldSwitch = z.SwitchToDefaultOnDisplayOff
	}
	m.mu.Unlock()
	if !shouldSwitch {
		return nil
	}
	return m.SwitchToDefault()
}

// StartAll starts every zone in ascending Priority order (lower Priority
// starts first) and, if no zone is already configured as foreground,
// elects the lowest-priority RUNNING zone. Failures to start one zone are
// logged and do not prevent the rest from starting; the first error, if
// any, is still returned once every zone has been attempted.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	zones := sortedByPriority(m.orderedSnapshot())
	hasForeground := m.foreground != ""
	m.mu.Unlock()

	var firstErr error
	var electedID string
	for _, z := range zones {
		if err := m.StartZone(z.ID); err != nil {
			slog.Error("manager: StartAll: start zone failed", "id", z.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if electedID == "" {
			electedID = z.ID
		}
	}

	if !hasForeground && electedID != "" {
		if err := m.SetActiveZone(electedID); err != nil {
			slog.Error("manager: StartAll: elect foreground zone failed", "id", electedID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
