package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/banksean/zoned/cgroup"
	"github.com/banksean/zoned/workerpool"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// StartZone spawns z's guard, hands it a ContainerConfig, and asks it to
// clone init. Init's pid is recorded once the guard acknowledges Start;
// the guard's own pid is not recorded (z.GuardPid stays 0). The zone moves STOPPED -> STARTING -> RUNNING, or
// back to STOPPED with the guard torn down on any failure.
func (m *Manager) StartZone(id string) error {
	m.mu.Lock()
	z, err := m.zoneLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if z.State != zone.Stopped {
		m.mu.Unlock()
		return zerr.New(zerr.InvalidState, "zone %s is %s, not STOPPED", id, z.State)
	}
	z.State = zone.Starting
	decls, declErr := m.store.Declarations(id)
	m.mu.Unlock()
	if declErr != nil {
		m.mu.Lock()
		z.State = zone.Stopped
		m.mu.Unlock()
		return zerr.Wrap(zerr.Internal, fmt.Errorf("load declarations: %w", declErr))
	}

	cfg := zone.FromZone(z, m.workPath, zone.LoggerConfig{
		Backend: "json-file",
		Level:   "info",
		Arg:     filepath.Join(m.workPath, id+".guard.log"),
	}, decls)

	handle, err := m.spawn.Spawn(z, cfg)
	if err != nil {
		m.mu.Lock()
		z.State = zone.Stopped
		m.mu.Unlock()
		return zerr.Wrap(zerr.Internal, fmt.Errorf("spawn guard: %w", err))
	}

	initPid, err := handle.Start()
	if err != nil {
		handle.Close()
		m.mu.Lock()
		z.State = zone.Stopped
		m.mu.Unlock()
		return err
	}

	if err := cgroup.EnsureZone(id, initPid); err != nil {
		slog.Error("manager: cgroup setup failed, zone will run unconfined", "zone", id, "error", err)
	}

	m.mu.Lock()
	z.InitPid = initPid
	z.PTYPaths = handle.PTYPaths()
	z.State = zone.Running
	m.guards[id] = &guardSession{handle: handle}
	m.mu.Unlock()

	slog.Info("manager: started zone", "id", id, "init_pid", initPid)
	return nil
}

// ShutdownZone asks z's guard to terminate init and tears down the guard
// session. The zone returns to STOPPED regardless of how the guard's Stop
// call fares, so a wedged guard can never strand a zone in STOPPING
// forever; the error, if any, is still reported to the caller.
func (m *Manager) ShutdownZone(id string) error {
	m.mu.Lock()
	z, err := m.zoneLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if z.State != zone.Running && z.State != zone.Paused {
		m.mu.Unlock()
		return zerr.New(zerr.InvalidState, "zone %s is %s, not RUNNING or PAUSED", id, z.State)
	}
	session, ok := m.guards[id]
	z.State = zone.Stopping
	m.mu.Unlock()

	if !ok {
		m.mu.Lock()
		z.State = zone.Stopped
		m.mu.Unlock()
		return zerr.New(zerr.Internal, "zone %s has no guard session", id)
	}

	_, stopErr := session.handle.Stop()
	closeErr := session.handle.Close()
	if rmErr := cgroup.RemoveZone(id); rmErr != nil {
		slog.Warn("manager: remove cgroup", "zone", id, "error", rmErr)
	}

	m.mu.Lock()
	z.State = zone.Stopped
	z.InitPid = 0
	z.PTYPaths = nil
	delete(m.guards, id)
	m.mu.Unlock()

	if stopErr != nil {
		return zerr.Wrap(zerr.Internal, fmt.Errorf("guard stop: %w", stopErr))
	}
	return closeErr
}

// LockZone freezes a RUNNING zone's cgroup, moving it to PAUSED.
func (m *Manager) LockZone(id string) error {
	m.mu.Lock()
	z, err := m.zoneLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if z.State != zone.Running {
		m.mu.Unlock()
		return zerr.New(zerr.InvalidState, "zone %s is %s, not RUNNING", id, z.State)
	}
	m.mu.Unlock()

	if err := cgroup.Freeze(id); err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}

	m.mu.Lock()
	z.State = zone.Paused
	m.mu.Unlock()
	return nil
}

// UnlockZone thaws a PAUSED zone's cgroup, moving it back to RUNNING.
func (m *Manager) UnlockZone(id string) error {
	m.mu.Lock()
	z, err := m.zoneLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if z.State != zone.Paused {
		m.mu.Unlock()
		return zerr.New(zerr.InvalidState, "zone %s is %s, not PAUSED", id, z.State)
	}
	m.mu.Unlock()

	if err := cgroup.Thaw(id); err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}

	m.mu.Lock()
	z.State = zone.Running
	m.mu.Unlock()
	return nil
}

// ResizeTerm forwards a local terminal size change to terminal's PTY master
// inside a running zone, via its guard.
func (m *Manager) ResizeTerm(id string, terminal, rows, cols int) error {
	m.mu.Lock()
	z, err := m.zoneLocked(id)
	if err == nil && !z.IsRunning() {
		err = zerr.New(zerr.ZoneStopped, "zone %s is not RUNNING", id)
	}
	var session *guardSession
	if err == nil {
		session = m.guards[id]
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if session == nil {
		return zerr.New(zerr.Internal, "zone %s has no guard session", id)
	}
	return session.handle.ResizeTerm(terminal, rows, cols)
}

// DestroyZone stops id if running, removes it from the registry and
// persisted dynamic config, and deletes its rootfs, all on the worker
// pool so the RPC caller isn't blocked on the rootfs removal's I/O.
// onDone, if non-nil, is invoked with the final error once the job runs.
func (m *Manager) DestroyZone(id string, onDone func(error)) error {
	m.mu.Lock()
	z, err := m.zoneLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	rootPath := z.RootPath
	m.mu.Unlock()

	return m.pool.SubmitAsync(workerpool.Job{ZoneID: id, Run: func(ctx context.Context) error {
		m.mu.Lock()
		z, err := m.zoneLocked(id)
		running := err == nil && (z.State == zone.Running || z.State == zone.Paused)
		m.mu.Unlock()
		if running {
			if err := m.ShutdownZone(id); err != nil {
				return fmt.Errorf("destroy zone %s: shutdown: %w", id, err)
			}
		}

		m.mu.Lock()
		delete(m.zones, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		if m.foreground == id {
			m.foreground = ""
		}
		if m.defaultID == id {
			m.defaultID = ""
		}
		paths := make([]string, 0, len(m.order))
		for _, oid := range m.order {
			paths = append(paths, filepath.Join(m.zoneConfigDir, oid+".yaml"))
		}
		dyn := &zone.DynamicConfig{ZoneConfigPaths: paths, DefaultZoneID: m.defaultID}
		m.mu.Unlock()

		if err := m.store.SaveDynamicConfig(dyn); err != nil {
			return fmt.Errorf("destroy zone %s: persist dynamic config: %w", id, err)
		}
		if err := m.unwindRootfsErr(rootPath); err != nil {
			return fmt.Errorf("destroy zone %s: remove rootfs: %w", id, err)
		}
		slog.Info("manager: destroyed zone", "id", id)
		return nil
	}}, onDone)
}

func (m *Manager) unwindRootfsErr(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
