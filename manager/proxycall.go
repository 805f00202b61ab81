package manager

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/policy"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// ProxyCall evaluates req against the policy engine and, if allowed,
// forwards it to its target zone's guard. A call whose Target is the
// reserved "host" id is not dispatched and fails with Internal. Denied
// calls return Forbidden; forwarding failures return Forwarded, per
// spec.md's error taxonomy.
func (m *Manager) ProxyCall(req api.ProxyCallRequest) (api.ProxyCallResult, error) {
	call := policy.Call{
		Caller: req.Caller, Target: req.Target, BusName: req.BusName,
		ObjectPath: req.ObjectPath, Interface: req.Interface, Method: req.Method,
	}
	if !m.policy.Allow(call) {
		return api.ProxyCallResult{}, zerr.New(zerr.Forbidden, "proxy call %s->%s %s.%s denied by policy", req.Caller, req.Target, req.Interface, req.Method)
	}

	if req.Target == zone.ReservedID {
		return api.ProxyCallResult{}, zerr.New(zerr.Internal, "proxy call to host is not locally dispatchable")
	}

	m.mu.Lock()
	target, err := m.zoneLocked(req.Target)
	if err == nil && !target.IsRunning() {
		err = zerr.New(zerr.ZoneStopped, "zone %s is not RUNNING", req.Target)
	}
	var session *guardSession
	if err == nil {
		session = m.guards[req.Target]
	}
	m.mu.Unlock()
	if err != nil {
		return api.ProxyCallResult{}, err
	}
	if session == nil {
		return api.ProxyCallResult{}, zerr.New(zerr.Forwarded, "zone %s has no active guard session", req.Target)
	}

	res, err := session.handle.ProxyCall(req)
	if err != nil {
		return api.ProxyCallResult{}, zerr.Wrap(zerr.Forwarded, err)
	}
	return res, nil
}

// NotifyActiveZone broadcasts a Notification signal to every host client
// subscribed to it, carrying the foreground zone's identity so an
// application can tell which zone it's addressing the user from.
func (m *Manager) NotifyActiveZone(application, message string) error {
	fg := m.GetActiveZoneId()
	return m.broadcastNotification(api.NotificationSignal{
		Source: fg,
		Code:   "ACTIVE_ZONE_NOTIFICATION",
		Path:   message,
	})
}

// FileMoveRequest moves a file from srcID's rootfs to dstID's rootfs,
// subject to both zones' permitted-pattern allow-lists: srcID must permit
// sending path, dstID must permit receiving it.
func (m *Manager) FileMoveRequest(srcID, dstID, path string) (api.FileMoveResult, error) {
	m.mu.Lock()
	src, err := m.zoneLocked(srcID)
	if err != nil {
		m.mu.Unlock()
		return api.FileMoveResult{}, err
	}
	dst, err := m.zoneLocked(dstID)
	if err != nil {
		m.mu.Unlock()
		return api.FileMoveResult{}, err
	}
	allowed := src.CanSend(path) && dst.CanReceive(path)
	srcRoot, dstRoot := src.RootPath, dst.RootPath
	m.mu.Unlock()

	if !allowed {
		return api.FileMoveResult{Status: api.FileMoveFailed}, zerr.New(zerr.Forbidden, "file move %s from %s to %s denied by allow-list", path, srcID, dstID)
	}

	if err := moveFile(srcRoot+path, dstRoot+path); err != nil {
		return api.FileMoveResult{Status: api.FileMoveFailed}, zerr.Wrap(zerr.IO, err)
	}

	_ = m.broadcastNotification(api.NotificationSignal{Source: srcID, Code: api.FileMoveSucceeded, Path: path})
	return api.FileMoveResult{Status: api.FileMoveSucceeded}, nil
}

func moveFile(srcPath, dstPath string) error {
	if err := os.Rename(srcPath, dstPath); err == nil {
		return nil
	}
	// Cross-device rename (rootfs trees on different mounts) falls back to
	// copy-then-remove.
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", srcPath, err)
	}
	if err := os.WriteFile(dstPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	return os.Remove(srcPath)
}

func (m *Manager) broadcastNotification(sig api.NotificationSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	m.clients.Broadcast(api.SignalNotification, payload)
	return nil
}
