package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/rpcwire"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// GuardHandle is a running guard process: the live control connection plus
// the subset of guard RPCs the manager drives directly (SetConfig happens
// once, during Spawn, so it isn't part of this interface).
type GuardHandle interface {
	Start() (int, error)
	Stop() (api.GuardStopResult, error)
	ResizeTerm(terminal, rows, cols int) error
	ProxyCall(req api.ProxyCallRequest) (api.ProxyCallResult, error)
	Close() error

	// PTYPaths returns the host-visible paths of the terminals allocated by
	// the most recent Start, or nil before Start has been called.
	PTYPaths() []string
}

// GuardSpawner creates and configures a zone's guard process, returning a
// handle once SetConfig has been acknowledged. Tests substitute a fake that
// never touches the kernel.
type GuardSpawner interface {
	Spawn(z *zone.Zone, cfg *zone.ContainerConfig) (GuardHandle, error)
}

// guardSession bundles the live handle the manager holds per running zone.
type guardSession struct {
	handle GuardHandle
}

// RealGuardSpawner daemonizes the zoned-guard binary and dials its control
// socket. WorkPath is where per-zone socket files and guard staging
// directories live; GuardBinary defaults to "zoned-guard" resolved via
// the supervisor's own directory, then $PATH.
type RealGuardSpawner struct {
	WorkPath    string
	GuardBinary string

	// DialTimeout bounds how long Spawn waits for the guard's socket to
	// appear and accept a connection after the daemonizing fork.
	DialTimeout time.Duration
}

func (r RealGuardSpawner) guardBinary() (string, error) {
	if r.GuardBinary != "" {
		return r.GuardBinary, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "zoned-guard")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	return exec.LookPath("zoned-guard")
}

func (r RealGuardSpawner) socketPath(zoneID string) string {
	return filepath.Join(r.WorkPath, zoneID+".guard.sock")
}

// Spawn daemonizes a guard for z: a single fork+exec of the guard binary
// in a new session (Setsid), with its working directory set to "/" and
// stdin/stdout/stderr on /dev/null; the process handle is then released.
// There is no double fork, so the guard stays a child of the supervisor.
// It then dials the guard's socket and performs the SetConfig handshake.
func (r RealGuardSpawner) Spawn(z *zone.Zone, cfg *zone.ContainerConfig) (GuardHandle, error) {
	bin, err := r.guardBinary()
	if err != nil {
		return nil, zerr.Wrap(zerr.Internal, fmt.Errorf("locate zoned-guard: %w", err))
	}
	if err := os.MkdirAll(r.WorkPath, 0755); err != nil {
		return nil, zerr.Wrap(zerr.Internal, err)
	}
	sockPath := r.socketPath(z.ID)
	_ = os.Remove(sockPath)

	cmd := exec.Command(bin, sockPath)
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, zerr.Wrap(zerr.Internal, err)
	}
	defer devnull.Close()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.Dir = "/"

	if err := cmd.Start(); err != nil {
		return nil, zerr.Wrap(zerr.Internal, fmt.Errorf("start guard: %w", err))
	}
	// Release the supervisor's hold on the process table entry now;
	// the guard is meant to run detached and outlive any particular
	// Spawn call's caller.
	go cmd.Process.Release()

	timeout := r.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := dialWithRetry(sockPath, timeout)
	if err != nil {
		return nil, zerr.Wrap(zerr.Internal, fmt.Errorf("dial guard socket %s: %w", sockPath, err))
	}

	h := &realGuardHandle{conn: rpcwire.NewConn(conn), sockPath: sockPath}
	go func() {
		if err := h.conn.ServeLoop(h.noHandlerCalls); err != nil {
			// The guard never calls the supervisor; a serve loop error
			// just means the peer went away.
		}
	}()

	if err := h.setConfig(cfg); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func dialWithRetry(sockPath string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", sockPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

// realGuardHandle drives one guard's control connection over rpcwire.
type realGuardHandle struct {
	conn     *rpcwire.Conn
	sockPath string
	ptyPaths []string
}

// noHandlerCalls is installed as the ServeLoop handler; the guard never
// issues requests back to the supervisor over this connection.
func (h *realGuardHandle) noHandlerCalls(methodID uint32, _ []byte) ([]byte, error) {
	return nil, zerr.New(zerr.Internal, "manager: unexpected guard-originated call %d", methodID)
}

func (h *realGuardHandle) setConfig(cfg *zone.ContainerConfig) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	req, err := json.Marshal(api.GuardSetConfigRequest{ConfigJSON: configJSON})
	if err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	_, err = h.conn.Call(api.MethodGuardSetConfig, req)
	return err
}

func (h *realGuardHandle) Start() (int, error) {
	payload, err := h.conn.Call(api.MethodGuardStart, nil)
	if err != nil {
		return 0, err
	}
	var res api.GuardStartResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return 0, zerr.Wrap(zerr.Internal, err)
	}
	h.ptyPaths = res.PTYPaths
	return res.InitPid, nil
}

func (h *realGuardHandle) PTYPaths() []string {
	return h.ptyPaths
}

func (h *realGuardHandle) Stop() (api.GuardStopResult, error) {
	payload, err := h.conn.Call(api.MethodGuardStop, nil)
	if err != nil {
		return api.GuardStopResult{}, err
	}
	var res api.GuardStopResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return api.GuardStopResult{}, zerr.Wrap(zerr.Internal, err)
	}
	return res, nil
}

func (h *realGuardHandle) ProxyCall(req api.ProxyCallRequest) (api.ProxyCallResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return api.ProxyCallResult{}, zerr.Wrap(zerr.Internal, err)
	}
	reply, err := h.conn.Call(api.MethodGuardProxyCall, payload)
	if err != nil {
		return api.ProxyCallResult{}, err
	}
	var res api.ProxyCallResult
	if err := json.Unmarshal(reply, &res); err != nil {
		return api.ProxyCallResult{}, zerr.Wrap(zerr.Internal, err)
	}
	return res, nil
}

func (h *realGuardHandle) ResizeTerm(terminal, rows, cols int) error {
	req, err := json.Marshal(api.GuardResizeTermRequest{Terminal: terminal, Rows: rows, Cols: cols})
	if err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	_, err = h.conn.Call(api.MethodGuardResizeTerm, req)
	return err
}

func (h *realGuardHandle) Close() error {
	err := h.conn.Close()
	_ = os.Remove(h.sockPath)
	return err
}
