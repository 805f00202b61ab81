// Package guard implements the per-zone guard process described in the
// design's guard component: it listens on a unix socket path given as its
// sole argument, accepts at most one peer (the supervisor), receives a
// zone's ContainerConfig via SetConfig, clones the zone's init with the
// requested namespace flags on Start, and signals+reaps it on Stop.
//
// Go's runtime forbids a safe fork() without an immediate exec() from a
// multi-threaded process, so where the original clones and runs arbitrary
// pre-exec C++ in the child before calling execve, this implementation
// re-execs its own binary into a hidden "__zone-init" bootstrap mode
// (see bootstrap.go) with the requested clone flags already applied via
// os/exec's SysProcAttr.Cloneflags; that freshly cloned process then
// performs the pivot-root/provision/exec sequence itself.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/cred"
	"github.com/banksean/zoned/nsutil"
	"github.com/banksean/zoned/ptyalloc"
	"github.com/banksean/zoned/rootfs"
	"github.com/banksean/zoned/rpcwire"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// BootstrapArg is the argv[1] value that tells the guard executable's main
// to call RunInitBootstrap instead of starting the guard server, mirroring
// attach's "__attach-intermediary" convention.
const BootstrapArg = "__zone-init"

// Server is one zone's guard: a single-peer RPC endpoint over a unix
// socket, holding the zone's ContainerConfig and its init's pid once
// started.
type Server struct {
	socketPath string
	selfExe    string

	mu       sync.Mutex
	peer     *rpcwire.Conn
	cfg      *zone.ContainerConfig
	initPid  int
	ptys     []zone.PTYPair
	exitedCh chan api.GuardStopResult
}

// NewServer builds a guard Server that will listen on socketPath. selfExe
// is the path to this executable, re-exec'd as the init bootstrap process
// on Start; ordinarily os.Executable().
func NewServer(socketPath, selfExe string) *Server {
	return &Server{socketPath: socketPath, selfExe: selfExe}
}

// ListenAndServe accepts connections on socketPath until ctx is cancelled.
// It refuses a second concurrent peer (logs and declines, per the design's
// reconnection rule) and, when its single peer disconnects, clears that
// slot and keeps listening rather than exiting.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("guard: listen %s: %w", s.socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("guard: accept: %w", err)
			}
		}

		s.mu.Lock()
		busy := s.peer != nil
		s.mu.Unlock()
		if busy {
			slog.Warn("guard: refusing second peer", "socket", s.socketPath)
			nc.Close()
			continue
		}

		conn := rpcwire.NewConn(nc)
		s.mu.Lock()
		s.peer = conn
		s.mu.Unlock()

		go func() {
			if err := conn.ServeLoop(s.handle); err != nil {
				slog.Info("guard: peer disconnected", "error", err)
			}
			s.mu.Lock()
			if s.peer == conn {
				s.peer = nil
			}
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(methodID uint32, payload []byte) ([]byte, error) {
	switch methodID {
	case api.MethodGuardSetConfig:
		return s.handleSetConfig(payload)
	case api.MethodGuardStart:
		return s.handleStart()
	case api.MethodGuardStop:
		return s.handleStop()
	case api.MethodGuardResizeTerm:
		return s.handleResizeTerm(payload)
	case api.MethodGuardProxyCall:
		return s.handleProxyCall(payload)
	default:
		return nil, zerr.New(zerr.Internal, "guard: unknown method id %d", methodID)
	}
}

func (s *Server) handleSetConfig(payload []byte) ([]byte, error) {
	var req api.GuardSetConfigRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, zerr.New(zerr.Internal, "guard: decode SetConfig: %v", err)
	}
	var cfg zone.ContainerConfig
	if err := json.Unmarshal(req.ConfigJSON, &cfg); err != nil {
		return nil, zerr.New(zerr.Internal, "guard: decode ContainerConfig: %v", err)
	}
	restoreLogger(cfg.Logger)

	s.mu.Lock()
	s.cfg = &cfg
	s.mu.Unlock()
	return nil, nil
}

func (s *Server) handleStart() ([]byte, error) {
	initPid, err := s.start()
	if err != nil {
		return nil, zerr.Wrap(zerr.Internal, err)
	}
	s.mu.Lock()
	ptyPaths := make([]string, len(s.ptys))
	for i, p := range s.ptys {
		// p.PtsName is bare ("N") for a private devpts instance and a full
		// path for the host's default /dev/pts; DevptsPath disambiguates.
		if p.DevptsPath != "" {
			ptyPaths[i] = filepath.Join(p.DevptsPath, p.PtsName)
		} else {
			ptyPaths[i] = p.PtsName
		}
	}
	s.mu.Unlock()
	return json.Marshal(api.GuardStartResult{InitPid: initPid, PTYPaths: ptyPaths})
}

// rootHostID returns the host id that container id 0 maps to, or the
// guard's own uid/gid when no such mapping exists (no user namespace in
// use).
func rootHostID(entries []zone.IDMapEntry, fallback int) int {
	for _, e := range entries {
		if e.ContainerID == 0 {
			return e.HostID
		}
	}
	return fallback
}

func (s *Server) start() (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return 0, fmt.Errorf("guard: Start called before SetConfig")
	}

	rootUID := rootHostID(cfg.UIDMap, os.Getuid())
	rootGID := rootHostID(cfg.GIDMap, os.Getgid())

	if err := rootfs.PrepDevFS(rootfs.PrepDevFSOptions{
		WorkPath: cfg.WorkPath,
		ZoneName: cfg.ID,
		RootUID:  rootUID,
		RootGID:  rootGID,
		PtsGID:   0,
		UserNS:   cfg.Namespaces.Has(zone.NSUser),
	}); err != nil {
		return 0, fmt.Errorf("guard: prep devfs: %w", err)
	}

	devptsPath := filepath.Join(cfg.WorkPath, cfg.ID+".devpts")
	ptys, err := ptyalloc.AllocateAll(ptyalloc.Options{
		Count:      cfg.PTY.Count,
		UID:        rootUID,
		DevptsPath: devptsPath,
	})
	if err != nil {
		_ = rootfs.RevertDevFS(cfg.WorkPath, cfg.ID)
		return 0, fmt.Errorf("guard: allocate ptys: %w", err)
	}

	ptyPaths := make([]string, len(ptys))
	for i, p := range ptys {
		ptyPaths[i] = filepath.Join("/dev/pts", p.PtsName)
	}

	bootstrapPath, err := writeBootstrapConfig(cfg.WorkPath, bootstrapConfig{Config: *cfg, PTYPaths: ptyPaths})
	if err != nil {
		ptyalloc.Revert(ptys)
		return 0, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		ptyalloc.Revert(ptys)
		return 0, fmt.Errorf("guard: start barrier pipe: %w", err)
	}

	cmd := exec.Command(s.selfExe, BootstrapArg, bootstrapPath)
	cmd.ExtraFiles = []*os.File{r}
	cmd.SysProcAttr = &unix.SysProcAttr{Cloneflags: nsutil.CloneFlags(cfg.Namespaces)}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		ptyalloc.Revert(ptys)
		return 0, fmt.Errorf("guard: clone init: %w", err)
	}
	r.Close()
	initPid := cmd.Process.Pid

	// Writing the uid/gid maps must precede releasing the barrier: the
	// init bootstrap's pivot-root and credential reset both depend on the
	// mapping already being in place.
	if err := cred.WriteIDMaps(initPid, cfg.UIDMap, cfg.GIDMap); err != nil {
		w.Close()
		_ = unix.Kill(initPid, unix.SIGKILL)
		ptyalloc.Revert(ptys)
		return 0, fmt.Errorf("guard: write id maps: %w", err)
	}

	if _, err := w.Write([]byte{0}); err != nil {
		_ = unix.Kill(initPid, unix.SIGKILL)
		ptyalloc.Revert(ptys)
		return 0, fmt.Errorf("guard: release start barrier: %w", err)
	}
	w.Close()

	exitedCh := make(chan api.GuardStopResult, 1)
	s.mu.Lock()
	s.initPid = initPid
	s.ptys = ptys
	s.exitedCh = exitedCh
	s.mu.Unlock()

	go s.reapInit(initPid, exitedCh)

	return initPid, nil
}

// reapInit blocks until initPid exits, the guard's only other suspension
// point besides the event poll implicit in ServeLoop's blocking Recv.
func (s *Server) reapInit(initPid int, exitedCh chan<- api.GuardStopResult) {
	status, err := nsutil.Waitpid(initPid)
	if err != nil {
		slog.Error("guard: waitpid init", "pid", initPid, "error", err)
		exitedCh <- api.GuardStopResult{ExitCode: -1}
		return
	}
	exitedCh <- api.GuardStopResult{ExitCode: status.ExitStatus(), Signaled: status.Signaled()}
}

func (s *Server) handleStop() ([]byte, error) {
	s.mu.Lock()
	initPid := s.initPid
	exitedCh := s.exitedCh
	s.mu.Unlock()
	if initPid == 0 {
		return nil, zerr.New(zerr.InvalidState, "guard: Stop called with no running init")
	}

	if err := unix.Kill(initPid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return nil, zerr.Wrap(zerr.Internal, fmt.Errorf("guard: SIGTERM init %d: %w", initPid, err))
	}

	result := <-exitedCh
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, zerr.Wrap(zerr.Internal, err)
	}

	s.mu.Lock()
	ptys := s.ptys
	cfg := s.cfg
	s.mu.Unlock()
	ptyalloc.Revert(ptys)
	if cfg != nil {
		_ = rootfs.RevertDevFS(cfg.WorkPath, cfg.ID)
	}

	// The guard exits once the Stop reply has had a chance to flush; it
	// does not self-terminate for any other reason (e.g. peer
	// disconnection).
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.Exit(0)
	}()

	return payload, nil
}

// handleProxyCall is the guard's end of a forwarded proxy call. The actual
// in-zone D-Bus/legacy transport a call would ultimately ride is outside
// this design's scope (spec.md's Non-goals treat it as an external
// collaborator); the guard's role is only to be the reachable endpoint the
// supervisor forwards to, so it acknowledges receipt and echoes the
// request's args back as the reply.
func (s *Server) handleProxyCall(payload []byte) ([]byte, error) {
	var req api.ProxyCallRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, zerr.New(zerr.Internal, "guard: decode ProxyCall: %v", err)
	}
	return json.Marshal(api.ProxyCallResult{Reply: req.Args})
}

func (s *Server) handleResizeTerm(payload []byte) ([]byte, error) {
	var req api.GuardResizeTermRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, zerr.New(zerr.Internal, "guard: decode ResizeTerm: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Terminal < 0 || req.Terminal >= len(s.ptys) {
		return nil, zerr.New(zerr.InvalidId, "guard: no such terminal %d", req.Terminal)
	}
	ws := &unix.Winsize{Row: uint16(req.Rows), Col: uint16(req.Cols)}
	if err := unix.IoctlSetWinsize(s.ptys[req.Terminal].MasterFD, unix.TIOCSWINSZ, ws); err != nil {
		return nil, zerr.Wrap(zerr.Internal, fmt.Errorf("guard: resize terminal %d: %w", req.Terminal, err))
	}
	return nil, nil
}
