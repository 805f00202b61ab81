package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/cred"
	"github.com/banksean/zoned/provision"
	"github.com/banksean/zoned/rootfs"
	"github.com/banksean/zoned/zone"
)

// bootstrapConfig is what the guard writes to a temp file and the re-exec'd
// __zone-init process reads back: the zone's ContainerConfig plus the
// already-allocated PTY slave paths (computed before clone, while the
// private devpts instance still lives under the guard's staging path).
type bootstrapConfig struct {
	Config   zone.ContainerConfig `json:"config"`
	PTYPaths []string             `json:"ptyPaths"`
}

const oldRootDirName = ".oldroot"

// writeBootstrapConfig serializes bc to a fresh file under dir, returning
// its path.
func writeBootstrapConfig(dir string, bc bootstrapConfig) (string, error) {
	data, err := json.Marshal(bc)
	if err != nil {
		return "", fmt.Errorf("guard: marshal bootstrap config: %w", err)
	}
	path := filepath.Join(dir, bc.Config.ID+".bootstrap.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("guard: write bootstrap config %s: %w", path, err)
	}
	return path, nil
}

// RunInitBootstrap is the entry point of the re-exec'd "__zone-init"
// process: a fresh process already running inside the namespaces requested
// by the clone(2) flags the guard passed via SysProcAttr.Cloneflags. It
// blocks on the start barrier (inherited as fd 3), then performs the
// in-child pre-exec sequence in the order the design fixes: restore logger,
// provision declared files/mounts/links, mount the pre-prepared /dev and
// standard pseudo-filesystems, set the controlling TTY, reset credentials
// under a user namespace, and finally execve the zone's init argv. Every
// step after the barrier read must avoid anything that isn't safe to run in
// a freshly cloned, single-threaded process; there is no allocator or
// logger restriction here the way the original's async-signal-safety rule
// demands of real post-fork code, since this is a normal (if minimal) Go
// process, not code running between a raw fork and exec.
func RunInitBootstrap(configPath string) error {
	barrier := os.NewFile(3, "start-barrier")
	if barrier == nil {
		return fmt.Errorf("guard: start barrier fd missing")
	}
	buf := make([]byte, 1)
	if _, err := barrier.Read(buf); err != nil {
		return fmt.Errorf("guard: read start barrier: %w", err)
	}
	barrier.Close()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("guard: read bootstrap config: %w", err)
	}
	var bc bootstrapConfig
	if err := json.Unmarshal(data, &bc); err != nil {
		return fmt.Errorf("guard: parse bootstrap config: %w", err)
	}
	cfg := bc.Config

	restoreLogger(cfg.Logger)

	if err := provision.Apply(cfg.RootPath, cfg.Declarations); err != nil {
		return fmt.Errorf("guard: apply declarations: %w", err)
	}

	if err := rootfs.PivotAndPrepRoot(rootfs.PivotOptions{
		RootPath: cfg.RootPath,
		OldRoot:  oldRootDirName,
		WorkPath: cfg.WorkPath,
		ZoneName: cfg.ID,
		UserNS:   cfg.Namespaces.Has(zone.NSUser),
		NetNS:    cfg.Namespaces.Has(zone.NSNet),
	}); err != nil {
		return fmt.Errorf("guard: pivot root: %w", err)
	}

	if len(bc.PTYPaths) > 0 {
		if err := setControllingTTY(bc.PTYPaths[0]); err != nil {
			return fmt.Errorf("guard: set controlling tty: %w", err)
		}
	}

	if cfg.Namespaces.Has(zone.NSUser) {
		if err := cred.SetResGid(0); err != nil {
			return fmt.Errorf("guard: reset gid: %w", err)
		}
		if err := cred.SetResUid(0); err != nil {
			return fmt.Errorf("guard: reset uid: %w", err)
		}
	}

	argv0, err := exec.LookPath(cfg.InitArgv[0])
	if err != nil {
		return fmt.Errorf("guard: resolve init argv0 %s: %w", cfg.InitArgv[0], err)
	}
	if err := unix.Exec(argv0, cfg.InitArgv, os.Environ()); err != nil {
		return fmt.Errorf("guard: execve %s: %w", argv0, err)
	}
	return nil // unreachable
}

// setControllingTTY opens ptsPath (now visible under the zone's own /dev/pts
// after the pivot) and makes it the process's controlling terminal and
// stdio, the way the original's init bootstrap wires its first PTY slave.
func setControllingTTY(ptsPath string) error {
	if _, err := cred.SetSid(); err != nil {
		return err
	}
	f, err := os.OpenFile(ptsPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", ptsPath, err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), unix.TIOCSCTTY, 0); err != nil {
		return fmt.Errorf("TIOCSCTTY %s: %w", ptsPath, err)
	}
	fd := int(f.Fd())
	for _, std := range []int{0, 1, 2} {
		if err := unix.Dup2(fd, std); err != nil {
			return fmt.Errorf("dup2 %d->%d: %w", fd, std, err)
		}
	}
	return nil
}
