// Package rootfs implements the guard's two filesystem-preparation steps:
// staging a private /dev and /dev/pts tree on the host side before clone,
// and pivoting a zone's mount namespace onto its own root with the static
// mount table the runtime always provides. Both are grounded in the
// original implementation's PrepDevFS and PivotAndPrepRoot commands.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Labeler applies a mandatory-access-control label to a path. The default
// NoopLabeler is used on systems without SMACK/SELinux; a real Labeler can
// be plugged in without touching the mount sequence itself.
type Labeler interface {
	Label(path string) error
}

// NoopLabeler implements Labeler by doing nothing.
type NoopLabeler struct{}

func (NoopLabeler) Label(string) error { return nil }

const (
	devMajorMemory = 1
	devMinorNull   = 3
	devMinorZero   = 5
	devMinorFull   = 7
	devMinorRandom = 8
	devMinorURand  = 9

	devMajorTTY = 5
	devMinorTTY = 0
)

var staticDevs = []struct {
	major, minor int
	path         string
}{
	{devMajorMemory, devMinorNull, "null"},
	{devMajorMemory, devMinorZero, "zero"},
	{devMajorMemory, devMinorFull, "full"},
	{devMajorMemory, devMinorRandom, "random"},
	{devMajorMemory, devMinorURand, "urandom"},
	{devMajorTTY, devMinorTTY, "tty"},
}

// PrepDevFSOptions configures PrepDevFS.
type PrepDevFSOptions struct {
	WorkPath    string
	ZoneName    string
	RootUID     int
	RootGID     int
	PtsGID      int
	UserNS      bool
	Labeler     Labeler
}

// PrepDevFS stages a private tmpfs-backed /dev and a newinstance devpts
// under <WorkPath>/<name>.dev and <name>.devpts, on the host side, before
// the guard clones into its namespaces. It unshares a mount namespace first
// so these mounts never leak onto the host's view of the filesystem.
func PrepDevFS(opt PrepDevFSOptions) error {
	if opt.Labeler == nil {
		opt.Labeler = NoopLabeler{}
	}
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("rootfs: unshare mount ns: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("rootfs: mark / slave: %w", err)
	}

	devPath := filepath.Join(opt.WorkPath, opt.ZoneName+".dev")
	if err := os.MkdirAll(devPath, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", devPath, err)
	}
	if err := unix.Mount("devfs", devPath, "tmpfs", unix.MS_NOSUID, "mode=755,size=65536"); err != nil {
		return fmt.Errorf("rootfs: mount tmpfs on %s: %w", devPath, err)
	}
	if err := os.Chown(devPath, opt.RootUID, opt.RootGID); err != nil {
		return fmt.Errorf("rootfs: chown %s: %w", devPath, err)
	}

	for _, d := range staticDevs {
		path := filepath.Join(devPath, d.path)
		dev := unix.Mkdev(uint32(d.major), uint32(d.minor))
		if err := unix.Mknod(path, unix.S_IFCHR|0666, int(dev)); err != nil {
			return fmt.Errorf("rootfs: mknod %s: %w", path, err)
		}
		if err := os.Chown(path, opt.RootUID, opt.RootGID); err != nil {
			return fmt.Errorf("rootfs: chown %s: %w", path, err)
		}
	}

	devPtsPath := filepath.Join(opt.WorkPath, opt.ZoneName+".devpts")
	if err := os.MkdirAll(devPtsPath, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", devPtsPath, err)
	}
	ptsGID := opt.RootGID + opt.PtsGID
	ptsOpts := fmt.Sprintf("newinstance,ptmxmode=0666,mode=0620,gid=%d", ptsGID)
	if err := unix.Mount("devpts", devPtsPath, "devpts", unix.MS_NOSUID, ptsOpts); err != nil {
		return fmt.Errorf("rootfs: mount devpts on %s: %w", devPtsPath, err)
	}
	if err := os.Chown(devPtsPath, opt.RootUID, opt.RootGID); err != nil {
		return fmt.Errorf("rootfs: chown %s: %w", devPtsPath, err)
	}
	if err := os.Chown(filepath.Join(devPtsPath, "ptmx"), opt.RootUID, opt.RootGID); err != nil {
		return fmt.Errorf("rootfs: chown ptmx: %w", err)
	}

	if err := opt.Labeler.Label(devPath); err != nil {
		return fmt.Errorf("rootfs: label %s: %w", devPath, err)
	}
	if err := opt.Labeler.Label(devPtsPath); err != nil {
		return fmt.Errorf("rootfs: label %s: %w", devPtsPath, err)
	}
	return nil
}

// RevertDevFS unmounts the tmpfs and devpts staged by PrepDevFS, used when a
// zone's start is aborted or it shuts down.
func RevertDevFS(workPath, zoneName string) error {
	devPath := filepath.Join(workPath, zoneName+".dev")
	if err := unix.Unmount(devPath, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("rootfs: unmount %s: %w", devPath, err)
	}
	devPtsPath := filepath.Join(workPath, zoneName+".devpts")
	if err := unix.Unmount(devPtsPath, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("rootfs: unmount %s: %w", devPtsPath, err)
	}
	return nil
}

type staticMount struct {
	src, dst, typ string
	flags         int
	skipUserNS    bool
	skipUnmounted bool
	skipNoNetNS   bool
}

const selinuxMountPath = "/sys/fs/selinux"
const smackMountPath = "/sys/fs/smackfs"

var staticMounts = []staticMount{
	{"proc", "/proc", "proc", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, false, false, false},
	{"/proc/sys", "/proc/sys", "", unix.MS_BIND | unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY, false, false, false},
	{"sysfs", "/sys", "sysfs", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY, false, false, true},
	{"securityfs", "/sys/kernel/security", "securityfs", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY, true, true, false},
	{"selinuxfs", selinuxMountPath, "selinuxfs", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY, true, true, false},
	{"smackfs", smackMountPath, "smackfs", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY, true, true, false},
}

var staticLinks = []struct{ src, dst string }{
	{"/proc/self/fd/0", "/dev/stdin"},
	{"/proc/self/fd/1", "/dev/stdout"},
	{"/proc/self/fd/2", "/dev/stderr"},
	{"/proc/self/fd", "/dev/fd"},
}

// PivotOptions carries everything PivotAndPrepRoot needs from the zone's
// ContainerConfig.
type PivotOptions struct {
	RootPath   string
	OldRoot    string // e.g. ".oldroot", relative to RootPath
	WorkPath   string
	ZoneName   string
	UserNS     bool
	NetNS      bool
}

// PivotAndPrepRoot performs the guard's in-namespace filesystem takeover:
// it makes / private, binds RootPath onto a tmpfs-backed staging directory,
// pivot_roots onto it, cleans up the old root if RootPath is the host root,
// mounts the static filesystem table, moves/binds the pre-staged /dev and
// /dev/pts into place, and creates the static /dev symlinks. It must run
// after the mount namespace has been entered (and, if requested, the user
// namespace) and before init is exec'd.
func PivotAndPrepRoot(opt PivotOptions) error {
	if err := pivotRoot(opt); err != nil {
		return err
	}
	if opt.RootPath == "/" {
		if err := cleanUpRoot(opt); err != nil {
			return err
		}
	}
	if err := mountStatic(opt); err != nil {
		return err
	}
	if err := prepDev(opt); err != nil {
		return err
	}
	return symlinkStatic()
}

func pivotRoot(opt PivotOptions) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("rootfs: mark / private: %w", err)
	}

	oldRootPath := filepath.Join(opt.RootPath, opt.OldRoot)
	newRootPath := filepath.Join(oldRootPath, "newroot")

	if err := os.MkdirAll(oldRootPath, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", oldRootPath, err)
	}
	if err := unix.Mount("tmprootfs", oldRootPath, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("rootfs: mount tmpfs on %s: %w", oldRootPath, err)
	}

	if err := os.MkdirAll(newRootPath, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", newRootPath, err)
	}
	if err := unix.Mount(opt.RootPath, newRootPath, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("rootfs: bind %s onto %s: %w", opt.RootPath, newRootPath, err)
	}

	if err := unix.Chdir(newRootPath); err != nil {
		return fmt.Errorf("rootfs: chdir %s: %w", newRootPath, err)
	}
	if err := unix.PivotRoot(".", "./"+opt.OldRoot); err != nil {
		return fmt.Errorf("rootfs: pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("rootfs: chdir /: %w", err)
	}
	return nil
}

// cleanUpRoot tears down the remounted host "/" so it is ready to be reused
// as the zone's view of the filesystem. This path is only reachable without
// a user namespace: rootPath=="/" under a user namespace is rejected by
// zone.Zone.Validate.
func cleanUpRoot(opt PivotOptions) error {
	devPrepared := filepath.Join(opt.WorkPath, opt.ZoneName+".dev")
	_ = unix.Unmount(devPrepared, 0)

	for _, p := range []string{"/sys", "/dev", "/proc"} {
		if err := umountSubtree(p); err != nil {
			return err
		}
	}
	return nil
}

func umountSubtree(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
		return fmt.Errorf("rootfs: umount subtree %s: %w", path, err)
	}
	return nil
}

func mountStatic(opt PivotOptions) error {
	for _, m := range staticMounts {
		if m.skipUserNS && opt.UserNS {
			continue
		}
		if m.skipNoNetNS && !opt.NetNS && opt.UserNS {
			continue
		}
		if m.skipUnmounted {
			hostPath := filepath.Join(opt.OldRoot, m.dst)
			fi, err := os.Stat(hostPath)
			if err != nil || !fi.IsDir() || !isMountPoint(hostPath) {
				continue
			}
		}
		if err := os.MkdirAll(m.dst, 0755); err != nil {
			return fmt.Errorf("rootfs: mkdir %s: %w", m.dst, err)
		}
		if err := unix.Mount(m.src, m.dst, m.typ, uintptr(m.flags), ""); err != nil {
			return fmt.Errorf("rootfs: mount %s on %s: %w", m.src, m.dst, err)
		}
	}
	return nil
}

// isMountPoint reports whether path's device differs from its parent's,
// the cheap stat-based test used throughout the original for "is this
// actually mounted on the host".
func isMountPoint(path string) bool {
	var st, parentSt unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	if err := unix.Stat(filepath.Dir(path), &parentSt); err != nil {
		return false
	}
	return st.Dev != parentSt.Dev
}

func prepDev(opt PivotOptions) error {
	flags := unix.MS_MOVE
	if opt.UserNS {
		flags = unix.MS_BIND
	}

	devPrepared := filepath.Join(opt.OldRoot, opt.WorkPath, opt.ZoneName+".dev")
	if err := os.MkdirAll("/dev", 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir /dev: %w", err)
	}
	if err := unix.Mount(devPrepared, "/dev", "", uintptr(flags), ""); err != nil {
		return fmt.Errorf("rootfs: mount %s onto /dev: %w", devPrepared, err)
	}

	devPtsPrepared := filepath.Join(opt.OldRoot, opt.WorkPath, opt.ZoneName+".devpts")
	if err := os.MkdirAll("/dev/pts", 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir /dev/pts: %w", err)
	}
	if err := unix.Mount(devPtsPrepared, "/dev/pts", "", uintptr(flags), ""); err != nil {
		return fmt.Errorf("rootfs: mount %s onto /dev/pts: %w", devPtsPrepared, err)
	}
	return nil
}

func symlinkStatic() error {
	for _, l := range staticLinks {
		_ = os.Remove(l.dst)
		if err := os.Symlink(l.src, l.dst); err != nil {
			return fmt.Errorf("rootfs: symlink %s -> %s: %w", l.dst, l.src, err)
		}
	}
	return nil
}
