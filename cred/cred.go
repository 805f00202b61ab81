// Package cred writes the uid_map/gid_map files that establish a zone's
// user-namespace identity mapping, and wraps the small set of credential
// syscalls (setgroups, setregid, setreuid, setsid) the guard issues right
// before it execs a zone's init. Every wrapper fails with the underlying
// system error attached, mirroring the original's CredentialSetupException.
package cred

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/zone"
)

// WriteIDMaps writes /proc/<pid>/uid_map and /proc/<pid>/gid_map for pid.
// Either map may be empty, in which case that file is left untouched. When
// gidMap is non-empty it first writes "deny" to /proc/<pid>/setgroups, as
// user_namespaces(7) requires before an unprivileged gid_map write.
func WriteIDMaps(pid int, uidMap, gidMap []zone.IDMapEntry) error {
	if len(gidMap) > 0 {
		if err := writeMap(fmt.Sprintf("/proc/%d/setgroups", pid), "deny"); err != nil {
			return err
		}
	}
	if len(uidMap) > 0 {
		if err := writeIDMap(fmt.Sprintf("/proc/%d/uid_map", pid), uidMap); err != nil {
			return err
		}
	}
	if len(gidMap) > 0 {
		if err := writeIDMap(fmt.Sprintf("/proc/%d/gid_map", pid), gidMap); err != nil {
			return err
		}
	}
	return nil
}

func writeIDMap(path string, entries []zone.IDMapEntry) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%d %d %d\n", e.ContainerID, e.HostID, e.Length)
	}
	return writeMap(path, b.String())
}

func writeMap(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cred: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("cred: write %s: %w", path, err)
	}
	return nil
}

// SetGroups wraps setgroups(2). A nil or empty gids drops all supplementary
// groups.
func SetGroups(gids []int) error {
	if err := unix.Setgroups(gids); err != nil {
		return fmt.Errorf("cred: setgroups: %w", err)
	}
	return nil
}

// SetResGid wraps setregid(2), setting both real and effective gid to gid.
func SetResGid(gid int) error {
	if err := unix.Setregid(gid, gid); err != nil {
		return fmt.Errorf("cred: setregid(%d): %w", gid, err)
	}
	return nil
}

// SetResUid wraps setreuid(2), setting both real and effective uid to uid.
// Callers must drop gid before uid: the kernel forbids changing gid after a
// non-root uid is in effect.
func SetResUid(uid int) error {
	if err := unix.Setreuid(uid, uid); err != nil {
		return fmt.Errorf("cred: setreuid(%d): %w", uid, err)
	}
	return nil
}

// SetSid wraps setsid(2), starting a new session with the calling process
// as its leader. Used by attach and the guard when taking control of a PTY.
func SetSid() (int, error) {
	sid, err := unix.Setsid()
	if err != nil {
		return 0, fmt.Errorf("cred: setsid: %w", err)
	}
	return sid, nil
}

// capLast is the highest capability value this kernel understands, read
// from /proc/sys/kernel/cap_last_cap the way the original reads
// CAP_LAST_CAP, since it differs across kernel versions.
func capLast() (int, error) {
	b, err := os.ReadFile("/proc/sys/kernel/cap_last_cap")
	if err != nil {
		return 0, fmt.Errorf("cred: read cap_last_cap: %w", err)
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(b)), "%d", &n); err != nil {
		return 0, fmt.Errorf("cred: parse cap_last_cap: %w", err)
	}
	return n, nil
}

// DropBoundingExcept drops every capability from the thread's bounding set
// except those in keep, iterating 0..CAP_LAST_CAP via PR_CAPBSET_DROP the
// way the original's dropCapsFromBoundingExcept does.
func DropBoundingExcept(keep map[int]bool) error {
	last, err := capLast()
	if err != nil {
		return err
	}
	for c := 0; c <= last; c++ {
		if keep[c] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				continue
			}
			return fmt.Errorf("cred: PR_CAPBSET_DROP(%d): %w", c, err)
		}
	}
	return nil
}
