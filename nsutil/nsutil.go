// Package nsutil wraps the low-level clone-flag/unshare/setns/wait4
// syscalls used to build a zone's namespace stack. Every wrapper fails
// loudly with an error carrying the underlying system error message; none
// of them ever return a bare error code, matching the teacher's style of
// small, explicit os/exec/syscall wrappers (see system.go's
// syscall.SysProcAttr use) generalized to raw Linux namespace syscalls.
package nsutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/zone"
)

// nsName maps a single namespace bit to its /proc/<pid>/ns/<name> entry and
// clone(2) flag. SetnsAll enters user first, then the rest in this order.
var nsName = []struct {
	bit   zone.Namespace
	name  string
	flag  uintptr
}{
	{zone.NSUser, "user", unix.CLONE_NEWUSER},
	{zone.NSMount, "mnt", unix.CLONE_NEWNS},
	{zone.NSPID, "pid", unix.CLONE_NEWPID},
	{zone.NSUTS, "uts", unix.CLONE_NEWUTS},
	{zone.NSIPC, "ipc", unix.CLONE_NEWIPC},
	{zone.NSNet, "net", unix.CLONE_NEWNET},
}

// CloneFlags translates a namespace mask into the bitwise-OR of clone(2)
// flags, always including SIGCHLD so the resulting child can be reaped with
// ordinary wait4.
func CloneFlags(mask zone.Mask) uintptr {
	var flags uintptr = unix.SIGCHLD
	for _, n := range nsName {
		if mask.Has(n.bit) {
			flags |= n.flag
		}
	}
	return flags
}

// SetnsAll opens /proc/<pid>/ns/<name> for each namespace bit set in mask
// and calls setns(2) on it. The user namespace, if present, is entered
// first so the calling process acquires the privileges it needs to enter
// the rest; every other namespace follows in the fixed order above.
func SetnsAll(pid int, mask zone.Mask) error {
	ordered := append([]zone.Namespace{}, orderedBits(mask)...)
	for _, bit := range ordered {
		name := bitName(bit)
		path := fmt.Sprintf("/proc/%d/ns/%s", pid, name)
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("nsutil: open %s: %w", path, err)
		}
		err = unix.Setns(int(f.Fd()), int(flagFor(bit)))
		f.Close()
		if err != nil {
			return fmt.Errorf("nsutil: setns(%s, pid=%d): %w", name, pid, err)
		}
	}
	return nil
}

func orderedBits(mask zone.Mask) []zone.Namespace {
	var out []zone.Namespace
	if mask.Has(zone.NSUser) {
		out = append(out, zone.NSUser)
	}
	for _, n := range nsName {
		if n.bit == zone.NSUser {
			continue
		}
		if mask.Has(n.bit) {
			out = append(out, n.bit)
		}
	}
	return out
}

func bitName(bit zone.Namespace) string {
	for _, n := range nsName {
		if n.bit == bit {
			return n.name
		}
	}
	return "?"
}

func flagFor(bit zone.Namespace) uintptr {
	for _, n := range nsName {
		if n.bit == bit {
			return n.flag
		}
	}
	return 0
}

// Unshare wraps unshare(2), translating the namespace mask the same way
// CloneFlags does.
func Unshare(mask zone.Mask) error {
	if err := unix.Unshare(int(CloneFlags(mask) &^ unix.SIGCHLD)); err != nil {
		return fmt.Errorf("nsutil: unshare(%s): %w", mask, err)
	}
	return nil
}

// Waitpid blocks for pid to change state and returns its wait status. It
// wraps wait4(2) the way the original's lxcpp::waitpid does, retrying on
// EINTR.
func Waitpid(pid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("nsutil: waitpid(%d): %w", pid, err)
		}
		return status, nil
	}
}
