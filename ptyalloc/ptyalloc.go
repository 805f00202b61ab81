// Package ptyalloc allocates the pseudo-terminals a zone is started with,
// either against the host's default /dev/pts or a zone's own private
// devpts instance staged by rootfs.PrepDevFS. It is grounded in the
// original's PrepPTYTerminal command, adapted onto github.com/creack/pty
// for the default openpty path. Neither path puts the slave into raw mode.
package ptyalloc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/zone"
)

// Options configures a batch of terminal allocations for one zone.
type Options struct {
	Count      int
	UID        int
	DevptsPath string // empty selects the host's default /dev/pts
}

// AllocateAll opens Count PTY pairs per Options, returning them in
// allocation order. On any failure it closes everything already opened and
// returns the error, leaving no dangling file descriptors.
func AllocateAll(opt Options) ([]zone.PTYPair, error) {
	pairs := make([]zone.PTYPair, 0, opt.Count)
	for i := 0; i < opt.Count; i++ {
		p, err := allocateOne(opt)
		if err != nil {
			Revert(pairs)
			return nil, fmt.Errorf("ptyalloc: terminal %d: %w", i, err)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func allocateOne(opt Options) (zone.PTYPair, error) {
	if opt.DevptsPath != "" {
		return allocateInDevpts(opt)
	}
	return allocateDefault(opt)
}

// allocateDefault opens a PTY against the host's default /dev/ptmx with
// github.com/creack/pty's Open and sets the master nonblocking; the slave
// keeps its default terminal mode.
func allocateDefault(opt Options) (zone.PTYPair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return zone.PTYPair{}, fmt.Errorf("pty.Open: %w", err)
	}
	defer slave.Close()

	name := slave.Name()
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		return zone.PTYPair{}, fmt.Errorf("set nonblock: %w", err)
	}
	if opt.UID > 0 {
		if err := os.Chown(name, opt.UID, -1); err != nil {
			master.Close()
			return zone.PTYPair{}, fmt.Errorf("chown %s: %w", name, err)
		}
	}
	return zone.PTYPair{MasterFD: int(master.Fd()), PtsName: name, OwnerUID: opt.UID}, nil
}

// allocateInDevpts opens the master end against <DevptsPath>/ptmx, the
// private-instance path used when a zone owns its own devpts mount, and
// chowns the resulting slave the way prep-pty-terminal.cpp does.
func allocateInDevpts(opt Options) (zone.PTYPair, error) {
	ptmxPath := filepath.Join(opt.DevptsPath, "ptmx")
	masterFd, err := unix.Open(ptmxPath, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return zone.PTYPair{}, fmt.Errorf("open %s: %w", ptmxPath, err)
	}

	if err := unix.IoctlSetInt(masterFd, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(masterFd)
		return zone.PTYPair{}, fmt.Errorf("unlock pty: %w", err)
	}

	n, err := unix.IoctlGetInt(masterFd, unix.TIOCGPTN)
	if err != nil {
		unix.Close(masterFd)
		return zone.PTYPair{}, fmt.Errorf("get pty number: %w", err)
	}
	ptsName := fmt.Sprintf("%d", n)
	slavePath := filepath.Join(opt.DevptsPath, ptsName)

	if err := unix.SetNonblock(masterFd, true); err != nil {
		unix.Close(masterFd)
		return zone.PTYPair{}, fmt.Errorf("set nonblock: %w", err)
	}
	if opt.UID > 0 {
		if err := os.Chown(slavePath, opt.UID, -1); err != nil {
			unix.Close(masterFd)
			return zone.PTYPair{}, fmt.Errorf("chown %s: %w", slavePath, err)
		}
	}
	return zone.PTYPair{MasterFD: masterFd, PtsName: ptsName, DevptsPath: opt.DevptsPath, OwnerUID: opt.UID}, nil
}

// Revert closes every master fd in pairs, the counterpart to
// PrepPTYTerminal::revert.
func Revert(pairs []zone.PTYPair) {
	for _, p := range pairs {
		unix.Close(p.MasterFD)
	}
}
