package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/banksean/zoned/attach"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// AttachCmd runs a command inside an already-running zone, implementing
// the three-process attach pipeline: this process writes the request and
// re-execs itself as the "__attach-intermediary" hidden mode, which enters
// the zone's namespaces and clones the final command.
type AttachCmd struct {
	ID      string            `arg:"" help:"zone id to attach to"`
	Arg     []string          `arg:"" passthrough:"" help:"command and args to run inside the zone"`
	KeepEnv []string          `name:"keep-env" help:"environment variable name to carry over from this process's environment (repeatable)"`
	SetEnv  map[string]string `name:"env" help:"KEY=VALUE environment variable to set in the attached process (repeatable)"`
}

func (c *AttachCmd) Run(cctx *Context) error {
	info, err := cctx.client.getZoneInfo(c.ID)
	if err != nil {
		return err
	}
	if info.State != "RUNNING" {
		return zerr.New(zerr.InvalidState, "zone %s is %s, not RUNNING", c.ID, info.State)
	}
	if info.InitPid == 0 {
		return zerr.New(zerr.InvalidState, "zone %s has no init pid", c.ID)
	}

	uid, gid := currentIDs()
	req := attach.Request{
		InitPid:    info.InitPid,
		Namespaces: zone.Mask(info.Namespaces),
		Argv:       c.Arg,
		EnvToKeep:  c.KeepEnv,
		EnvToSet:   c.SetEnv,
		UID:        uid,
		GID:        gid,
		TTYPath:    ctty(),
	}

	configPath, err := attach.WriteRequestConfig(os.TempDir(), req)
	if err != nil {
		return err
	}
	defer os.Remove(configPath)

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}

	pid, err := attach.Spawn(attach.IntermediaryArgv(self, configPath))
	if err != nil {
		return err
	}
	fmt.Printf("attached pid %d\n", pid)
	return nil
}

func currentIDs() (int, int) {
	u, err := user.Current()
	if err != nil {
		return os.Getuid(), os.Getgid()
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	return uid, gid
}

// ctty returns the caller's controlling terminal path, if any, so the
// attached process inherits an interactive terminal instead of running
// headless.
func ctty() string {
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return "/dev/tty"
	}
	return ""
}
