// Package attach implements the three-process pipeline used to run a new
// command inside an already-running zone: the caller forks an
// intermediary, which enters the zone's namespaces with setns and clones a
// child with CLONE_PARENT so the new process's parent is the caller, not
// the intermediary. Grounded in the original's Attach command
// (commands/attach.cpp); the credential and capability steps reuse cred and
// the namespace entry reuses nsutil.
package attach

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/cred"
	"github.com/banksean/zoned/nsutil"
	"github.com/banksean/zoned/zone"
)

// Request describes one attach: the command to run and the identity it
// should run as inside the zone.
type Request struct {
	InitPid    int
	Namespaces zone.Mask

	Argv    []string
	WorkDir string // relative to the zone's root

	// EnvToKeep names the ambient environment variables the child inherits
	// from the intermediary's own environment; every other variable is
	// cleared. EnvToSet is then applied on top, overriding any name it
	// shares with EnvToKeep.
	EnvToKeep []string
	EnvToSet  map[string]string

	UID               int
	GID               int
	SupplementaryGids []int
	CapsToKeep        map[int]bool

	// TTYPath, if non-empty, is opened O_RDWR|O_NOCTTY and made the
	// process's controlling terminal via setsid+TIOCSCTTY+dup2.
	TTYPath string
}

// IntermediaryArgv is the argv the caller execs to spawn the intermediary
// process: a re-exec of the running binary in a hidden mode that calls
// Intermediary. Go cannot safely fork without exec in a multi-threaded
// runtime, so unlike the original's plain fork(), the intermediary here is
// always a freshly exec'd process — the zonectl binary re-invoked with
// this argv.
func IntermediaryArgv(self, configPath string) []string {
	return []string{self, "__attach-intermediary", configPath}
}

// Spawn starts the intermediary process, reads the final attached
// process's pid from it, waits for the intermediary and then for the
// attached process to exit, and returns that pid. argv is the
// already-built IntermediaryArgv for this request; the request itself
// travels to the intermediary out of band (its caller JSON-encodes req to
// a temp file at configPath and the intermediary process reads it back).
func Spawn(argv []string) (int, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return -1, fmt.Errorf("attach: pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.ExtraFiles = []*os.File{w}
	if err := cmd.Start(); err != nil {
		w.Close()
		return -1, fmt.Errorf("attach: start intermediary: %w", err)
	}
	w.Close()

	var childPid int
	if _, err := fmt.Fscanf(r, "%d", &childPid); err != nil {
		cmd.Wait()
		return -1, fmt.Errorf("attach: read child pid: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return -1, fmt.Errorf("attach: intermediary: %w", err)
	}
	if _, err := nsutil.Waitpid(childPid); err != nil {
		return -1, fmt.Errorf("attach: waitpid attached process: %w", err)
	}
	return childPid, nil
}

// Intermediary is the body executed by the re-exec'd intermediary process
// that Spawn starts; it does the setns+clone work from inside it. It enters
// the zone's namespaces, changes to workDir inside the zone's root, clones
// the final child with CLONE_PARENT, writes the child's pid to pidw and
// returns. The child's parent is Spawn's caller, which waits for it.
func Intermediary(req Request, pidw *os.File) error {
	if err := nsutil.SetnsAll(req.InitPid, req.Namespaces); err != nil {
		return fmt.Errorf("attach: enter namespaces: %w", err)
	}
	if req.WorkDir != "" {
		if err := unix.Chdir(req.WorkDir); err != nil {
			return fmt.Errorf("attach: chdir %s: %w", req.WorkDir, err)
		}
	}

	childPid, err := cloneChild(req)
	if err != nil {
		return fmt.Errorf("attach: clone child: %w", err)
	}
	fmt.Fprintf(pidw, "%d\n", childPid)
	pidw.Close()
	return nil
}

// cloneChild clones a process with CLONE_PARENT so its parent is the
// intermediary's parent (the original caller), not the intermediary
// itself, then execs req.Argv inside the child after setting up
// capabilities, environment, credentials, and the control TTY.
func cloneChild(req Request) (int, error) {
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Env = buildEnv(req.EnvToKeep, req.EnvToSet)
	cmd.SysProcAttr = &unix.SysProcAttr{
		Cloneflags: unix.CLONE_PARENT,
		Credential: &unix.Credential{
			Uid:    uint32(req.UID),
			Gid:    uint32(req.GID),
			Groups: toUint32(req.SupplementaryGids),
		},
	}

	if req.TTYPath != "" {
		tty, err := os.OpenFile(req.TTYPath, os.O_RDWR, 0)
		if err != nil {
			return -1, fmt.Errorf("open tty %s: %w", req.TTYPath, err)
		}
		defer tty.Close()
		cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
	}

	if err := childPreExec(req); err != nil {
		return -1, err
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start: %w", err)
	}
	return cmd.Process.Pid, nil
}

// childPreExec runs the capability-drop and bounding-set adjustments that
// must happen in the calling process before Start, since Go's os/exec has
// no hook to run arbitrary code between fork and exec.
func childPreExec(req Request) error {
	if req.CapsToKeep != nil {
		if err := cred.DropBoundingExcept(req.CapsToKeep); err != nil {
			return fmt.Errorf("drop capabilities: %w", err)
		}
	}
	return nil
}

// buildEnv clears the intermediary's ambient environment except for the
// names listed in envToKeep, then applies envToSet on top, overriding any
// name it shares with envToKeep.
func buildEnv(envToKeep []string, envToSet map[string]string) []string {
	keep := make(map[string]bool, len(envToKeep))
	for _, name := range envToKeep {
		keep[name] = true
	}
	out := make([]string, 0, len(envToKeep)+len(envToSet))
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && keep[name] {
			if _, overridden := envToSet[name]; overridden {
				continue
			}
			out = append(out, kv)
		}
	}
	for name, value := range envToSet {
		out = append(out, name+"="+value)
	}
	return out
}

func toUint32(in []int) []uint32 {
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}
