// Package console implements the interactive side of attach: a state
// machine that copies bytes between a local terminal and a zone's PTY
// master, recognizes the escape sequence used to detach or switch zones,
// and keeps the local terminal's size in sync with SIGWINCH. Grounded in
// the original's foreground/focus handling (containers-manager.cpp) for
// the escape semantics and in the teacher's slog + creack/pty + x/term
// idiom (containers.go) for the plumbing.
package console

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Command is what an escape sequence resolved to.
type Command int

const (
	// CommandNone means the multiplexer should keep copying normally.
	CommandNone Command = iota
	// CommandQuit means the user typed the detach sequence (Ctrl-A q, or a
	// bare Ctrl-]).
	CommandQuit
	// CommandNextZone means the user typed Ctrl-A n.
	CommandNextZone
	// CommandPrevZone means the user typed Ctrl-A p.
	CommandPrevZone
)

const (
	ctrlA    = 0x01
	ctrlRB   = 0x1D // Ctrl-]
)

// Resizer is notified of local terminal size changes so they can be
// forwarded to the zone's guard over RPC (ResizeTerm).
type Resizer interface {
	Resize(cols, rows int) error
}

// Session copies bytes between a local terminal (In/Out, normally stdin and
// stdout) and a zone's PTY master, handling the escape-sequence state
// machine and SIGWINCH forwarding. One Session serves one attach.
type Session struct {
	In  *os.File
	Out *os.File

	Master io.ReadWriter
	MasterFd int

	Resizer Resizer

	escaping bool
}

// Run takes over the terminal (raw mode, SIGWINCH handler) and copies bytes
// until ctx is canceled, the master is closed, or the user issues a quit
// escape. It always restores the terminal before returning, including on
// ctx cancellation or an error from either side of the copy.
func (s *Session) Run(ctx context.Context) (Command, error) {
	fd := int(s.In.Fd())
	if !term.IsTerminal(fd) {
		_, err := io.Copy(s.Master, s.In)
		return CommandNone, err
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return CommandNone, err
	}
	defer term.Restore(fd, oldState)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)

	// Ignore the signals a detached terminal would otherwise deliver with
	// their default (terminating) disposition for the session's duration, so
	// the deferred term.Restore above always runs instead of being skipped
	// by the process dying mid-session.
	signal.Ignore(unix.SIGQUIT, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGPIPE)
	defer signal.Reset(unix.SIGQUIT, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGPIPE)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.watchResize(ctx, winch)
	s.forwardSize()

	outDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(s.Out, s.Master)
		outDone <- err
	}()

	cmdCh := make(chan Command, 1)
	errCh := make(chan error, 1)
	go s.pumpInput(cmdCh, errCh)

	select {
	case <-ctx.Done():
		return CommandNone, ctx.Err()
	case err := <-outDone:
		return CommandNone, err
	case cmd := <-cmdCh:
		return cmd, nil
	case err := <-errCh:
		return CommandNone, err
	}
}

func (s *Session) watchResize(ctx context.Context, winch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			s.forwardSize()
		}
	}
}

func (s *Session) forwardSize() {
	if s.Resizer == nil {
		return
	}
	ws, err := unix.IoctlGetWinsize(int(s.In.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		slog.Warn("console: get winsize", "error", err)
		return
	}
	if err := s.Resizer.Resize(int(ws.Col), int(ws.Row)); err != nil {
		slog.Warn("console: forward resize", "error", err)
	}
}

// pumpInput reads from s.In one byte at a time (small reads keep the escape
// sequence detection exact) and feeds bytes through to s.Master unless they
// form an escape sequence.
func (s *Session) pumpInput(cmdCh chan<- Command, errCh chan<- error) {
	buf := make([]byte, 1)
	for {
		n, err := s.In.Read(buf)
		if n > 0 {
			if cmd, pass := s.feed(buf[0]); cmd != CommandNone {
				cmdCh <- cmd
				return
			} else if pass {
				if _, werr := s.Master.Write(buf[:1]); werr != nil {
					errCh <- werr
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				errCh <- err
			} else {
				cmdCh <- CommandQuit
			}
			return
		}
	}
}

// feed advances the escape state machine by one byte, returning a Command
// if the byte completed one, and whether the byte itself should still be
// written through to the master (true for every byte except the Ctrl-A
// prefix and the command byte that follows it).
func (s *Session) feed(b byte) (Command, bool) {
	if s.escaping {
		s.escaping = false
		switch b {
		case 'q':
			return CommandQuit, false
		case 'n':
			return CommandNextZone, false
		case 'p':
			return CommandPrevZone, false
		case ctrlA:
			return CommandNone, true
		default:
			return CommandNone, false
		}
	}
	if b == ctrlA {
		s.escaping = true
		return CommandNone, false
	}
	if b == ctrlRB {
		return CommandQuit, false
	}
	return CommandNone, true
}
