package main

import (
	"context"
	"fmt"
	"os"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/console"
	"github.com/banksean/zoned/zerr"
)

// ConsoleCmd connects stdin/stdout directly to one of a running zone's PTY
// masters, the same console-multiplexer experience the supervisor itself
// would use for the foreground zone, but dialed explicitly by id and
// terminal index.
type ConsoleCmd struct {
	ID       string `arg:"" help:"zone id"`
	Terminal int    `default:"0" help:"terminal index to attach to"`
}

type termResizer struct {
	cctx *Context
	id   string
	term int
}

func (r termResizer) Resize(cols, rows int) error {
	return r.cctx.client.call(api.MethodResizeTerm, api.ResizeTermRequest{
		ID: r.id, Terminal: r.term, Rows: rows, Cols: cols,
	}, nil)
}

func (c *ConsoleCmd) Run(cctx *Context) error {
	info, err := cctx.client.getZoneInfo(c.ID)
	if err != nil {
		return err
	}
	if info.State != "RUNNING" {
		return zerr.New(zerr.InvalidState, "zone %s is %s, not RUNNING", c.ID, info.State)
	}
	if c.Terminal < 0 || c.Terminal >= len(info.PTYPaths) {
		return zerr.New(zerr.InvalidId, "zone %s has no terminal %d", c.ID, c.Terminal)
	}

	master, err := os.OpenFile(info.PTYPaths[c.Terminal], os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open terminal %s: %w", info.PTYPaths[c.Terminal], err)
	}
	defer master.Close()

	sess := &console.Session{
		In:       os.Stdin,
		Out:      os.Stdout,
		Master:   master,
		MasterFd: int(master.Fd()),
		Resizer:  termResizer{cctx: cctx, id: c.ID, term: c.Terminal},
	}

	cmd, err := sess.Run(context.Background())
	if err != nil {
		return err
	}
	switch cmd {
	case console.CommandQuit:
		fmt.Println("detached")
	case console.CommandNextZone, console.CommandPrevZone:
		fmt.Println("zone switching is handled by the supervisor's own console, not zonectl")
	}
	return nil
}
