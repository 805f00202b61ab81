// Command zonectl is the control-socket client: a kong CLI mirroring
// cmd/sand's one-subcommand-per-file shape, talking to the supervisor
// over rpcwire instead of sand's mux protocol. Re-exec'd with
// "__attach-intermediary" as argv[1] it instead runs the attach
// intermediary (see attach.RunIntermediary), the same hidden-mode
// convention cmd/zoned-guard uses for "__zone-init".
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/banksean/zoned/attach"
)

type Context struct {
	SocketPath string
	client     *client
}

type CLI struct {
	Socket string `default:"/run/zoned/control.sock" placeholder:"<path>" help:"path to the supervisor's control socket"`

	Ls              LsCmd              `cmd:"" help:"list known zone ids"`
	Info            InfoCmd            `cmd:"" help:"show one zone's info"`
	Create          CreateCmd          `cmd:"" help:"create a zone from a template"`
	Start           StartCmd           `cmd:"" help:"start a zone"`
	Shutdown        ShutdownCmd        `cmd:"" help:"shut down a running zone"`
	Destroy         DestroyCmd         `cmd:"" help:"destroy a zone and its rootfs"`
	Lock            LockCmd            `cmd:"" help:"freeze a running zone"`
	Unlock          UnlockCmd          `cmd:"" help:"thaw a paused zone"`
	SetActive       SetActiveCmd       `cmd:"" name:"set-active" help:"focus a zone on the host console"`
	Attach          AttachCmd          `cmd:"" help:"run a command inside a running zone"`
	Console         ConsoleCmd         `cmd:"" help:"attach an interactive console to one of a zone's terminals"`
	DeclareFile     DeclareFileCmd     `cmd:"" name:"declare-file" help:"declare a file to provision into a zone"`
	GetDeclarations GetDeclarationsCmd `cmd:"" name:"declarations" help:"list a zone's declarations"`
	NetdevList      NetdevListCmd      `cmd:"" name:"netdev-list" help:"list host network devices"`
	ProxyCall       ProxyCallCmd       `cmd:"" name:"proxy-call" help:"forward a proxy call to a zone"`
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "__attach-intermediary" {
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: zonectl __attach-intermediary <config-path>")
			os.Exit(2)
		}
		if err := attach.RunIntermediary(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "zonectl: attach intermediary: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var cli CLI
	kctx := kong.Parse(&cli, kong.Description("Control the zoned supervisor's zones."))

	c, err := dial(cli.Socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zonectl: connect %s: %v\n", cli.Socket, err)
		os.Exit(1)
	}
	defer c.Close()

	err = kctx.Run(&Context{SocketPath: cli.Socket, client: c})
	if err != nil {
		slog.Error("zonectl", "error", err)
		kctx.FatalIfErrorf(err)
	}
}
