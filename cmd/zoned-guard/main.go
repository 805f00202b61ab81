// Command zoned-guard is the per-zone guard process the supervisor
// daemonizes once per running zone. Invoked normally it listens on the
// unix socket given as argv[1]; re-exec'd with guard.BootstrapArg as
// argv[1] it instead runs the in-child "__zone-init" bootstrap (see
// guard.RunInitBootstrap), the same single-binary-multiple-hidden-modes
// convention cmd/sand's daemon_cmd.go uses for its sandmux helper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/banksean/zoned/guard"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: zoned-guard <socket-path> | zoned-guard __zone-init <config-path>")
		os.Exit(2)
	}

	if os.Args[1] == guard.BootstrapArg {
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: zoned-guard __zone-init <config-path>")
			os.Exit(2)
		}
		if err := guard.RunInitBootstrap(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "zoned-guard: bootstrap: %v\n", err)
			os.Exit(1)
		}
		return
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "zoned-guard: resolve self: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGTERM, unix.SIGINT)
	defer stop()

	srv := guard.NewServer(os.Args[1], self)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "zoned-guard: %v\n", err)
		os.Exit(1)
	}
}
