// Command zoned is the supervisor daemon: it loads the static zone
// config, opens the sqlite-backed store, and serves the control socket
// and gRPC health endpoint for the lifetime of the process. Structured
// like cmd/sand's main.go (a kong CLI with an initSlog step before doing
// anything else), but re-exec'd with manager.PrivilegedCopyArg as argv[1]
// it instead runs the privileged rootfs-image-copy helper mode, the same
// hidden-re-exec convention guard.BootstrapArg and
// attach.IntermediaryArgv use elsewhere in this design.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"google.golang.org/grpc/health"

	"github.com/banksean/zoned/config"
	"github.com/banksean/zoned/manager"
	"github.com/banksean/zoned/policy"
	"github.com/banksean/zoned/sshprov"
	"github.com/banksean/zoned/store"
	"github.com/banksean/zoned/telemetry"
	"github.com/banksean/zoned/vthook"
)

type CLI struct {
	ConfigPath string `default:"/etc/zoned/zoned.yaml" placeholder:"<path>" help:"path to the static zone config"`
	LogLevel   string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`
	Console    string `default:"/dev/console" placeholder:"<device>" help:"console device used for VT focus switches"`
}

func (c *CLI) initSlog() {
	level := levelFromString(c.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func levelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if len(os.Args) >= 4 && os.Args[1] == manager.PrivilegedCopyArg {
		if err := manager.RunPrivilegedCopy(os.Args[2], os.Args[3]); err != nil {
			fmt.Fprintf(os.Stderr, "zoned: privileged copy: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var cli CLI
	kong.Parse(&cli, kong.Description("Supervise zones: clone/namespace/cgroup-isolated Linux containers."))
	cli.initSlog()

	if err := run(cli); err != nil {
		slog.Error("zoned: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	static, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    static.Telemetry.Endpoint,
		ServiceName: static.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	for _, dir := range []string{static.RunPath, static.WorkPath, static.TemplatesDir(), static.ZoneConfigDir(), static.ZonesPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	st, err := store.Open(static.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	vt, err := vthook.Open(cli.Console)
	if err != nil {
		slog.Warn("zoned: VT focus switching disabled", "error", err)
	} else {
		defer vt.Close()
	}

	opts := manager.Options{
		Static:        static,
		Store:         st,
		TemplatesDir:  static.TemplatesDir(),
		ZoneConfigDir: static.ZoneConfigDir(),
		ZonesPath:     static.ZonesPath(),
		WorkPath:      static.WorkPath,
		Policy:        policy.New(static.ProxyCallRules),
	}
	if vt != nil {
		opts.VTHook = vt
	}
	if static.SSHDomain != "" {
		prov, err := sshprov.New(ctx, static.SSHDomain)
		if err != nil {
			slog.Warn("zoned: ssh provisioning disabled", "error", err)
		} else {
			opts.SSHProvisioner = prov
		}
	}
	m, err := manager.New(opts)
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}
	defer m.Close(context.Background())

	if err := m.StartAll(); err != nil {
		slog.Error("zoned: StartAll reported failures", "error", err)
	}

	controlSocket := static.ControlSocket
	if controlSocket == "" {
		controlSocket = static.RunPath + "/control.sock"
	}
	go func() {
		if err := m.ServeControlSocket(ctx, controlSocket); err != nil {
			slog.Error("zoned: control socket serve loop exited", "error", err)
		}
	}()

	if static.HealthAddr != "" {
		lis, err := listenHealth(static.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen health %s: %w", static.HealthAddr, err)
		}
		hs := health.NewServer()
		manager.ServeHealth(ctx, lis, hs)
		go refreshHealthLoop(ctx, m, hs)
	}

	slog.Info("zoned: running", "control_socket", controlSocket, "health_addr", static.HealthAddr)
	<-ctx.Done()
	slog.Info("zoned: shutting down")
	return nil
}

func listenHealth(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func refreshHealthLoop(ctx context.Context, m *manager.Manager, hs *health.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		m.RefreshHealth(hs)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
