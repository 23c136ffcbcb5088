// Command mprisbridged runs the MPRIS bridge daemon: it watches the D-Bus
// session bus for media players, transforms their metadata through a
// configurable rule set, and serves the result to local clients over a Unix
// domain socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rkallin/mprisbridge/internal/orchestrator"

	flag "github.com/spf13/pflag"
	"go.uber.org/fx"
)

func main() {
	flags := parseFlags()

	app := fx.New(orchestrator.Module(flags))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mprisbridged: startup failed:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	if err := app.Stop(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "mprisbridged: shutdown failed:", err)
		os.Exit(1)
	}
}

func parseFlags() orchestrator.Flags {
	var f orchestrator.Flags
	var finelog string

	flag.StringVar(&f.ConfigPath, "config", "/etc/mprisbridge/config.yaml", "Path to the YAML configuration file.")
	flag.StringVar(&f.SocketPath, "socket", "", "Unix socket path to serve on (overrides the config file's socket_path).")
	flag.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, or error.")
	flag.StringVar(&finelog, "finelog", "", "Comma-separated list of package-name prefixes to force to debug level regardless of --log-level.")
	flag.Parse()

	if finelog != "" {
		for _, p := range strings.Split(finelog, ",") {
			if p != "" {
				f.Finelog = append(f.Finelog, p)
			}
		}
	}
	return f
}
