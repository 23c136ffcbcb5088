// Package orchestrator wires every component of the daemon together with
// go.uber.org/fx, following the lifecycle-hook shape the pack's MPRIS-aware
// synest daemon uses for its own single-purpose D-Bus monitor: fx.Provide
// constructors, a single fx.Invoke(registerHooks) appending OnStart/OnStop
// hooks in dependency order.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/rkallin/mprisbridge/internal/busmonitor"
	"github.com/rkallin/mprisbridge/internal/config"
	"github.com/rkallin/mprisbridge/internal/dbuswatch"
	"github.com/rkallin/mprisbridge/internal/logging"
	"github.com/rkallin/mprisbridge/internal/metadata"
	"github.com/rkallin/mprisbridge/internal/player"
	"github.com/rkallin/mprisbridge/internal/plugin"
	"github.com/rkallin/mprisbridge/internal/rules"
	"github.com/rkallin/mprisbridge/internal/socket"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Flags gathers the CLI-configurable knobs the orchestrator needs at
// startup; it is provided into the fx graph as a value.
type Flags struct {
	ConfigPath string
	SocketPath string
	LogLevel   string
	Finelog    []string
}

// App bundles every long-lived component the lifecycle hooks start and
// stop, so registerHooks only has one parameter to thread through.
type App struct {
	Logger   *zap.Logger
	Config   *config.Loader
	Registry *player.Registry
	Monitor  *busmonitor.Monitor
	Server   *socket.Server
}

// Module is the fx.Options bundle the daemon's main assembles; kept
// separate from fx.New so tests can validate the dependency graph without
// starting anything (fx.ValidateApp-style), matching the pack's exported
// AppOptions convention.
func Module(flags Flags) fx.Option {
	return fx.Options(
		fx.Supply(flags),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Provide(
			newLogger,
			newFilesystem,
			newRegistry,
			newConfigLoader,
			newSocketServer,
			newBusMonitor,
			newApp,
		),
		fx.Invoke(registerHooks),
	)
}

func newLogger(flags Flags) (*zap.Logger, *logging.Factory, error) {
	base, factory, err := logging.New(logging.Config{Level: flags.LogLevel, Finelog: flags.Finelog})
	if err != nil {
		return nil, nil, err
	}
	return base, factory, nil
}

func newFilesystem() afero.Fs {
	return afero.NewOsFs()
}

func newRegistry(cfgLoader *config.Loader) *player.Registry {
	return player.NewRegistry(cfgLoader.File().ExcludedSubstrings, nil)
}

// engineBuilder closes over the shared plugin loader so every config
// reload recompiles against the same builtin registry and search paths.
// Plugin search paths are fixed at process startup (§4.8: "socket-path and
// plugin-search-path changes take effect only on restart"), so they are
// read once here rather than threaded through every reload.
func engineBuilder(fs afero.Fs, pluginPaths []string, factory *logging.Factory) config.NewEngineFunc {
	logger := factory.For("rules")
	loader := plugin.New(fs, pluginPaths)
	rules.RegisterBuiltins(loader)
	return func(entries []rules.RuleSetEntry) (*rules.Engine, error) {
		matcher := rules.NewMatcher(loader, rules.NewPcreEngine(), logger)
		e := rules.NewEngine(loader, matcher, logger)
		if err := e.Init(entries); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func newConfigLoader(flags Flags, fs afero.Fs, factory *logging.Factory) (*config.Loader, error) {
	logger := factory.For("config")
	pluginPaths := config.PeekPluginPaths(fs, flags.ConfigPath)
	l := config.NewLoader(flags.ConfigPath, fs, engineBuilder(fs, pluginPaths, factory), logger)
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

func newSocketServer(flags Flags, fs afero.Fs, factory *logging.Factory, cfgLoader *config.Loader, registry *player.Registry) *socket.Server {
	path := flags.SocketPath
	if path == "" {
		path = cfgLoader.File().SocketPath
	}
	activeFunc := func() metadata.Dict {
		p, ok := registry.Active()
		if !ok {
			return metadata.Dict{}
		}
		return p.Metadata()
	}
	return socket.New(path, fs, factory.For("socket"), activeFunc)
}

func newBusMonitor(registry *player.Registry, cfgLoader *config.Loader, server *socket.Server, factory *logging.Factory) *busmonitor.Monitor {
	broadcast := func(class string, md metadata.Dict) {
		server.Broadcast(class, md, nil)
	}
	return busmonitor.New(dbuswatch.Session, registry, cfgLoader.Engine, broadcast, factory.For("busmonitor"))
}

func newApp(logger *zap.Logger, cfgLoader *config.Loader, registry *player.Registry, mon *busmonitor.Monitor, server *socket.Server) *App {
	registry.SetActiveCallback(func(name string) {
		p, ok := registry.Get(name)
		md := metadata.Dict{}
		if ok {
			md = p.Metadata()
		}
		server.Broadcast("ON_PLAYER", md, nil)
	})
	return &App{Logger: logger, Config: cfgLoader, Registry: registry, Monitor: mon, Server: server}
}

// registerHooks starts components in the order config -> plugin registry
// (already compiled as part of config.Load) -> socket server -> bus
// connection -> discovery, and reverses that order on teardown, combining
// every independent teardown error with multierr rather than discarding
// all but the first.
func registerHooks(lc fx.Lifecycle, app *App) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			app.Logger.Info("starting mprisbridge daemon")

			if err := app.Config.Watch(); err != nil {
				return fmt.Errorf("orchestrator: starting config watch: %w", err)
			}
			if err := app.Server.Listen(); err != nil {
				return fmt.Errorf("orchestrator: listening on socket: %w", err)
			}
			go func() {
				if err := app.Server.Serve(); err != nil {
					app.Logger.Error("socket server stopped", zap.Error(err))
				}
			}()
			if err := app.Monitor.Start(); err != nil {
				return fmt.Errorf("orchestrator: starting bus monitor: %w", err)
			}

			sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
			if err != nil {
				app.Logger.Warn("systemd readiness notification failed", zap.Error(err))
			} else if sent {
				app.Logger.Info("notified systemd readiness")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			app.Logger.Info("stopping mprisbridge daemon")

			app.Monitor.Stop()

			var combined error
			if err := app.Server.Shutdown(); err != nil {
				combined = multierr.Append(combined, fmt.Errorf("socket shutdown: %w", err))
			}
			if err := app.Config.Stop(); err != nil {
				combined = multierr.Append(combined, fmt.Errorf("config watcher stop: %w", err))
			}
			return combined
		},
	})
}
