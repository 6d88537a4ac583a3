package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/roadrunner-server/endure/v2"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/pool"
	"github.com/roadrunner-server/pool/static_pool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/eventbus"
	"github.com/xkit-dev/xkit-runtime/internal/mcpclient"
	"github.com/xkit-dev/xkit-runtime/internal/pluginmanager"
	"github.com/xkit-dev/xkit-runtime/internal/transport"
)

// Config is the top-level configuration tree, per spec section 6:
// servers, plugin_roots, event_bus, mcp_client, logging.
type Config struct {
	PluginRoots []string           `mapstructure:"plugin_roots"`
	MCPClient   mcpclient.Config   `mapstructure:"mcp_client"`
	EventBus    eventbus.Config    `mapstructure:"event_bus"`
	Worker      *pool.Config       `mapstructure:"worker"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Servers     []ServerDescriptor `mapstructure:"servers"`
}

// LoggingConfig mirrors the teacher's logging subtree shape: a level
// name and an output mode.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Mode  string `mapstructure:"mode"`
}

// ServerDescriptor is the configuration-file shape of an MCP server
// registration; wireServerDescriptor turns each into an
// mcpclient.ServerDescriptor.
type ServerDescriptor struct {
	Name        string            `mapstructure:"name"`
	Transport   string            `mapstructure:"transport"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	URL         string            `mapstructure:"url"`
	AuthToken   string            `mapstructure:"auth_token"`
	Eager       bool              `mapstructure:"eager"`
	RestartName string            `mapstructure:"restart_policy"`
}

// Kernel is the hexagonal core from spec section 4.5: it holds ports,
// instantiates adapters from configuration, owns the command
// registry, and exposes dispatch to the CLI collaborator.
type Kernel struct {
	log        *zap.Logger
	loggerPort LoggerPort
	clock      ClockPort
	cfg        ConfigPort
	httpPort   HttpPort
	fs         FilesystemPort
	process    ProcessPort

	bus     *eventbus.Bus
	mcp     *mcpclient.Client
	plugins *pluginmanager.Manager

	locks *correlationLocks

	container   *endure.Endure
	vertexErrCh chan error
}

// WorkerPoolFactory builds the concrete worker pool ProcessPort wraps.
// Kernel.New takes this as a parameter, rather than calling
// static_pool.NewPool itself, because the teacher only ever reaches
// static_pool through its injected Server plugin's own NewPool method
// (plugin.go's `p.server.NewPool(...)`); this runtime has no
// equivalent server dependency to supply the worker command, so the
// embedder provides one when it has a pool configuration worth
// spawning.
type WorkerPoolFactory func(ctx context.Context, cfg *pool.Config, env map[string]string, log *zap.Logger) (*static_pool.Pool, error)

// New builds a Kernel wiring the event bus, MCP client, and plugin
// manager as endure vertices, per spec section 4.5 and section 9's
// "single process, several concurrently-running components sharing a
// dependency container" framing. workerFactory may be nil; it is only
// consulted when cfg.Worker configures a pool.
func New(cfg Config, v *viper.Viper, log *zap.Logger, workerFactory WorkerPoolFactory) (*Kernel, error) {
	const op = errors.Op("kernel_new")

	loggerPort := &loggerAdapter{base: log}
	httpPort := newHTTPPort()
	fs := osFilesystem{}

	bus := eventbus.New(cfg.EventBus, loggerPort.Named("event_bus"))
	mcpClient := mcpclient.New(cfg.MCPClient, loggerPort.Named("mcp_client"), bus)
	plugins := pluginmanager.New(cfg.PluginRoots, bus, &toolCallerAdapter{client: mcpClient}, newViperConfig(v), fs, &pluginHTTPPort{inner: httpPort}, loggerPort.Named("plugin_manager"))

	k := &Kernel{
		log:        log,
		loggerPort: loggerPort,
		clock:      systemClock{},
		cfg:        newViperConfig(v),
		httpPort:   httpPort,
		fs:         fs,
		bus:        bus,
		mcp:        mcpClient,
		plugins:    plugins,
		locks:      newCorrelationLocks(),
	}

	if cfg.Worker != nil && workerFactory != nil {
		process, err := NewWorkerPool(context.Background(), workerFactory, cfg.Worker, nil, loggerPort.Named("worker_pool"))
		if err != nil {
			return nil, errors.E(op, err)
		}
		k.process = process
	}

	for _, sd := range cfg.Servers {
		desc, err := wireServerDescriptor(sd)
		if err != nil {
			return nil, errors.E(op, err)
		}
		mcpClient.Register(desc)
	}

	container, err := endure.New(slog.LevelInfo, endure.GracefulShutdownTimeout(30*time.Second))
	if err != nil {
		return nil, errors.E(op, err)
	}
	for _, vertex := range []any{bus, mcpClient, plugins} {
		if err := container.Register(vertex); err != nil {
			return nil, errors.E(op, err)
		}
	}
	if err := container.Init(); err != nil {
		return nil, errors.E(op, err)
	}
	k.container = container

	return k, nil
}

// Process exposes the ProcessPort for callers that need to offload
// CPU-bound work onto the configured worker pool; nil unless New was
// given both a worker pool configuration and a WorkerPoolFactory.
func (k *Kernel) Process() ProcessPort { return k.process }

// HTTP exposes the HttpPort bound at startup for callers (diagnostic
// commands, the CLI collaborator) that need outbound HTTP without
// reaching for net/http directly.
func (k *Kernel) HTTP() HttpPort { return k.httpPort }

// Filesystem exposes the FilesystemPort bound at startup.
func (k *Kernel) Filesystem() FilesystemPort { return k.fs }

func wireServerDescriptor(sd ServerDescriptor) (mcpclient.ServerDescriptor, error) {
	const op = errors.Op("kernel_wire_server_descriptor")
	desc := mcpclient.ServerDescriptor{Name: sd.Name, Enabled: true, Eager: sd.Eager}
	switch sd.Transport {
	case "child_process":
		desc.Kind = mcpclient.TransportChildProcess
		desc.ChildProcess = transport.ChildProcessParams{
			Command: sd.Command,
			Args:    sd.Args,
			Env:     sd.Env,
			Restart: transport.RestartPolicy{Enabled: true},
		}
	case "http":
		desc.Kind = mcpclient.TransportHTTP
		desc.HTTP = transport.HTTPParams{
			BaseURL:     sd.URL,
			BearerToken: sd.AuthToken,
			Restart:     transport.RestartPolicy{Enabled: true},
		}
	default:
		return mcpclient.ServerDescriptor{}, errors.E(op, errors.Str("unknown transport kind in server descriptor: "+sd.Transport))
	}
	return desc, nil
}

// NewWorkerPool builds the ProcessPort adapter from configuration,
// per the teacher's Server.NewPool(ctx, cfg, env, logger) factory
// shape, generalized from "spawn one PHP worker pool" to "spawn the
// worker pool this Kernel's process-offload port uses."
func NewWorkerPool(ctx context.Context, factory func(ctx context.Context, cfg *pool.Config, env map[string]string, log *zap.Logger) (*static_pool.Pool, error), cfg *pool.Config, env map[string]string, log *zap.Logger) (ProcessPort, error) {
	const op = errors.Op("kernel_new_worker_pool")
	p, err := factory(ctx, cfg, env, log)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return newPoolProcessPort(p), nil
}

// Commands exposes the plugin manager's command registry to dispatch.
func (k *Kernel) Commands() *pluginmanager.Manager { return k.plugins }

// Bus exposes the event bus for callers (notably the CLI collaborator
// and diagnostic commands) that need to subscribe or replay directly.
func (k *Kernel) Bus() *eventbus.Bus { return k.bus }

// MCP exposes the MCP client for callers that need to call tools
// outside of a plugin command handler (e.g. a diagnostic REPL).
func (k *Kernel) MCP() *mcpclient.Client { return k.mcp }

// Dispatch is the single entry point consumed by the CLI collaborator,
// per spec section 4.5.
func (k *Kernel) Dispatch(ctx context.Context, command string, args []string) Result {
	return k.dispatch(ctx, command, args)
}

// Start brings up every registered vertex (connecting eager MCP
// servers, discovering and loading plugins, starting the event bus)
// and returns once that initial startup has completed, so commands
// dispatched immediately afterward see fully loaded plugin bindings.
func (k *Kernel) Start() error {
	const op = errors.Op("kernel_start")
	errCh, err := k.container.Serve()
	if err != nil {
		return errors.E(op, err)
	}
	k.vertexErrCh = make(chan error, 1)
	go func() {
		for e := range errCh {
			if e.Error != nil {
				k.vertexErrCh <- e.Error
				return
			}
		}
	}()
	return nil
}

// Serve blocks until ctx is cancelled or a vertex reports a fatal
// error, then stops every registered vertex.
func (k *Kernel) Serve(ctx context.Context) error {
	const op = errors.Op("kernel_serve")
	select {
	case <-ctx.Done():
		return k.Stop()
	case vertexErr := <-k.vertexErrCh:
		stopErr := k.Stop()
		if vertexErr != nil {
			return errors.E(op, vertexErr)
		}
		return stopErr
	}
}

// Stop gracefully shuts down every registered vertex.
func (k *Kernel) Stop() error {
	const op = errors.Op("kernel_stop")
	if err := k.container.Stop(); err != nil {
		return errors.E(op, err)
	}
	return nil
}
