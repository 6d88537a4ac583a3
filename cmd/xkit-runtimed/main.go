// Command xkit-runtimed is the thin composition root the CLI
// collaborator (the actual `xkit` front end, outside this module's
// scope) talks to: it loads configuration, wires the kernel, and
// dispatches one command before exiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/config"
	"github.com/xkit-dev/xkit-runtime/internal/kernel"
	"github.com/xkit-dev/xkit-runtime/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the runtime configuration file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables it)")
	command := flag.String("command", "", "command to dispatch")
	flag.Parse()

	if *command == "" {
		fmt.Fprintln(os.Stderr, "xkit-runtimed: -command is required")
		return 2
	}

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xkit-runtimed: loading config: %v\n", err)
		return 70
	}

	log, err := newLogger(cfg.Logging.Level, cfg.Logging.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xkit-runtimed: building logger: %v\n", err)
		return 70
	}
	defer log.Sync() //nolint:errcheck

	// No WorkerPoolFactory is supplied: spawning the actual worker
	// pool needs a command-spawning collaborator this standalone
	// runtime doesn't have (see kernel.WorkerPoolFactory's doc
	// comment). A deployment that configures `worker:` and wants
	// ProcessPort live should pass its own factory here.
	k, err := kernel.New(cfg, v, log, nil)
	if err != nil {
		log.Error("kernel construction failed", zap.Error(err))
		return 70
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, k, log)
	}

	if err := k.Start(); err != nil {
		log.Error("kernel startup failed", zap.Error(err))
		return 70
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- k.Serve(ctx) }()

	result := k.Dispatch(ctx, *command, flag.Args())
	printResult(result)

	cancel()
	if err := <-serveErrCh; err != nil {
		log.Error("kernel shutdown reported an error", zap.Error(err))
	}

	return result.ExitCode()
}

func newLogger(level, mode string) (*zap.Logger, error) {
	var zapCfg zap.Config
	if mode == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	atomicLevel, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	zapCfg.Level = atomicLevel
	return zapCfg.Build()
}

func serveMetrics(addr string, k *kernel.Kernel, log *zap.Logger) {
	reg := metrics.New()
	reg.Register(collectorsOf(k.Bus().MetricsCollector())...)
	reg.Register(collectorsOf(k.MCP().MetricsCollector())...)

	srv := &http.Server{Addr: addr, Handler: reg.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func collectorsOf(raw []interface{}) []prometheus.Collector {
	out := make([]prometheus.Collector, 0, len(raw))
	for _, r := range raw {
		if c, ok := r.(prometheus.Collector); ok {
			out = append(out, c)
		}
	}
	return out
}

func printResult(r kernel.Result) {
	switch r.Kind {
	case kernel.KindOK:
		fmt.Printf("%v\n", r.Payload)
	case kernel.KindUserError:
		fmt.Fprintf(os.Stderr, "error: %s\n", r.Message)
	case kernel.KindUnknownCommand:
		fmt.Fprintf(os.Stderr, "unknown command; did you mean: %s\n", strings.Join(r.Suggestions, ", "))
	case kernel.KindSystemError:
		fmt.Fprintf(os.Stderr, "internal error: %s\n", r.Message)
	}
}
