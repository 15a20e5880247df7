package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/control"
	"github.com/frobware/go-pktcount/logging"
	"github.com/frobware/go-pktcount/manager"
	"github.com/frobware/go-pktcount/metrics"
	"github.com/frobware/go-pktcount/server"
)

// RunCmd attaches the counter and serves it until interrupted.
type RunCmd struct {
	Interface pktcount.InterfaceRef `arg:"" help:"Interface name or index."`

	Netns    string        `help:"Network namespace path (e.g., /proc/<pid>/ns/net)."`
	Object   string        `help:"ELF object to load instead of the built-in program."`
	Mode     string        `help:"Attach mode: auto, generic, driver or offload."`
	Backend  string        `help:"Attach backend: link or netlink."`
	Interval time.Duration `help:"Read interval (default from config)."`
	Socket   string        `help:"gRPC unix socket path (default under --runtime-dir)."`
	HTTP     string        `name:"http" help:"HTTP listen address; empty keeps the config value, 'off' disables."`
	NoGC     bool          `name:"no-gc" help:"Skip garbage collection at startup."`
	SimRate  int           `name:"sim-rate" help:"Packets per second delivered to the interface with --kernel=sim." default:"0"`
}

// Run executes the run command.
func (c *RunCmd) Run(cli *CLI) error {
	logger, ctl, err := cli.DaemonLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := cli.newRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(context.Background()); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	// The sim store starts empty, so GC would take every pin directory
	// for an orphan.
	if !c.NoGC && env.Sim == nil {
		result, err := env.Manager.GC(ctx, manager.DefaultGCConfig())
		if err != nil {
			return fmt.Errorf("startup gc: %w", err)
		}
		if result.Attempted > 0 {
			logger.Info("reclaimed stale state", "deleted", result.Deleted, "failed", result.Failed)
		}
	}

	req, err := attachRequest(env.Config, c.Interface, c.Netns, c.Mode, c.Backend, c.Object)
	if err != nil {
		return err
	}

	interval := c.Interval
	if interval == 0 {
		interval = env.Config.Control.Interval.Duration
	}

	var collector *metrics.Collector
	proc := control.New(env.Manager, req,
		control.WithLogger(logger),
		control.WithInterval(interval),
		control.WithRetries(env.Config.Control.AttachRetries, env.Config.Control.RetryBackoff.Duration),
		control.WithAttachObserver(func(err error) { collector.ObserveAttach(err) }),
		control.WithReporter(control.MultiReporter{
			control.NewLogReporter(logger),
			control.ReporterFunc(func(_ context.Context, s control.Sample) {
				if s.Err != nil {
					collector.ObserveReadError(s.Err)
				}
			}),
		}),
	)
	collector = metrics.NewCollector(proc, c.Interface.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := proc.Start(ctx); err != nil {
		return err
	}

	go reloadOnHangup(ctx, cli, ctl, logger)
	if env.Sim != nil && c.SimRate > 0 {
		go simulateTraffic(ctx, env, proc, c.SimRate, logger)
	}

	socket := c.Socket
	if socket == "" {
		socket = env.Config.Server.GRPCSocket
	}
	if socket == "" {
		socket = env.Dirs.SocketPath()
	}
	httpAddr := c.HTTP
	switch httpAddr {
	case "":
		httpAddr = env.Config.Server.HTTPAddress
	case "off":
		httpAddr = ""
	}

	srv := server.New(proc, server.WithLogger(logger), server.WithGatherer(reg))
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, socket, httpAddr) }()

	runErr := proc.Run(ctx)
	stop()
	if err := <-serveErr; err != nil {
		logger.Error("server error", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// reloadOnHangup re-reads the log spec from the config file on SIGHUP.
// Flags and the environment still take precedence.
func reloadOnHangup(ctx context.Context, cli *CLI, ctl *logging.Controller, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := cli.LoadConfig()
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			continue
		}
		opts := logging.Options{
			CLISpec:     cli.Log,
			EnvSpec:     os.Getenv(logging.EnvVar),
			ConfigSpec:  cfg.Logging.ToSpec(),
			DefaultSpec: "info",
		}
		spec, err := logging.ParseSpec(opts.ResolveSpec())
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			continue
		}
		ctl.Set(spec)
		logger.Info("log spec reloaded", "spec", spec.String())
	}
}

// simulateTraffic feeds the sim kernel a steady packet rate and asks
// the control process for a report after each burst.
func simulateTraffic(ctx context.Context, env *runtimeEnv, proc *control.Process, rate int, logger *slog.Logger) {
	name := proc.Status().Record.Interface
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := env.Sim.Deliver(ctx, name, rate); err != nil {
			logger.Warn("simulated delivery failed", "error", err)
			return
		}
		proc.Trigger()
	}
}
