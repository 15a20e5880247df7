// Package cli provides the Kong-based command-line interface for
// pktcount.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/client"
	"github.com/frobware/go-pktcount/config"
	"github.com/frobware/go-pktcount/logging"
)

// CLI is the root command structure for pktcount.
type CLI struct {
	RuntimeDir string `name:"runtime-dir" help:"Runtime state directory." default:"${default_runtime_dir}"`
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,manager=debug'). Overrides ${log_env}."`
	Kernel     string `name:"kernel" help:"Kernel backend: ebpf, or sim for an in-process simulation." enum:"ebpf,sim" default:"ebpf"`
	Remote     string `name:"remote" short:"r" help:"Daemon endpoint (unix socket path, unix:///path or host:port)."`

	Run      RunCmd      `cmd:"" help:"Attach the counter and serve reads until interrupted."`
	Read     ReadCmd     `cmd:"" help:"Print the current packet count."`
	Reset    ResetCmd    `cmd:"" help:"Zero the daemon's counter."`
	Status   StatusCmd   `cmd:"" help:"Show the daemon's state and attachment."`
	GC       GCCmd       `cmd:"" help:"Reclaim attachments left behind by dead processes."`
	Selftest SelftestCmd `cmd:"" help:"Attach, inject synthetic packets, verify the count, and detach."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("pktcount"),
		kong.Description("XDP packet counter."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(pktcount.InterfaceRef{}), interfaceRefMapper()),
		kong.Vars{
			"default_runtime_dir": config.DefaultRuntimeBase,
			"default_config_path": config.DefaultConfigPath,
			"log_env":             logging.EnvVar,
		},
	}
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// RuntimeDirs returns the runtime layout rooted at --runtime-dir.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	return config.NewRuntimeDirs(c.RuntimeDir)
}

// Logger creates a logger for one-shot commands: stderr, warn unless
// --log or the environment says otherwise.
func (c *CLI) Logger() (*slog.Logger, error) {
	logger, _, err := c.newLogger(os.Stderr, "warn")
	return logger, err
}

// DaemonLogger creates the logger for run: stdout, info by default,
// with a Controller so the level can be changed on SIGHUP.
func (c *CLI) DaemonLogger() (*slog.Logger, *logging.Controller, error) {
	return c.newLogger(os.Stdout, "info")
}

func (c *CLI) newLogger(out io.Writer, defaultSpec string) (*slog.Logger, *logging.Controller, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewControlled(logging.Options{
		CLISpec:     c.Log,
		EnvSpec:     os.Getenv(logging.EnvVar),
		ConfigSpec:  cfg.Logging.ToSpec(),
		DefaultSpec: defaultSpec,
		Format:      format,
		Output:      out,
	})
}

// Client connects to the daemon named by --remote, or to the socket
// under --runtime-dir.
func (c *CLI) Client() (*client.Client, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}

	address := c.Remote
	if address == "" {
		cfg, err := c.LoadConfig()
		if err != nil {
			return nil, err
		}
		address = cfg.Server.GRPCSocket
	}
	if address == "" {
		dirs, err := c.RuntimeDirs()
		if err != nil {
			return nil, err
		}
		address = dirs.SocketPath()
	}

	cl, err := client.Dial(address, client.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return cl, nil
}
