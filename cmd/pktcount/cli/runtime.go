package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/config"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/interpreter/ebpf"
	"github.com/frobware/go-pktcount/interpreter/sim"
	"github.com/frobware/go-pktcount/interpreter/store/sqlite"
	"github.com/frobware/go-pktcount/manager"
)

// runtimeEnv bundles the components a local command needs: the
// attachment manager and whatever backs it.
type runtimeEnv struct {
	Config  config.Config
	Dirs    config.RuntimeDirs
	Store   interpreter.AttachmentStore
	Kernel  interpreter.KernelOperations
	Sim     *sim.Kernel
	Manager *manager.Manager

	cleanup func() error
}

// Close detaches everything the manager still holds and closes the
// store.
func (r *runtimeEnv) Close(ctx context.Context) error {
	err := errors.Join(r.Manager.Close(ctx), r.Store.Close())
	if r.cleanup != nil {
		err = errors.Join(err, r.cleanup())
	}
	return err
}

// newRuntime builds a manager against the kernel backend chosen with
// --kernel. The sim backend uses an in-memory store so that it never
// touches records written by real attachments, and a scratch runtime
// directory unless --runtime-dir was given.
func (c *CLI) newRuntime(ctx context.Context, logger *slog.Logger) (*runtimeEnv, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	var cleanup func() error
	base := c.RuntimeDir
	if c.Kernel == "sim" && base == config.DefaultRuntimeBase {
		base, err = os.MkdirTemp("", "pktcount-sim")
		if err != nil {
			return nil, err
		}
		cleanup = func() error {
			return errors.Join(os.RemoveAll(base), os.RemoveAll(base+"-sock"))
		}
	}
	dirs, err := config.NewRuntimeDirs(base)
	if err != nil {
		return nil, err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create runtime directories: %w", err)
	}
	policy, err := pktcount.ParseAttachPolicy(cfg.Attach.Policy)
	if err != nil {
		return nil, err
	}

	env := &runtimeEnv{Config: cfg, Dirs: dirs, cleanup: cleanup}
	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithPolicy(policy),
		manager.WithMapPinning(cfg.Attach.PinMap),
	}

	switch c.Kernel {
	case "sim":
		env.Sim = sim.New(sim.WithLogger(logger), sim.WithInterfaces("lo", "eth0"))
		env.Kernel = env.Sim
		env.Store, err = sqlite.NewInMemory(ctx, logger)
		if err != nil {
			return nil, err
		}
		// Pins live in the sim's memory, not on a real bpffs.
		opts = append(opts, manager.WithFSCheck(func() error { return nil }))
	default:
		env.Kernel = ebpf.New(ebpf.WithLogger(logger))
		env.Store, err = sqlite.New(ctx, dirs.DBPath(), logger)
		if err != nil {
			return nil, err
		}
	}

	env.Manager = manager.New(dirs, env.Store, env.Kernel, opts...)
	return env, nil
}

// attachRequest builds an AttachRequest from command flags, falling
// back to the config file for anything left unset.
func attachRequest(cfg config.Config, iface pktcount.InterfaceRef, netns, mode, backend, object string) (manager.AttachRequest, error) {
	if mode == "" {
		mode = cfg.Attach.Mode
	}
	if backend == "" {
		backend = cfg.Attach.Backend
	}
	if object == "" {
		object = cfg.Attach.Object
	}

	m, err := pktcount.ParseAttachMode(mode)
	if err != nil {
		return manager.AttachRequest{}, err
	}
	b, err := pktcount.ParseBackend(backend)
	if err != nil {
		return manager.AttachRequest{}, err
	}

	var img pktcount.Image
	if object != "" {
		data, err := os.ReadFile(object)
		if err != nil {
			return manager.AttachRequest{}, fmt.Errorf("failed to read program object: %w", err)
		}
		img = pktcount.Image{Object: data, Source: object}
	}

	return manager.AttachRequest{
		Interface: iface,
		Netns:     netns,
		Image:     img,
		Mode:      m,
		Backend:   b,
	}, nil
}
