package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/control"
	"github.com/frobware/go-pktcount/manager"
)

// SelftestCmd exercises the whole attach/count/detach path against a
// real interface using synthetic packets.
type SelftestCmd struct {
	Interface pktcount.InterfaceRef `arg:"" optional:"" help:"Interface name or index (default: lo)."`

	Packets uint32 `short:"n" help:"Number of synthetic packets to inject." default:"1000"`
	Mode    string `help:"Attach mode." default:"generic"`
	Backend string `help:"Attach backend: link or netlink."`
}

// Run executes the selftest command.
func (c *SelftestCmd) Run(cli *CLI) error {
	logger, err := cli.Logger()
	if err != nil {
		return err
	}

	ctx := context.Background()
	env, err := cli.newRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	iface := c.Interface
	if iface.IsZero() {
		iface = pktcount.InterfaceRef{Name: "lo"}
	}
	req, err := attachRequest(env.Config, iface, "", c.Mode, c.Backend, "")
	if err != nil {
		return err
	}
	return selftest(ctx, env.Manager, req, c.Packets, os.Stdout, logger)
}

// selftest attaches, injects n packets, checks the count and detaches.
// It then checks that reading after detach fails rather than returning
// a stale value.
func selftest(ctx context.Context, attacher control.Attacher, req manager.AttachRequest, n uint32, w io.Writer, logger *slog.Logger) (err error) {
	proc := control.New(attacher, req, control.WithLogger(logger))

	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("selftest: %w", err)
	}
	rec := proc.Status().Record
	fmt.Fprintf(w, "attached to %s (ifindex %d, mode %s, program %d)\n", rec.Interface, rec.Ifindex, rec.Mode, rec.ProgramID)
	defer func() {
		if stopErr := proc.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("selftest: detach: %w", stopErr))
		}
	}()

	before, err := proc.Read()
	if err != nil {
		return fmt.Errorf("selftest: %w", err)
	}
	if err := proc.Inject(ctx, n); err != nil {
		return fmt.Errorf("selftest: %w", err)
	}
	after, err := proc.Read()
	if err != nil {
		return fmt.Errorf("selftest: %w", err)
	}
	// Real traffic on the interface can only add to the count.
	if after-before < uint64(n) {
		return fmt.Errorf("selftest: injected %d packets but counter moved by %d", n, after-before)
	}
	fmt.Fprintf(w, "injected %d packets, counter %d -> %d\n", n, before, after)

	if err := proc.Stop(ctx); err != nil {
		return fmt.Errorf("selftest: detach: %w", err)
	}
	if _, err := proc.Read(); !errors.Is(err, control.ErrNotAttached) {
		return fmt.Errorf("selftest: read after detach returned %v, want not attached", err)
	}
	fmt.Fprintln(w, "detached; ok")
	return nil
}
