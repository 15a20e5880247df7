package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/frobware/go-pktcount/manager"
)

// GCCmd reclaims attachments and pins left behind by processes that
// exited without detaching.
type GCCmd struct {
	Prune     bool `help:"Actually delete (default: dry-run)."`
	NoOrphans bool `name:"no-orphans" help:"Leave pin directories with no attachment record alone."`
}

// Run executes the gc command.
func (c *GCCmd) Run(cli *CLI) error {
	if cli.Kernel == "sim" {
		return fmt.Errorf("gc reclaims kernel state and is not available with --kernel=sim")
	}
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

	cfg := manager.DefaultGCConfig()
	cfg.DryRun = !c.Prune
	cfg.IncludeOrphanPins = !c.NoOrphans

	result, err := env.Manager.GC(ctx, cfg)
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	formatGCResult(os.Stdout, result, cfg.DryRun)
	if result.Failed > 0 {
		return fmt.Errorf("gc: %d item(s) could not be reclaimed", result.Failed)
	}
	return nil
}

func formatGCResult(w io.Writer, result manager.GCResult, dryRun bool) {
	if len(result.Items) == 0 {
		fmt.Fprintln(w, "Nothing to clean up.")
		return
	}

	for _, r := range result.Items {
		item := r.Item
		switch item.Reason {
		case manager.GCDeadOwner:
			fmt.Fprintf(w, "%s  id=%s  interface=%s  backend=%s  owner=%d  age=%s\n",
				item.Reason, item.Record.ID, item.Record.Interface, item.Record.Backend,
				item.Record.OwnerPID, item.Age.Truncate(time.Second))
		default:
			fmt.Fprintf(w, "%s  path=%s  age=%s\n", item.Reason, item.PinPath, item.Age.Truncate(time.Second))
		}
		if r.Error != nil {
			fmt.Fprintf(w, "  error: %v\n", r.Error)
		}
	}
	fmt.Fprintln(w)

	if dryRun {
		fmt.Fprintf(w, "Dry run: %d item(s) would be reclaimed. Use --prune to delete.\n", len(result.Items))
		return
	}
	fmt.Fprintf(w, "Reclaimed %d of %d item(s), %d failed.\n", result.Deleted, result.Attempted, result.Failed)
}
