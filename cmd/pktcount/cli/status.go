package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/frobware/go-pktcount"
)

// ResetCmd zeroes the daemon's counter.
type ResetCmd struct{}

// Run executes the reset command.
func (c *ResetCmd) Run(cli *CLI) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.Reset(context.Background()); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// StatusCmd shows the daemon's lifecycle state and attachment.
type StatusCmd struct {
	OutputFlags
}

// Run executes the status command.
func (c *StatusCmd) Run(cli *CLI) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	st, err := cl.Status(context.Background())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if c.JSON() {
		return writeJSON(os.Stdout, st)
	}
	return formatStatusTable(os.Stdout, st)
}

func formatStatusTable(out io.Writer, st pktcount.Status) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "state:\t%s\n", st.StateName)
	if st.Record.ID != "" {
		r := st.Record
		fmt.Fprintf(w, "interface:\t%s (ifindex %d)\n", r.Interface, r.Ifindex)
		if r.Netns != "" {
			fmt.Fprintf(w, "netns:\t%s\n", r.Netns)
		}
		fmt.Fprintf(w, "mode:\t%s\n", r.Mode)
		fmt.Fprintf(w, "backend:\t%s\n", r.Backend)
		fmt.Fprintf(w, "program id:\t%d\n", r.ProgramID)
		fmt.Fprintf(w, "map id:\t%d\n", r.MapID)
		if r.MapPin != "" {
			fmt.Fprintf(w, "map pin:\t%s\n", r.MapPin)
		}
		fmt.Fprintf(w, "attachment:\t%s\n", r.ID)
	}
	fmt.Fprintf(w, "count:\t%d\n", st.Count)
	if !st.LastRead.IsZero() {
		fmt.Fprintf(w, "last read:\t%s\n", st.LastRead.Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "last error:\t%s\n", st.LastError)
	}
	return w.Flush()
}
