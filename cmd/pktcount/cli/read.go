package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/frobware/go-pktcount/client"
	"github.com/frobware/go-pktcount/interpreter/ebpf"
)

// ReadCmd prints the current packet count, either from the daemon or
// straight from a pinned counter map.
type ReadCmd struct {
	OutputFlags

	Pin string `help:"Read a pinned counter map directly instead of asking the daemon."`
}

// Run executes the read command.
func (c *ReadCmd) Run(cli *CLI) error {
	var (
		count uint64
		err   error
	)
	if c.Pin != "" {
		count, err = readPinned(c.Pin)
	} else {
		count, err = readRemote(cli)
	}
	if err != nil {
		return err
	}
	return c.print(os.Stdout, count)
}

func (c *ReadCmd) print(w io.Writer, count uint64) error {
	if c.JSON() {
		return writeJSON(w, struct {
			Count uint64 `json:"count"`
		}{count})
	}
	_, err := fmt.Fprintln(w, count)
	return err
}

func readPinned(path string) (uint64, error) {
	store, err := ebpf.OpenPinnedCounter(path)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.Value()
}

func readRemote(cli *CLI) (uint64, error) {
	c, err := cli.Client()
	if err != nil {
		return 0, err
	}
	defer c.Close()

	count, err := c.Read(context.Background())
	if errors.Is(err, client.ErrNotAttached) {
		return 0, fmt.Errorf("daemon is running but not attached: %w", err)
	}
	return count, err
}
