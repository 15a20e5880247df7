// Command pktcount counts packets arriving on a network interface with
// an XDP program.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/frobware/go-pktcount/cmd/pktcount/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
