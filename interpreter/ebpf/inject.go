package ebpf

import (
	"context"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/program"
)

// testFrame is a minimal Ethernet frame: broadcast destination, zero
// source, IPv4 ethertype, zero payload. BPF_PROG_TEST_RUN rejects XDP
// input shorter than an Ethernet header.
var testFrame = func() []byte {
	f := make([]byte, 64)
	copy(f[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	f[12], f[13] = 0x08, 0x00
	return f
}()

// Inject runs the program n times against a synthetic frame using
// BPF_PROG_TEST_RUN. Each run increments the counter exactly as a
// received packet would.
func (k *kernelAdapter) Inject(ctx context.Context, prog interpreter.Program, n uint32) error {
	p, ok := prog.(*kernelProgram)
	if !ok {
		return fmt.Errorf("program %T was not loaded by the kernel adapter", prog)
	}
	if n == 0 {
		return nil
	}

	ret, err := p.prog.Run(&ebpf.RunOptions{
		Data:   testFrame,
		Repeat: n,
	})
	if err != nil {
		if isPermission(err) {
			return &pktcount.PermissionError{Op: "test run program " + p.name, Err: err}
		}
		return fmt.Errorf("test run program %d: %w", p.id, err)
	}
	if ret != program.XDPPass {
		return fmt.Errorf("program %d returned %d, want XDP_PASS", p.id, ret)
	}
	return nil
}
