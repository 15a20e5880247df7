// Package ebpf provides kernel operations using cilium/ebpf and
// vishvananda/netlink.
package ebpf

import (
	"log/slog"
	"sync"

	"github.com/cilium/ebpf/rlimit"

	"github.com/frobware/go-pktcount/interpreter"
)

// kernelAdapter implements interpreter.KernelOperations against the
// running kernel.
type kernelAdapter struct {
	logger *slog.Logger

	memlock     func() error
	memlockOnce sync.Once
	memlockErr  error
}

// Option configures a kernelAdapter.
type Option func(*kernelAdapter)

// WithLogger sets the logger for kernel operations.
func WithLogger(logger *slog.Logger) Option {
	return func(k *kernelAdapter) {
		k.logger = logger
	}
}

// New creates a new kernel adapter.
func New(opts ...Option) interpreter.KernelOperations {
	k := &kernelAdapter{
		logger:  slog.Default(),
		memlock: rlimit.RemoveMemlock,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With("component", "kernel")
	return k
}

// removeMemlock lifts RLIMIT_MEMLOCK once per process. Kernels that
// account BPF memory against memcg (5.11+) do not need it; on older
// kernels map creation fails with EPERM without it.
func (k *kernelAdapter) removeMemlock() error {
	k.memlockOnce.Do(func() {
		k.memlockErr = k.memlock()
		if k.memlockErr != nil {
			k.logger.Warn("could not remove memlock rlimit; map creation may fail on kernels before 5.11", "error", k.memlockErr)
		}
	})
	return k.memlockErr
}
