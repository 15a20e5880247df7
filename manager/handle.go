package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/counterstore"
	"github.com/frobware/go-pktcount/interpreter"
)

// ErrDetached is returned by Handle operations that need the program
// once the handle has been detached.
var ErrDetached = errors.New("attachment has been detached")

// Handle is one live attachment. It owns the loaded program, the link
// binding it to the interface, and the counter store.
//
// A Handle is safe for concurrent use. Reads after Detach fail with a
// *pktcount.ReadError.
type Handle struct {
	mgr    *Manager
	key    ifaceKey
	iface  pktcount.Interface
	record pktcount.AttachmentRecord
	prog   interpreter.Program
	link   interpreter.Link

	mu       sync.Mutex
	detached bool
}

// ID returns the attachment id.
func (h *Handle) ID() string { return h.record.ID }

// Interface returns the interface the program is attached to.
func (h *Handle) Interface() pktcount.Interface { return h.iface }

// Mode returns the requested attach mode.
func (h *Handle) Mode() pktcount.AttachMode { return h.record.Mode }

// Record returns the persisted attachment record.
func (h *Handle) Record() pktcount.AttachmentRecord { return h.record }

// Store returns the counter store of the attachment.
func (h *Handle) Store() *counterstore.Store { return h.prog.Store() }

// Read returns the current packet count.
func (h *Handle) Read() (uint64, error) {
	return h.prog.Store().Value()
}

// Reset zeroes the counter.
func (h *Handle) Reset() error {
	return h.prog.Store().Reset()
}

// Detached reports whether the handle has been torn down.
func (h *Handle) Detached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detached
}

// Inject runs the attached program against n synthetic frames, which
// advances the counter by n without real traffic.
func (h *Handle) Inject(ctx context.Context, n uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return ErrDetached
	}
	return h.mgr.kernel.Inject(ctx, h.prog, n)
}
