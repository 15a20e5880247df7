// Package interpreter defines the boundary between the attachment
// manager and the systems it drives: the kernel (or a simulation of
// it) and the attachment record store.
package interpreter

import (
	"context"
	"io"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/counterstore"
)

// Program is a counter program loaded into the kernel together with
// its counter map. Close releases the program fd and the store; the
// kernel frees both once no link references the program.
type Program interface {
	ID() uint32
	MapID() uint32
	Store() *counterstore.Store
	Close() error
}

// Link binds a Program to the receive hook of one interface. Close
// detaches the program from the interface.
type Link interface {
	ID() uint32
	Close() error
}

// AttachOptions selects how AttachXDP binds the program.
type AttachOptions struct {
	Mode    pktcount.AttachMode
	Backend pktcount.Backend
	// Netns is the network namespace path the interface lives in.
	// Empty means the caller's namespace.
	Netns string
}

// InterfaceResolver resolves interface identifiers.
type InterfaceResolver interface {
	// ResolveInterface looks up ref inside the namespace at netns. An
	// unknown interface is reported as a *pktcount.AttachError wrapping
	// pktcount.ErrInterfaceNotFound.
	ResolveInterface(ctx context.Context, ref pktcount.InterfaceRef, netns string) (pktcount.Interface, error)
}

// ProgramLoader loads counter programs.
type ProgramLoader interface {
	// Load verifies and loads img. Rejections are reported as
	// *pktcount.LoadError or *pktcount.PermissionError.
	Load(ctx context.Context, img pktcount.Image) (Program, error)
}

// XDPAttacher binds and unbinds programs on interfaces.
type XDPAttacher interface {
	// AttachXDP attaches prog to iface. Failures are reported as
	// *pktcount.AttachError or *pktcount.PermissionError.
	AttachXDP(ctx context.Context, prog Program, iface pktcount.Interface, opts AttachOptions) (Link, error)

	// DetachXDP removes the XDP program with id progID from the
	// interface at ifindex, provided it is still the one attached. It
	// is used to reclaim netlink attachments whose owner died.
	DetachXDP(ctx context.Context, ifindex int, netns string, progID uint32) error
}

// MapPinner pins counter maps on bpffs so other processes can read
// them.
type MapPinner interface {
	PinMap(ctx context.Context, prog Program, path string) error
	UnpinMap(path string) error
}

// PacketInjector runs a loaded program against synthetic frames.
type PacketInjector interface {
	// Inject runs prog n times and fails unless every run passed the
	// frame.
	Inject(ctx context.Context, prog Program, n uint32) error
}

// KernelOperations is everything the manager needs from the kernel.
type KernelOperations interface {
	InterfaceResolver
	ProgramLoader
	XDPAttacher
	MapPinner
	PacketInjector
}

// AttachmentStore persists attachment records.
type AttachmentStore interface {
	io.Closer

	// SaveAttachment inserts or replaces the record with rec.ID.
	SaveAttachment(ctx context.Context, rec pktcount.AttachmentRecord) error

	// GetAttachment returns store.ErrNotFound if no record has id.
	GetAttachment(ctx context.Context, id string) (pktcount.AttachmentRecord, error)

	// DeleteAttachment removes the record with id. Deleting a missing
	// record is not an error.
	DeleteAttachment(ctx context.Context, id string) error

	// ListAttachments returns all records ordered by creation time.
	ListAttachments(ctx context.Context) ([]pktcount.AttachmentRecord, error)
}
