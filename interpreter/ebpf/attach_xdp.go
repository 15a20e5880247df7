package ebpf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/netns"
)

// linkFlags maps an attach mode onto bpf_link XDP flags. Zero lets the
// kernel choose driver mode when available.
func linkFlags(mode pktcount.AttachMode) link.XDPAttachFlags {
	switch mode {
	case pktcount.AttachModeGeneric:
		return link.XDPGenericMode
	case pktcount.AttachModeDriver:
		return link.XDPDriverMode
	case pktcount.AttachModeOffload:
		return link.XDPOffloadMode
	default:
		return 0
	}
}

// netlinkFlags maps an attach mode onto IFLA_XDP flags. The
// UPDATE_IF_NOEXIST bit makes the kernel refuse to replace a program
// that is already attached.
func netlinkFlags(mode pktcount.AttachMode) int {
	flags := unix.XDP_FLAGS_UPDATE_IF_NOEXIST
	switch mode {
	case pktcount.AttachModeGeneric:
		flags |= unix.XDP_FLAGS_SKB_MODE
	case pktcount.AttachModeDriver:
		flags |= unix.XDP_FLAGS_DRV_MODE
	case pktcount.AttachModeOffload:
		flags |= unix.XDP_FLAGS_HW_MODE
	}
	return flags
}

// AttachXDP attaches a loaded counter program to an interface, inside
// opts.Netns when set.
func (k *kernelAdapter) AttachXDP(ctx context.Context, prog interpreter.Program, iface pktcount.Interface, opts interpreter.AttachOptions) (interpreter.Link, error) {
	p, ok := prog.(*kernelProgram)
	if !ok {
		return nil, fmt.Errorf("program %T was not loaded by the kernel adapter", prog)
	}

	if opts.Netns != "" {
		k.logger.Debug("entering network namespace for XDP attachment", "netns", opts.Netns, "ifindex", iface.Index)
	}

	var lnk interpreter.Link
	err := netns.Run(opts.Netns, func() error {
		var err error
		switch opts.Backend {
		case pktcount.BackendNetlink:
			lnk, err = k.attachNetlink(p, iface, opts)
		default:
			lnk, err = k.attachLink(p, iface, opts.Mode)
		}
		return err
	})
	if err != nil {
		var attachErr *pktcount.AttachError
		var permErr *pktcount.PermissionError
		if errors.As(err, &attachErr) || errors.As(err, &permErr) {
			return nil, err
		}
		return nil, classifyAttach(iface, err)
	}

	k.logger.Debug("attached XDP", "interface", iface.Name, "ifindex", iface.Index,
		"program_id", p.id, "link_id", lnk.ID(), "mode", opts.Mode, "backend", opts.Backend)
	return lnk, nil
}

func (k *kernelAdapter) attachLink(p *kernelProgram, iface pktcount.Interface, mode pktcount.AttachMode) (interpreter.Link, error) {
	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   p.prog,
		Interface: iface.Index,
		Flags:     linkFlags(mode),
	})
	if err != nil {
		return nil, classifyAttach(iface, fmt.Errorf("attach XDP to ifindex %d: %w", iface.Index, err))
	}

	info, err := lnk.Info()
	if err != nil {
		lnk.Close()
		return nil, fmt.Errorf("get link info: %w", err)
	}

	return &xdpLink{lnk: lnk, id: uint32(info.ID)}, nil
}

func (k *kernelAdapter) attachNetlink(p *kernelProgram, iface pktcount.Interface, opts interpreter.AttachOptions) (interpreter.Link, error) {
	nl, err := netlink.LinkByIndex(iface.Index)
	if err != nil {
		return nil, classifyAttach(iface, fmt.Errorf("lookup ifindex %d: %w", iface.Index, err))
	}

	flags := netlinkFlags(opts.Mode)
	if err := netlink.LinkSetXdpFdWithFlags(nl, p.prog.FD(), flags); err != nil {
		return nil, classifyAttach(iface, fmt.Errorf("set XDP fd on ifindex %d: %w", iface.Index, err))
	}

	return &netlinkLink{
		kernel:  k,
		ifindex: iface.Index,
		netns:   opts.Netns,
		progID:  p.id,
	}, nil
}

// xdpLink is a bpf_link based attachment. Closing the last fd detaches
// the program.
type xdpLink struct {
	lnk  link.Link
	id   uint32
	once sync.Once
	err  error
}

func (l *xdpLink) ID() uint32 { return l.id }

func (l *xdpLink) Close() error {
	l.once.Do(func() {
		l.err = l.lnk.Close()
	})
	return l.err
}

// netlinkLink is a legacy IFLA_XDP attachment. It has no kernel link
// object; the id reported is the program id.
type netlinkLink struct {
	kernel  *kernelAdapter
	ifindex int
	netns   string
	progID  uint32
	once    sync.Once
	err     error
}

func (l *netlinkLink) ID() uint32 { return l.progID }

func (l *netlinkLink) Close() error {
	l.once.Do(func() {
		l.err = l.kernel.DetachXDP(context.Background(), l.ifindex, l.netns, l.progID)
	})
	return l.err
}

// DetachXDP clears the XDP program on ifindex if, and only if, it is
// still progID. An interface that has gone away is treated as already
// detached.
func (k *kernelAdapter) DetachXDP(ctx context.Context, ifindex int, netnsPath string, progID uint32) error {
	return netns.Run(netnsPath, func() error {
		nl, err := netlink.LinkByIndex(ifindex)
		if err != nil {
			var notFound netlink.LinkNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, unix.ENODEV) {
				return nil
			}
			return fmt.Errorf("lookup ifindex %d: %w", ifindex, err)
		}

		xdp := nl.Attrs().Xdp
		if xdp == nil || !xdp.Attached || xdp.ProgId != progID {
			k.logger.Debug("XDP program no longer attached, nothing to detach", "ifindex", ifindex, "program_id", progID)
			return nil
		}

		flags := 0
		switch xdp.AttachMode {
		case nlXDPAttachedSKB:
			flags = unix.XDP_FLAGS_SKB_MODE
		case nlXDPAttachedDrv:
			flags = unix.XDP_FLAGS_DRV_MODE
		case nlXDPAttachedHW:
			flags = unix.XDP_FLAGS_HW_MODE
		}
		if err := netlink.LinkSetXdpFdWithFlags(nl, -1, flags); err != nil {
			if isPermission(err) {
				return &pktcount.PermissionError{Op: fmt.Sprintf("detach XDP from ifindex %d", ifindex), Err: err}
			}
			return fmt.Errorf("clear XDP on ifindex %d: %w", ifindex, err)
		}
		k.logger.Debug("detached XDP", "ifindex", ifindex, "program_id", progID)
		return nil
	})
}

// XDP_ATTACHED_* values reported in IFLA_XDP_ATTACHED.
const (
	nlXDPAttachedDrv = 1
	nlXDPAttachedSKB = 2
	nlXDPAttachedHW  = 3
)
