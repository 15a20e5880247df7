package ebpf

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/netns"
)

// ResolveInterface looks up an interface by name or index inside the
// namespace at netnsPath and reports which XDP program, if any, it
// currently carries.
func (k *kernelAdapter) ResolveInterface(ctx context.Context, ref pktcount.InterfaceRef, netnsPath string) (pktcount.Interface, error) {
	if ref.IsZero() {
		return pktcount.Interface{}, &pktcount.AttachError{Interface: ref.String(), Err: errors.New("no interface given")}
	}

	var out pktcount.Interface
	err := netns.Run(netnsPath, func() error {
		var (
			nl  netlink.Link
			err error
		)
		if ref.Name != "" {
			nl, err = netlink.LinkByName(ref.Name)
		} else {
			nl, err = netlink.LinkByIndex(ref.Index)
		}
		if err != nil {
			return err
		}

		attrs := nl.Attrs()
		out = pktcount.Interface{Name: attrs.Name, Index: attrs.Index}
		if attrs.Xdp != nil && attrs.Xdp.Attached {
			out.XDPProgramID = attrs.Xdp.ProgId
		}
		return nil
	})
	if err != nil {
		var notFound netlink.LinkNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, unix.ENODEV):
			return pktcount.Interface{}, &pktcount.AttachError{
				Interface: ref.String(),
				Err:       pktcount.ErrInterfaceNotFound{Interface: ref.String()},
			}
		case isPermission(err):
			return pktcount.Interface{}, &pktcount.PermissionError{Op: "resolve interface " + ref.String(), Err: err}
		default:
			return pktcount.Interface{}, &pktcount.AttachError{Interface: ref.String(), Err: fmt.Errorf("resolve: %w", err)}
		}
	}

	nsid, err := netns.GetNsid(netnsPath)
	if err != nil {
		return pktcount.Interface{}, &pktcount.AttachError{Interface: ref.String(), Err: err}
	}
	out.Nsid = nsid

	k.logger.Debug("resolved interface", "ref", ref.String(), "name", out.Name, "ifindex", out.Index, "nsid", out.Nsid, "xdp_program_id", out.XDPProgramID)
	return out, nil
}
