package pktcount

import (
	"fmt"
	"strconv"
	"strings"
)

// AttachMode selects where in the receive path the XDP program runs.
type AttachMode string

const (
	// AttachModeAuto lets the kernel pick driver mode when the NIC
	// supports it and generic mode otherwise.
	AttachModeAuto    AttachMode = "auto"
	AttachModeGeneric AttachMode = "generic"
	AttachModeDriver  AttachMode = "driver"
	AttachModeOffload AttachMode = "offload"
)

// ParseAttachMode parses a string into an AttachMode. The empty string
// maps to AttachModeAuto.
func ParseAttachMode(s string) (AttachMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return AttachModeAuto, nil
	case "generic", "skb":
		return AttachModeGeneric, nil
	case "driver", "native", "drv":
		return AttachModeDriver, nil
	case "offload", "hw":
		return AttachModeOffload, nil
	default:
		return "", fmt.Errorf("unknown attach mode %q", s)
	}
}

// AttachPolicy decides what happens when attach is called for an
// interface that already carries a managed counter.
type AttachPolicy string

const (
	// AttachPolicyFail rejects the second attach with an AttachError.
	AttachPolicyFail AttachPolicy = "fail"
	// AttachPolicyReplace detaches the existing managed attachment
	// and attaches the new program in its place. Attachments owned by
	// anyone else are never replaced.
	AttachPolicyReplace AttachPolicy = "replace"
)

// ParseAttachPolicy parses a string into an AttachPolicy. The empty
// string maps to AttachPolicyFail.
func ParseAttachPolicy(s string) (AttachPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return AttachPolicyFail, nil
	case "replace":
		return AttachPolicyReplace, nil
	default:
		return "", fmt.Errorf("unknown attach policy %q", s)
	}
}

// Backend selects the kernel mechanism used to bind the program.
type Backend string

const (
	// BackendLink uses a BPF link. The kernel detaches the program when
	// the last link fd is closed, so process exit cannot leak it.
	BackendLink Backend = "link"
	// BackendNetlink uses the legacy IFLA_XDP netlink attach. The
	// program stays attached until explicitly removed.
	BackendNetlink Backend = "netlink"
)

// ParseBackend parses a string into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "link":
		return BackendLink, nil
	case "netlink":
		return BackendNetlink, nil
	default:
		return "", fmt.Errorf("unknown attach backend %q", s)
	}
}

// InterfaceRef identifies a network interface by name or by index.
// Exactly one of Name or Index is set.
type InterfaceRef struct {
	Name  string
	Index int
}

// ParseInterfaceRef accepts either an interface name ("eth0") or a
// positive numeric index ("2").
func ParseInterfaceRef(s string) (InterfaceRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return InterfaceRef{}, fmt.Errorf("interface identifier cannot be empty")
	}
	if idx, err := strconv.Atoi(s); err == nil {
		if idx <= 0 {
			return InterfaceRef{}, fmt.Errorf("interface index must be positive, got %d", idx)
		}
		return InterfaceRef{Index: idx}, nil
	}
	return InterfaceRef{Name: s}, nil
}

// String returns the name, or the index when no name is set.
func (r InterfaceRef) String() string {
	if r.Name != "" {
		return r.Name
	}
	return strconv.Itoa(r.Index)
}

// IsZero reports whether the reference is empty.
func (r InterfaceRef) IsZero() bool {
	return r.Name == "" && r.Index == 0
}

// Interface is a resolved network interface.
type Interface struct {
	Name  string
	Index int
	// Nsid is the inode of the network namespace the interface
	// lives in.
	Nsid uint64
	// XDPProgramID is the id of the XDP program currently attached
	// to the interface, or zero.
	XDPProgramID uint32
}
