package ebpf

import (
	"errors"
	"os"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-pktcount"
)

// isPermission reports whether err is the kernel refusing an operation
// for lack of privilege.
func isPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, os.ErrPermission)
}

// classifyLoad maps a program load failure onto the error taxonomy.
// The verifier reports rejections as EACCES, so a verifier error is
// checked before privilege.
func classifyLoad(program string, err error) error {
	var verr *ebpf.VerifierError
	switch {
	case errors.As(err, &verr):
		return &pktcount.LoadError{Program: program, Err: err}
	case errors.Is(err, ebpf.ErrNotSupported):
		return &pktcount.LoadError{Program: program, Err: err}
	case isPermission(err):
		return &pktcount.PermissionError{Op: "load program " + program, Err: err}
	default:
		return &pktcount.LoadError{Program: program, Err: err}
	}
}

// classifyAttach maps an attach failure onto the error taxonomy.
func classifyAttach(iface pktcount.Interface, err error) error {
	name := iface.Name
	switch {
	case isPermission(err):
		return &pktcount.PermissionError{Op: "attach XDP to " + name, Err: err}
	case errors.Is(err, unix.ENODEV):
		return &pktcount.AttachError{Interface: name, Err: errors.Join(pktcount.ErrInterfaceNotFound{Interface: name}, err)}
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EEXIST):
		return &pktcount.AttachError{Interface: name, Err: errors.Join(pktcount.ErrAlreadyAttached{Ifindex: iface.Index, ProgramID: iface.XDPProgramID}, err)}
	default:
		return &pktcount.AttachError{Interface: name, Err: err}
	}
}
