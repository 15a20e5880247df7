package pktcount

import "fmt"

// LoadError is returned when a program image is rejected, either
// because it is malformed, does not carry the counter program and map,
// or because the running kernel's verifier refused it.
type LoadError struct {
	Program string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Program == "" {
		return fmt.Sprintf("load program: %v", e.Err)
	}
	return fmt.Sprintf("load program %q: %v", e.Program, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AttachError is returned when a program cannot be bound to an
// interface: the interface does not exist, or its receive hook is
// already occupied by an attachment we may not replace.
type AttachError struct {
	Interface string
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to interface %s: %v", e.Interface, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// PermissionError is returned when the caller lacks the privilege
// (CAP_BPF/CAP_NET_ADMIN or root) required by an operation.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: insufficient privilege: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ReadError is returned when the counter store cannot be read, most
// commonly because its attachment has already been torn down.
type ReadError struct {
	Key uint32
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read counter key %d: %v", e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ErrInterfaceNotFound is wrapped by AttachError when the interface
// identifier does not resolve to a link.
type ErrInterfaceNotFound struct {
	Interface string
}

func (e ErrInterfaceNotFound) Error() string {
	return fmt.Sprintf("interface %s does not exist", e.Interface)
}

// ErrAlreadyAttached is wrapped by AttachError when the interface
// already carries an XDP program.
type ErrAlreadyAttached struct {
	Ifindex   int
	ProgramID uint32
	Managed   bool
}

func (e ErrAlreadyAttached) Error() string {
	if e.Managed {
		return fmt.Sprintf("ifindex %d already has a managed counter attached (program %d)", e.Ifindex, e.ProgramID)
	}
	return fmt.Sprintf("ifindex %d already has XDP program %d attached by another owner", e.Ifindex, e.ProgramID)
}
