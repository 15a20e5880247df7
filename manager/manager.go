// Package manager implements the Attachment Manager: it loads the
// counter program, binds it to an interface's receive hook, and tears
// both down again.
//
// # Atomic Attach Model
//
// Attach either returns a Handle that owns a loaded program, an
// attached link, an optional map pin and a persisted attachment
// record, or it returns an error and leaves none of those behind:
//
//  1. Resolve the interface and apply the double-attach policy
//  2. Load the program (and with it a fresh, zeroed counter map)
//  3. Attach the program to the interface
//  4. Optionally pin the counter map on bpffs
//  5. Persist the attachment record
//
// Each completed step pushes an undo closure; a failure at any later
// step runs them in reverse. A crash between steps is recovered by GC,
// which reclaims records whose owner process is gone.
//
// # Teardown Order
//
// Detach closes the link first so the program stops receiving packets,
// then closes the program and map, then removes the pin and the
// record. Detach is idempotent.
//
// # Locking
//
// Attach, Detach and GC run under the writer lock in the runtime
// directory so concurrent pktcount processes cannot race on the same
// interface or on the record store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/config"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/lock"
)

// AttachRequest describes one attach operation.
type AttachRequest struct {
	Interface pktcount.InterfaceRef
	// Netns is the path of the network namespace holding the
	// interface, for example /proc/<pid>/ns/net. Empty means the
	// caller's namespace.
	Netns   string
	Image   pktcount.Image
	Mode    pktcount.AttachMode
	Backend pktcount.Backend
}

type ifaceKey struct {
	nsid    uint64
	ifindex int
}

// Manager orchestrates counter attachments.
type Manager struct {
	dirs   config.RuntimeDirs
	store  interpreter.AttachmentStore
	kernel interpreter.KernelOperations
	logger *slog.Logger

	policy   pktcount.AttachPolicy
	pinMaps  bool
	ensureFS func() error
	alive    func(pid int) bool
	now      func() time.Time
	newID    func() string
	pid      int

	mu     sync.Mutex
	active map[ifaceKey]*Handle
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPolicy sets the double-attach policy. The default is
// pktcount.AttachPolicyFail.
func WithPolicy(p pktcount.AttachPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithMapPinning pins every counter map under the runtime bpffs.
func WithMapPinning(enabled bool) Option {
	return func(m *Manager) {
		m.pinMaps = enabled
	}
}

// WithFSCheck replaces the check run before the first pin, which by
// default mounts bpffs under the runtime directory when needed.
func WithFSCheck(fn func() error) Option {
	return func(m *Manager) {
		m.ensureFS = fn
	}
}

// WithProcessChecker replaces the liveness check GC uses to decide
// whether a record's owner is still running.
func WithProcessChecker(alive func(pid int) bool) Option {
	return func(m *Manager) {
		m.alive = alive
	}
}

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new Manager.
func New(dirs config.RuntimeDirs, store interpreter.AttachmentStore, kernel interpreter.KernelOperations, opts ...Option) *Manager {
	m := &Manager{
		dirs:     dirs,
		store:    store,
		kernel:   kernel,
		logger:   slog.Default(),
		policy:   pktcount.AttachPolicyFail,
		ensureFS: dirs.EnsureFS,
		alive:    processAlive,
		now:      time.Now,
		newID:    uuid.NewString,
		pid:      os.Getpid(),
		active:   make(map[ifaceKey]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "manager")
	return m
}

// Dirs returns the runtime directories configuration.
func (m *Manager) Dirs() config.RuntimeDirs {
	return m.dirs
}

// Attach loads the counter program and attaches it to the requested
// interface. See the package documentation for the atomic attach
// model.
//
// Errors are *pktcount.LoadError, *pktcount.AttachError or
// *pktcount.PermissionError, except for failures of the runtime
// directory itself (lock, record store).
func (m *Manager) Attach(ctx context.Context, req AttachRequest) (*Handle, error) {
	if req.Interface.IsZero() {
		return nil, &pktcount.AttachError{Interface: "", Err: errors.New("no interface given")}
	}

	var h *Handle
	err := lock.Run(ctx, m.dirs.Lock(), func(ctx context.Context, scope lock.WriterScope) error {
		var err error
		h, err = m.attach(ctx, scope, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (m *Manager) attach(ctx context.Context, scope lock.WriterScope, req AttachRequest) (*Handle, error) {
	img := req.Image.WithDefaults()
	mode := req.Mode
	if mode == "" {
		mode = pktcount.AttachModeAuto
	}
	backend := req.Backend
	if backend == "" {
		backend = pktcount.BackendLink
	}

	iface, err := m.kernel.ResolveInterface(ctx, req.Interface, req.Netns)
	if err != nil {
		return nil, err
	}

	if err := m.applyPolicy(ctx, scope, &iface, req); err != nil {
		return nil, err
	}

	var undo undoStack

	prog, err := m.kernel.Load(ctx, img)
	if err != nil {
		return nil, err
	}
	undo.push("close program", prog.Close)

	lnk, err := m.kernel.AttachXDP(ctx, prog, iface, interpreter.AttachOptions{
		Mode:    mode,
		Backend: backend,
		Netns:   req.Netns,
	})
	if err != nil {
		return nil, m.fail(undo, err)
	}
	undo.push("detach link", lnk.Close)

	rec := pktcount.AttachmentRecord{
		ID:        m.newID(),
		Interface: iface.Name,
		Ifindex:   iface.Index,
		Netns:     req.Netns,
		Nsid:      iface.Nsid,
		Mode:      mode,
		Backend:   backend,
		ProgramID: prog.ID(),
		MapID:     prog.MapID(),
		LinkID:    lnk.ID(),
		OwnerPID:  m.pid,
		Source:    img.Source,
		CreatedAt: m.now(),
	}

	if m.pinMaps {
		path, err := m.pinMap(ctx, prog, rec.ID, img.MapName)
		if err != nil {
			return nil, m.fail(undo, err)
		}
		undo.push("unpin map", func() error { return m.kernel.UnpinMap(path) })
		rec.MapPin = path
	}

	if err := m.store.SaveAttachment(ctx, rec); err != nil {
		return nil, m.fail(undo, fmt.Errorf("record attachment: %w", err))
	}

	h := &Handle{
		mgr:    m,
		key:    ifaceKey{nsid: iface.Nsid, ifindex: iface.Index},
		iface:  iface,
		record: rec,
		prog:   prog,
		link:   lnk,
	}
	m.mu.Lock()
	m.active[h.key] = h
	m.mu.Unlock()

	m.logger.Info("attached counter",
		"id", rec.ID,
		"interface", iface.Name,
		"ifindex", iface.Index,
		"mode", mode,
		"backend", backend,
		"program_id", rec.ProgramID,
		"map_id", rec.MapID,
		"map_pin", rec.MapPin)
	return h, nil
}

// applyPolicy enforces the double-attach policy. A managed attachment
// on the same interface is rejected or replaced according to the
// policy; a program attached by anyone else is always rejected.
func (m *Manager) applyPolicy(ctx context.Context, scope lock.WriterScope, iface *pktcount.Interface, req AttachRequest) error {
	key := ifaceKey{nsid: iface.Nsid, ifindex: iface.Index}

	m.mu.Lock()
	existing := m.active[key]
	m.mu.Unlock()

	if existing == nil {
		if iface.XDPProgramID != 0 {
			return &pktcount.AttachError{
				Interface: iface.Name,
				Err:       pktcount.ErrAlreadyAttached{Ifindex: iface.Index, ProgramID: iface.XDPProgramID},
			}
		}
		return nil
	}

	if m.policy != pktcount.AttachPolicyReplace {
		return &pktcount.AttachError{
			Interface: iface.Name,
			Err:       pktcount.ErrAlreadyAttached{Ifindex: iface.Index, ProgramID: existing.record.ProgramID, Managed: true},
		}
	}

	m.logger.Info("replacing existing attachment", "id", existing.ID(), "interface", iface.Name)
	if err := m.detachLocked(ctx, scope, existing); err != nil {
		return &pktcount.AttachError{Interface: iface.Name, Err: fmt.Errorf("replace attachment %s: %w", existing.ID(), err)}
	}

	refreshed, err := m.kernel.ResolveInterface(ctx, req.Interface, req.Netns)
	if err != nil {
		return err
	}
	*iface = refreshed
	if iface.XDPProgramID != 0 {
		return &pktcount.AttachError{
			Interface: iface.Name,
			Err:       pktcount.ErrAlreadyAttached{Ifindex: iface.Index, ProgramID: iface.XDPProgramID},
		}
	}
	return nil
}

func (m *Manager) pinMap(ctx context.Context, prog interpreter.Program, id, mapName string) (string, error) {
	path, err := m.dirs.MapPinPath(id, mapName)
	if err != nil {
		return "", err
	}
	if m.ensureFS != nil {
		if err := m.ensureFS(); err != nil {
			return "", err
		}
	}
	if err := m.kernel.PinMap(ctx, prog, path); err != nil {
		return "", err
	}
	return path, nil
}

// fail rolls back completed steps and returns cause, annotated with
// any rollback failure.
func (m *Manager) fail(undo undoStack, cause error) error {
	if err := undo.rollback(m.logger); err != nil {
		return fmt.Errorf("%w (rollback: %w)", cause, err)
	}
	return cause
}

// Detach releases everything a Handle owns. Detaching a nil or already
// detached handle returns nil.
func (m *Manager) Detach(ctx context.Context, h *Handle) error {
	if h == nil || h.Detached() {
		return nil
	}
	return lock.Run(ctx, m.dirs.Lock(), func(ctx context.Context, scope lock.WriterScope) error {
		return m.detachLocked(ctx, scope, h)
	})
}

func (m *Manager) detachLocked(ctx context.Context, scope lock.WriterScope, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.detached {
		return nil
	}
	h.detached = true

	var errs []error
	if err := h.link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("detach link: %w", err))
	}
	if err := h.prog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close program: %w", err))
	}
	if h.record.MapPin != "" {
		if err := m.kernel.UnpinMap(h.record.MapPin); err != nil {
			errs = append(errs, fmt.Errorf("unpin map: %w", err))
		}
	}
	if err := m.store.DeleteAttachment(ctx, h.record.ID); err != nil {
		errs = append(errs, fmt.Errorf("delete attachment record: %w", err))
	}

	m.mu.Lock()
	if m.active[h.key] == h {
		delete(m.active, h.key)
	}
	m.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		m.logger.Error("detach incomplete", "id", h.record.ID, "interface", h.iface.Name, "error", err)
		return err
	}
	m.logger.Info("detached counter", "id", h.record.ID, "interface", h.iface.Name)
	return nil
}

// Handles returns the live handles ordered by creation time.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	out := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		out = append(out, h)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].record.CreatedAt.Before(out[j].record.CreatedAt)
	})
	return out
}

// Close detaches every live handle.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, h := range m.Handles() {
		if err := m.Detach(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
