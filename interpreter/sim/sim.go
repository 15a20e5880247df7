// Package sim is an in-process model of the kernel side of a counter
// attachment: interfaces with a single XDP hook, loaded programs with
// their counter maps, links, and per-CPU packet delivery.
//
// Programs are verified exactly as the real kernel adapter verifies
// them (package program) but execute as Go: every delivered packet
// performs an atomic fetch-and-add on slot 0 of the program's map and
// passes. Delivery runs one goroutine per simulated CPU, so concurrent
// increments race exactly as they would on a multi-queue NIC.
//
// Resource lifetime follows the kernel's reference counting: a
// program's map is released once the program fd is closed and no link
// still references it. Tests use LivePrograms, LiveMaps and LiveLinks
// to check that nothing leaks.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/counterstore"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/program"
)

// Op records a kernel operation performed against the simulator.
type Op struct {
	Kind string
	Name string
	ID   uint32
	Err  error
}

// Kernel implements interpreter.KernelOperations in memory.
type Kernel struct {
	logger *slog.Logger
	cpus   int

	mu         sync.Mutex
	nextID     uint32
	nsid       uint64
	byIndex    map[int]*iface
	byName     map[string]*iface
	programs   map[uint32]*simProgram
	links      map[uint32]*simLink
	pins       map[string]uint32
	ops        []Op
	privileged bool
	failLoad   error
	failAttach error
	failPin    error
}

type iface struct {
	name  string
	index int
	xdp   atomic.Pointer[simProgram]
	// foreign is the id of a program attached by someone other than
	// this simulator's callers.
	foreign uint32
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger for simulated kernel operations.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) {
		k.logger = logger
	}
}

// WithCPUs sets how many goroutines Deliver spreads packets across.
func WithCPUs(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.cpus = n
		}
	}
}

// WithInterfaces creates interfaces with consecutive indexes starting
// at 1, in the order given.
func WithInterfaces(names ...string) Option {
	return func(k *Kernel) {
		for _, name := range names {
			k.addInterfaceLocked(name)
		}
	}
}

// Unprivileged makes every privileged operation fail with a
// *pktcount.PermissionError.
func Unprivileged() Option {
	return func(k *Kernel) {
		k.privileged = false
	}
}

// New creates a simulated kernel. Without WithInterfaces it has a
// single loopback interface "lo" at index 1.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		logger:     slog.Default(),
		cpus:       4,
		nsid:       4026531840,
		byIndex:    make(map[int]*iface),
		byName:     make(map[string]*iface),
		programs:   make(map[uint32]*simProgram),
		links:      make(map[uint32]*simLink),
		pins:       make(map[string]uint32),
		privileged: true,
	}
	for _, opt := range opts {
		opt(k)
	}
	if len(k.byIndex) == 0 {
		k.addInterfaceLocked("lo")
	}
	k.logger = k.logger.With("component", "sim")
	return k
}

var _ interpreter.KernelOperations = (*Kernel)(nil)

// AddInterface creates a new interface and returns its index.
func (k *Kernel) AddInterface(name string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.addInterfaceLocked(name)
}

func (k *Kernel) addInterfaceLocked(name string) int {
	if existing, ok := k.byName[name]; ok {
		return existing.index
	}
	idx := len(k.byIndex) + 1
	for k.byIndex[idx] != nil {
		idx++
	}
	i := &iface{name: name, index: idx}
	k.byIndex[idx] = i
	k.byName[name] = i
	return idx
}

// RemoveInterface deletes an interface, detaching whatever is
// attached to it the way the kernel does on link removal.
func (k *Kernel) RemoveInterface(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	i, ok := k.byName[name]
	if !ok {
		return
	}
	for id, l := range k.links {
		if l.iface == i {
			l.defunct = true
			l.prog.links--
			delete(k.links, id)
			k.releaseIfUnusedLocked(l.prog)
		}
	}
	i.xdp.Store(nil)
	delete(k.byName, name)
	delete(k.byIndex, i.index)
}

// SetForeignXDP marks an interface as carrying an XDP program attached
// by another owner. An id of zero clears it.
func (k *Kernel) SetForeignXDP(name string, progID uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if i, ok := k.byName[name]; ok {
		i.foreign = progID
	}
}

// FailNextLoad makes the next Load fail with a LoadError wrapping err.
func (k *Kernel) FailNextLoad(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failLoad = err
}

// FailNextAttach makes the next AttachXDP fail with an AttachError
// wrapping err.
func (k *Kernel) FailNextAttach(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failAttach = err
}

// FailNextPin makes the next PinMap fail with err.
func (k *Kernel) FailNextPin(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failPin = err
}

func (k *Kernel) record(op Op) {
	k.ops = append(k.ops, op)
}

// Ops returns a copy of the operations performed so far.
func (k *Kernel) Ops() []Op {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Op, len(k.ops))
	copy(out, k.ops)
	return out
}

// LivePrograms returns the number of programs the kernel still holds.
func (k *Kernel) LivePrograms() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.programs)
}

// LiveMaps returns the number of counter maps not yet released.
func (k *Kernel) LiveMaps() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, p := range k.programs {
		if !p.m.Closed() {
			n++
		}
	}
	return n
}

// LiveLinks returns the number of links still attached.
func (k *Kernel) LiveLinks() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.links)
}

// Pins returns the sorted paths of pinned maps.
func (k *Kernel) Pins() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.pins))
	for p := range k.pins {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// AttachedProgram returns the id of the program attached to the named
// interface, or zero.
func (k *Kernel) AttachedProgram(name string) uint32 {
	k.mu.Lock()
	i, ok := k.byName[name]
	k.mu.Unlock()
	if !ok {
		return 0
	}
	if p := i.xdp.Load(); p != nil {
		return p.id
	}
	return i.foreign
}

func (k *Kernel) allocID() uint32 {
	k.nextID++
	return k.nextID
}

func (k *Kernel) permission(op string) error {
	if k.privileged {
		return nil
	}
	return &pktcount.PermissionError{Op: op, Err: os.ErrPermission}
}

// ResolveInterface implements interpreter.InterfaceResolver. The
// simulator has a single namespace; a non-empty netns must name an
// existing path.
func (k *Kernel) ResolveInterface(ctx context.Context, ref pktcount.InterfaceRef, netns string) (pktcount.Interface, error) {
	if netns != "" {
		if _, err := os.Stat(netns); err != nil {
			return pktcount.Interface{}, &pktcount.AttachError{Interface: ref.String(), Err: fmt.Errorf("open netns %s: %w", netns, err)}
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	var i *iface
	if ref.Name != "" {
		i = k.byName[ref.Name]
	} else {
		i = k.byIndex[ref.Index]
	}
	if i == nil {
		return pktcount.Interface{}, &pktcount.AttachError{
			Interface: ref.String(),
			Err:       pktcount.ErrInterfaceNotFound{Interface: ref.String()},
		}
	}

	out := pktcount.Interface{Name: i.name, Index: i.index, Nsid: k.nsid, XDPProgramID: i.foreign}
	if p := i.xdp.Load(); p != nil {
		out.XDPProgramID = p.id
	}
	return out, nil
}

// Load implements interpreter.ProgramLoader.
func (k *Kernel) Load(ctx context.Context, img pktcount.Image) (interpreter.Program, error) {
	img = img.WithDefaults()
	if _, err := program.Spec(img); err != nil {
		k.mu.Lock()
		k.record(Op{Kind: "load", Name: img.ProgramName, Err: err})
		k.mu.Unlock()
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.permission("load program " + img.ProgramName); err != nil {
		k.record(Op{Kind: "load", Name: img.ProgramName, Err: err})
		return nil, err
	}
	if k.failLoad != nil {
		err := &pktcount.LoadError{Program: img.ProgramName, Err: k.failLoad}
		k.failLoad = nil
		k.record(Op{Kind: "load", Name: img.ProgramName, Err: err})
		return nil, err
	}

	m := counterstore.NewMemoryMap(counterstore.CounterSpec)
	store, err := counterstore.New(counterstore.CounterSpec, fdView{m})
	if err != nil {
		return nil, &pktcount.LoadError{Program: img.ProgramName, Err: err}
	}

	p := &simProgram{
		kernel: k,
		id:     k.allocID(),
		mapID:  k.allocID(),
		name:   img.ProgramName,
		m:      m,
		store:  store,
	}
	k.programs[p.id] = p
	k.record(Op{Kind: "load", Name: img.ProgramName, ID: p.id})
	k.logger.Debug("loaded program", "name", p.name, "id", p.id, "map_id", p.mapID)
	return p, nil
}

// AttachXDP implements interpreter.XDPAttacher. Attach modes and
// backends are recorded but behave identically.
func (k *Kernel) AttachXDP(ctx context.Context, prog interpreter.Program, target pktcount.Interface, opts interpreter.AttachOptions) (interpreter.Link, error) {
	p, ok := prog.(*simProgram)
	if !ok || p.kernel != k {
		return nil, fmt.Errorf("program %T was not loaded by this kernel", prog)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	fail := func(err error) (interpreter.Link, error) {
		k.record(Op{Kind: "attach", Name: target.Name, Err: err})
		return nil, err
	}

	if err := k.permission("attach XDP to " + target.Name); err != nil {
		return fail(err)
	}
	if p.fdClosed {
		return fail(&pktcount.AttachError{Interface: target.Name, Err: fmt.Errorf("program %d: fd already closed", p.id)})
	}
	if k.failAttach != nil {
		err := &pktcount.AttachError{Interface: target.Name, Err: k.failAttach}
		k.failAttach = nil
		return fail(err)
	}
	i := k.byIndex[target.Index]
	if i == nil {
		return fail(&pktcount.AttachError{Interface: target.Name, Err: pktcount.ErrInterfaceNotFound{Interface: target.Name}})
	}
	if cur := i.xdp.Load(); cur != nil {
		return fail(&pktcount.AttachError{Interface: target.Name, Err: pktcount.ErrAlreadyAttached{Ifindex: i.index, ProgramID: cur.id}})
	}
	if i.foreign != 0 {
		return fail(&pktcount.AttachError{Interface: target.Name, Err: pktcount.ErrAlreadyAttached{Ifindex: i.index, ProgramID: i.foreign}})
	}

	l := &simLink{
		kernel:  k,
		id:      k.allocID(),
		iface:   i,
		prog:    p,
		backend: opts.Backend,
	}
	k.links[l.id] = l
	p.links++
	i.xdp.Store(p)
	k.record(Op{Kind: "attach", Name: i.name, ID: l.id})
	k.logger.Debug("attached XDP", "interface", i.name, "program_id", p.id, "link_id", l.id, "mode", opts.Mode, "backend", opts.Backend)
	return l, nil
}

// DetachXDP implements interpreter.XDPAttacher.
func (k *Kernel) DetachXDP(ctx context.Context, ifindex int, netns string, progID uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.record(Op{Kind: "detach", ID: progID})
	i := k.byIndex[ifindex]
	if i == nil {
		return nil
	}
	if i.foreign == progID {
		i.foreign = 0
		return nil
	}
	cur := i.xdp.Load()
	if cur == nil || cur.id != progID {
		return nil
	}
	for id, l := range k.links {
		if l.iface == i && l.prog == cur {
			l.defunct = true
			delete(k.links, id)
		}
	}
	i.xdp.Store(nil)
	cur.links = 0
	k.releaseIfUnusedLocked(cur)
	return nil
}

// PinMap implements interpreter.MapPinner. Pins are tracked in memory
// only; nothing is written to path.
func (k *Kernel) PinMap(ctx context.Context, prog interpreter.Program, path string) error {
	p, ok := prog.(*simProgram)
	if !ok || p.kernel != k {
		return fmt.Errorf("program %T was not loaded by this kernel", prog)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.failPin != nil {
		err := k.failPin
		k.failPin = nil
		k.record(Op{Kind: "pin", Name: path, Err: err})
		return err
	}
	if _, exists := k.pins[path]; exists {
		return fmt.Errorf("pin %s: %w", path, os.ErrExist)
	}
	k.pins[path] = p.mapID
	p.pins++
	k.record(Op{Kind: "pin", Name: path, ID: p.mapID})
	return nil
}

// UnpinMap implements interpreter.MapPinner. Removing a missing pin is
// not an error.
func (k *Kernel) UnpinMap(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	mapID, ok := k.pins[path]
	if !ok {
		return nil
	}
	delete(k.pins, path)
	k.record(Op{Kind: "unpin", Name: path, ID: mapID})
	for _, p := range k.programs {
		if p.mapID == mapID {
			p.pins--
			k.releaseIfUnusedLocked(p)
		}
	}
	return nil
}

// Inject implements interpreter.PacketInjector by running the program
// n times on the calling goroutine.
func (k *Kernel) Inject(ctx context.Context, prog interpreter.Program, n uint32) error {
	p, ok := prog.(*simProgram)
	if !ok || p.kernel != k {
		return fmt.Errorf("program %T was not loaded by this kernel", prog)
	}
	k.mu.Lock()
	closed := p.fdClosed
	k.mu.Unlock()
	if closed {
		return fmt.Errorf("inject into program %d: fd already closed", p.id)
	}

	for range n {
		if ret := p.run(); ret != program.XDPPass {
			return fmt.Errorf("program %d returned %d, want XDP_PASS", p.id, ret)
		}
	}
	return nil
}

// releaseIfUnusedLocked drops the program and its map once nothing
// references them. Callers must hold k.mu.
func (k *Kernel) releaseIfUnusedLocked(p *simProgram) {
	if !p.fdClosed || p.links > 0 || p.pins > 0 {
		return
	}
	p.m.Close()
	delete(k.programs, p.id)
	k.logger.Debug("released program", "id", p.id, "map_id", p.mapID)
}
