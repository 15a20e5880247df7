package ebpf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/counterstore"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/program"
)

// Load verifies img and loads its counter program and map into the
// kernel. Only the counter program and its map are kept; anything else
// the image carries is released immediately.
func (k *kernelAdapter) Load(ctx context.Context, img pktcount.Image) (interpreter.Program, error) {
	img = img.WithDefaults()

	spec, err := program.Spec(img)
	if err != nil {
		return nil, err
	}

	// Pinning is decided by the manager, never by the object file.
	for _, ms := range spec.Maps {
		ms.Pinning = ebpf.PinNone
	}

	memlockErr := k.removeMemlock()

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, classifyLoad(img.ProgramName, memlockHint(err, memlockErr))
	}
	prog := coll.DetachProgram(img.ProgramName)
	m := coll.DetachMap(img.MapName)
	coll.Close()

	if prog == nil || m == nil {
		if prog != nil {
			prog.Close()
		}
		if m != nil {
			m.Close()
		}
		return nil, &pktcount.LoadError{Program: img.ProgramName, Err: errors.New("collection is missing the counter program or map")}
	}

	p, err := newKernelProgram(img.ProgramName, prog, m)
	if err != nil {
		prog.Close()
		m.Close()
		return nil, err
	}

	k.logger.Debug("loaded program", "name", img.ProgramName, "source", img.Source, "id", p.id, "map_id", p.mapID)
	return p, nil
}

// memlockHint notes a failed rlimit removal on a load error, since on
// older kernels that is the usual cause of EPERM.
func memlockHint(err, memlockErr error) error {
	if memlockErr == nil {
		return err
	}
	return fmt.Errorf("%w (memlock rlimit not lifted: %v)", err, memlockErr)
}

// kernelProgram owns the program fd and the user-space fd of its
// counter map.
type kernelProgram struct {
	name  string
	prog  *ebpf.Program
	m     *ebpf.Map
	id    uint32
	mapID uint32
	store *counterstore.Store

	once sync.Once
	err  error
}

func newKernelProgram(name string, prog *ebpf.Program, m *ebpf.Map) (*kernelProgram, error) {
	progInfo, err := prog.Info()
	if err != nil {
		return nil, fmt.Errorf("get program info: %w", err)
	}
	progID, ok := progInfo.ID()
	if !ok {
		return nil, fmt.Errorf("failed to get program ID from kernel")
	}

	mapInfo, err := m.Info()
	if err != nil {
		return nil, fmt.Errorf("get map info: %w", err)
	}
	mapID, ok := mapInfo.ID()
	if !ok {
		return nil, fmt.Errorf("failed to get map ID from kernel")
	}

	store, err := counterstore.New(counterstore.CounterSpec, &kernelMap{m: m})
	if err != nil {
		return nil, &pktcount.LoadError{Program: name, Err: err}
	}

	return &kernelProgram{
		name:  name,
		prog:  prog,
		m:     m,
		id:    uint32(progID),
		mapID: uint32(mapID),
		store: store,
	}, nil
}

func (p *kernelProgram) ID() uint32                 { return p.id }
func (p *kernelProgram) MapID() uint32              { return p.mapID }
func (p *kernelProgram) Store() *counterstore.Store { return p.store }

// Close closes the map fd (through the store) and the program fd. The
// kernel frees them once no link or pin still holds a reference.
func (p *kernelProgram) Close() error {
	p.once.Do(func() {
		p.err = errors.Join(p.store.Close(), p.prog.Close())
	})
	return p.err
}
