package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/counterstore"
	"github.com/frobware/go-pktcount/program"
)

type simProgram struct {
	kernel *Kernel
	id     uint32
	mapID  uint32
	name   string
	m      *counterstore.MemoryMap
	store  *counterstore.Store

	// Guarded by kernel.mu.
	fdClosed bool
	links    int
	pins     int
}

func (p *simProgram) ID() uint32                 { return p.id }
func (p *simProgram) MapID() uint32              { return p.mapID }
func (p *simProgram) Store() *counterstore.Store { return p.store }

// Close releases the caller's handles. The kernel keeps the program
// and map alive while links or pins reference them.
func (p *simProgram) Close() error {
	p.kernel.mu.Lock()
	defer p.kernel.mu.Unlock()

	if p.fdClosed {
		return nil
	}
	p.fdClosed = true
	p.kernel.record(Op{Kind: "close-program", Name: p.name, ID: p.id})
	p.kernel.releaseIfUnusedLocked(p)
	return p.store.Close()
}

// run executes the counter program once: look up slot 0, fetch-and-add
// one if the lookup succeeded, pass the packet.
func (p *simProgram) run() uint32 {
	if slot := p.m.Elem(pktcount.CounterKey); slot != nil {
		slot.Add(1)
	}
	return program.XDPPass
}

// fdView is the user-space side of a counter map. Closing it does not
// free the kernel map, which lives until the program is released.
type fdView struct {
	m *counterstore.MemoryMap
}

func (v fdView) Lookup(key uint32) (uint64, error)     { return v.m.Lookup(key) }
func (v fdView) Update(key uint32, value uint64) error { return v.m.Update(key, value) }
func (v fdView) Close() error                          { return nil }

type simLink struct {
	kernel  *Kernel
	id      uint32
	iface   *iface
	prog    *simProgram
	backend pktcount.Backend

	// Guarded by kernel.mu.
	defunct bool
}

func (l *simLink) ID() uint32 { return l.id }

// Close detaches the program from the interface. Closing a link
// twice, or one already removed with its interface, is a no-op.
func (l *simLink) Close() error {
	k := l.kernel
	k.mu.Lock()
	defer k.mu.Unlock()

	if l.defunct {
		return nil
	}
	l.defunct = true
	delete(k.links, l.id)
	l.iface.xdp.CompareAndSwap(l.prog, nil)
	l.prog.links--
	k.record(Op{Kind: "close-link", Name: l.iface.name, ID: l.id})
	k.releaseIfUnusedLocked(l.prog)
	return nil
}

// Deliver simulates n packets arriving on the named interface, spread
// across the configured number of CPUs. Each packet runs whatever
// program is attached at the moment it arrives. It returns the number
// of packets that ran through an attached program.
func (k *Kernel) Deliver(ctx context.Context, name string, n int) (int, error) {
	k.mu.Lock()
	i, ok := k.byName[name]
	cpus := k.cpus
	k.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("deliver to %s: %w", name, pktcount.ErrInterfaceNotFound{Interface: name})
	}

	var (
		wg   sync.WaitGroup
		seen = make([]int, cpus)
	)
	per, rem := n/cpus, n%cpus
	for cpu := range cpus {
		count := per
		if cpu < rem {
			count++
		}
		wg.Add(1)
		go func(cpu, count int) {
			defer wg.Done()
			for range count {
				if ctx.Err() != nil {
					return
				}
				if p := i.xdp.Load(); p != nil {
					p.run()
					seen[cpu]++
				}
			}
		}(cpu, count)
	}
	wg.Wait()

	total := 0
	for _, s := range seen {
		total += s
	}
	return total, ctx.Err()
}
