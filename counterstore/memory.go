package counterstore

import (
	"sync/atomic"
)

// MemoryMap is an in-process array map with atomic 64-bit slots. It
// stands in for a kernel map in the simulated kernel.
type MemoryMap struct {
	spec   Spec
	slots  []atomic.Uint64
	closed atomic.Bool
}

// NewMemoryMap allocates a zeroed map with spec.MaxEntries slots.
func NewMemoryMap(spec Spec) *MemoryMap {
	return &MemoryMap{
		spec:  spec,
		slots: make([]atomic.Uint64, spec.MaxEntries),
	}
}

// Elem returns the slot for key, or nil when the key is out of range
// or the map has been released. It mirrors bpf_map_lookup_elem, which
// hands the program a pointer into the map value.
func (m *MemoryMap) Elem(key uint32) *atomic.Uint64 {
	if m.closed.Load() || key >= uint32(len(m.slots)) {
		return nil
	}
	return &m.slots[key]
}

func (m *MemoryMap) Lookup(key uint32) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	slot := m.Elem(key)
	if slot == nil {
		return 0, ErrKeyNotExist
	}
	return slot.Load(), nil
}

func (m *MemoryMap) Update(key uint32, value uint64) error {
	if m.closed.Load() {
		return ErrClosed
	}
	slot := m.Elem(key)
	if slot == nil {
		return ErrKeyNotExist
	}
	slot.Store(value)
	return nil
}

// Close marks the map released. Slots handed out by Elem before Close
// remain valid memory, so an in-flight increment racing with Close
// completes harmlessly.
func (m *MemoryMap) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (m *MemoryMap) Closed() bool {
	return m.closed.Load()
}

// Spec returns the layout the map was created with.
func (m *MemoryMap) Spec() Spec { return m.spec }
