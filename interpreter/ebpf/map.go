package ebpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-pktcount/counterstore"
	"github.com/frobware/go-pktcount/program"
)

// kernelMap adapts an *ebpf.Map to counterstore.Map.
type kernelMap struct {
	m *ebpf.Map
}

func (k *kernelMap) Lookup(key uint32) (uint64, error) {
	var v uint64
	if err := k.m.Lookup(key, &v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return 0, counterstore.ErrKeyNotExist
		}
		return 0, err
	}
	return v, nil
}

func (k *kernelMap) Update(key uint32, value uint64) error {
	return k.m.Update(key, value, ebpf.UpdateAny)
}

func (k *kernelMap) Close() error {
	return k.m.Close()
}

// OpenPinnedCounter opens a counter map pinned on bpffs by another
// process. The map's layout must match the counter map.
func OpenPinnedCounter(path string) (*counterstore.Store, error) {
	m, err := ebpf.LoadPinnedMap(path, &ebpf.LoadPinOptions{ReadOnly: true})
	if err != nil {
		if isPermission(err) {
			return nil, fmt.Errorf("open pinned map %s: insufficient privilege: %w", path, err)
		}
		return nil, fmt.Errorf("open pinned map %s: %w", path, err)
	}

	layout := program.Layout(&ebpf.MapSpec{
		Type:       m.Type(),
		KeySize:    m.KeySize(),
		ValueSize:  m.ValueSize(),
		MaxEntries: m.MaxEntries(),
	})
	if err := counterstore.CounterSpec.Matches(layout); err != nil {
		m.Close()
		return nil, fmt.Errorf("pinned map %s is not a counter map: %w", path, err)
	}

	store, err := counterstore.New(counterstore.CounterSpec, &kernelMap{m: m})
	if err != nil {
		m.Close()
		return nil, err
	}
	return store, nil
}
