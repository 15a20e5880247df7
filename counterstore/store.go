package counterstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/frobware/go-pktcount"
)

var (
	// ErrKeyNotExist is returned by a Map when the key has no entry.
	ErrKeyNotExist = errors.New("key does not exist")
	// ErrClosed is wrapped in a ReadError once the store has been
	// released.
	ErrClosed = errors.New("counter store has been released")
)

// Map is the raw key/value surface of a counter map. Implementations
// must tolerate Lookup running concurrently with increments performed
// by the program that owns the other side of the map.
type Map interface {
	Lookup(key uint32) (uint64, error)
	Update(key uint32, value uint64) error
	Close() error
}

// Store is the control-process view of a counter map. Reads take no
// lock shared with the writer side; the store only guards its own
// lifetime so that a read racing with Close either completes against
// the live map or fails with a ReadError.
type Store struct {
	spec Spec

	mu     sync.RWMutex
	m      Map
	closed bool
}

// New wraps m, which must have been created from spec.
func New(spec Spec, m Map) (*Store, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid counter map spec: %w", err)
	}
	if m == nil {
		return nil, errors.New("counter map is nil")
	}
	return &Store{spec: spec, m: m}, nil
}

// Spec returns the layout of the underlying map.
func (s *Store) Spec() Spec { return s.spec }

// Read returns the value stored under key. The boolean is false when
// the key has no entry. Once the store has been closed Read fails with
// a *pktcount.ReadError.
func (s *Store) Read(key uint32) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, false, &pktcount.ReadError{Key: key, Err: ErrClosed}
	}
	if !s.spec.Contains(key) {
		return 0, false, nil
	}

	v, err := s.m.Lookup(key)
	switch {
	case errors.Is(err, ErrKeyNotExist):
		return 0, false, nil
	case err != nil:
		return 0, false, &pktcount.ReadError{Key: key, Err: err}
	}
	return v, true, nil
}

// Value returns the packet counter. A missing entry is reported as a
// ReadError because the counter slot is created with the map and must
// always exist.
func (s *Store) Value() (uint64, error) {
	v, ok, err := s.Read(pktcount.CounterKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &pktcount.ReadError{Key: pktcount.CounterKey, Err: ErrKeyNotExist}
	}
	return v, nil
}

// Reset zeroes every entry of the map.
func (s *Store) Reset() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return &pktcount.ReadError{Key: pktcount.CounterKey, Err: ErrClosed}
	}
	for key := uint32(0); key < s.spec.MaxEntries; key++ {
		if err := s.m.Update(key, 0); err != nil {
			return fmt.Errorf("reset key %d: %w", key, err)
		}
	}
	return nil
}

// Close releases the underlying map. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.m.Close()
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
