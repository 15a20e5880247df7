// Package counterstore models the shared counter map: a bounded
// key/value store written by the kernel-resident program and read by
// the control process.
package counterstore

import (
	"errors"
	"fmt"
)

// MapType names the kind of map backing a store.
type MapType string

const (
	// MapTypeArray is a fixed-size, preallocated map indexed by a
	// 32-bit key. All entries exist, zeroed, from creation.
	MapTypeArray MapType = "array"
	MapTypeHash  MapType = "hash"
)

// Spec is the fixed-layout descriptor of a bounded counter map.
type Spec struct {
	Type       MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
}

// CounterSpec is the layout of the single-slot packet counter map.
var CounterSpec = Spec{
	Type:       MapTypeArray,
	KeySize:    4,
	ValueSize:  8,
	MaxEntries: 1,
}

// Validate checks that the spec describes a map this package can
// serve: 32-bit keys, 64-bit values, at least one entry.
func (s Spec) Validate() error {
	var errs []error
	if s.Type != MapTypeArray && s.Type != MapTypeHash {
		errs = append(errs, fmt.Errorf("unsupported map type %q", s.Type))
	}
	if s.KeySize != 4 {
		errs = append(errs, fmt.Errorf("key size must be 4, got %d", s.KeySize))
	}
	if s.ValueSize != 8 {
		errs = append(errs, fmt.Errorf("value size must be 8, got %d", s.ValueSize))
	}
	if s.MaxEntries == 0 {
		errs = append(errs, errors.New("max entries must be non-zero"))
	}
	return errors.Join(errs...)
}

// Matches returns an error describing every field in which other
// differs from s.
func (s Spec) Matches(other Spec) error {
	var errs []error
	if s.Type != other.Type {
		errs = append(errs, fmt.Errorf("map type %q, want %q", other.Type, s.Type))
	}
	if s.KeySize != other.KeySize {
		errs = append(errs, fmt.Errorf("key size %d, want %d", other.KeySize, s.KeySize))
	}
	if s.ValueSize != other.ValueSize {
		errs = append(errs, fmt.Errorf("value size %d, want %d", other.ValueSize, s.ValueSize))
	}
	if s.MaxEntries != other.MaxEntries {
		errs = append(errs, fmt.Errorf("max entries %d, want %d", other.MaxEntries, s.MaxEntries))
	}
	return errors.Join(errs...)
}

// Contains reports whether key is addressable in a map of this spec.
// Only array maps bound the key space.
func (s Spec) Contains(key uint32) bool {
	if s.Type != MapTypeArray {
		return true
	}
	return key < s.MaxEntries
}
