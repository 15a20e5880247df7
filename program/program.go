// Package program provides the counter program image and validates
// images supplied by the caller.
//
// The built-in program is assembled here rather than compiled from C
// so the module carries no generated objects:
//
//	key = 0
//	count = bpf_map_lookup_elem(&pkt_count, &key)
//	if count != NULL { atomic *count += 1 }
//	return XDP_PASS
package program

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/counterstore"
)

// XDP return codes.
const (
	XDPAborted uint32 = iota
	XDPDrop
	XDPPass
	XDPTx
	XDPRedirect
)

const passLabel = "pass"

// counterInstructions returns the counter program bound to the map
// named mapName. The map reference is resolved when the collection is
// loaded, so the program never looks the map up by name at runtime.
func counterInstructions(mapName string) asm.Instructions {
	return asm.Instructions{
		// *(u32 *)(fp - 4) = 0
		asm.StoreImm(asm.RFP, -4, 0, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapName),
		asm.FnMapLookupElem.Call(),
		// Lookup failed: skip the increment, still pass the packet.
		asm.JEq.Imm(asm.R0, 0, passLabel),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, int32(XDPPass)).WithSymbol(passLabel),
		asm.Return(),
	}
}

// CounterSpec returns a fresh collection spec for the built-in counter
// program and its map. Each call returns an independent copy.
func CounterSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			pktcount.DefaultMapName: {
				Name:       pktcount.DefaultMapName,
				Type:       ebpf.Array,
				KeySize:    counterstore.CounterSpec.KeySize,
				ValueSize:  counterstore.CounterSpec.ValueSize,
				MaxEntries: counterstore.CounterSpec.MaxEntries,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			pktcount.DefaultProgramName: {
				Name:         pktcount.DefaultProgramName,
				Type:         ebpf.XDP,
				License:      pktcount.License,
				Instructions: counterInstructions(pktcount.DefaultMapName),
			},
		},
	}
}

// Spec returns the validated collection spec for img. Any failure is
// reported as a *pktcount.LoadError.
func Spec(img pktcount.Image) (*ebpf.CollectionSpec, error) {
	img = img.WithDefaults()

	var spec *ebpf.CollectionSpec
	if img.Builtin() {
		spec = CounterSpec()
	} else {
		var err error
		spec, err = ebpf.LoadCollectionSpecFromReader(bytes.NewReader(img.Object))
		if err != nil {
			return nil, &pktcount.LoadError{Program: img.ProgramName, Err: fmt.Errorf("parse object %s: %w", img.Source, err)}
		}
	}

	if err := Validate(spec, img); err != nil {
		return nil, &pktcount.LoadError{Program: img.ProgramName, Err: err}
	}
	return spec, nil
}

// Validate checks that spec carries an XDP program named
// img.ProgramName with a license, and a map named img.MapName whose
// layout matches the counter map.
func Validate(spec *ebpf.CollectionSpec, img pktcount.Image) error {
	img = img.WithDefaults()

	var errs []error
	prog, ok := spec.Programs[img.ProgramName]
	switch {
	case !ok:
		errs = append(errs, fmt.Errorf("program %q not found in image", img.ProgramName))
	case prog.Type != ebpf.XDP:
		errs = append(errs, fmt.Errorf("program %q has type %s, want XDP", img.ProgramName, prog.Type))
	case prog.License == "":
		errs = append(errs, fmt.Errorf("program %q has no license", img.ProgramName))
	}

	ms, ok := spec.Maps[img.MapName]
	if !ok {
		errs = append(errs, fmt.Errorf("map %q not found in image", img.MapName))
	} else if err := counterstore.CounterSpec.Matches(Layout(ms)); err != nil {
		errs = append(errs, fmt.Errorf("map %q: %w", img.MapName, err))
	}

	return errors.Join(errs...)
}

// Layout converts a map spec into the counterstore descriptor.
func Layout(ms *ebpf.MapSpec) counterstore.Spec {
	return counterstore.Spec{
		Type:       mapType(ms.Type),
		KeySize:    ms.KeySize,
		ValueSize:  ms.ValueSize,
		MaxEntries: ms.MaxEntries,
	}
}

func mapType(t ebpf.MapType) counterstore.MapType {
	switch t {
	case ebpf.Array:
		return counterstore.MapTypeArray
	case ebpf.Hash:
		return counterstore.MapTypeHash
	default:
		return counterstore.MapType(strings.ToLower(t.String()))
	}
}
