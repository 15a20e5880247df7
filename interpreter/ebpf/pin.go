package ebpf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/interpreter"
)

// PinMap pins the program's counter map at path, creating the parent
// directory. The directory must live on a mounted bpffs.
func (k *kernelAdapter) PinMap(ctx context.Context, prog interpreter.Program, path string) error {
	p, ok := prog.(*kernelProgram)
	if !ok {
		return fmt.Errorf("program %T was not loaded by the kernel adapter", prog)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pin directory: %w", err)
	}
	if err := pinWithRetry(p.m, path); err != nil {
		if isPermission(err) {
			return &pktcount.PermissionError{Op: "pin map " + path, Err: err}
		}
		return fmt.Errorf("pin map to %s: %w", path, err)
	}
	k.logger.Debug("pinned map", "path", path, "map_id", p.mapID)
	return nil
}

// pinWithRetry retries a pin that fails with EEXIST caused by a
// previous pin at the same path still being torn down.
func pinWithRetry(m *ebpf.Map, path string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = m.Pin(path); err == nil || !errors.Is(err, os.ErrExist) {
			return err
		}
		time.Sleep(10 * time.Millisecond << attempt)
	}
	return err
}

// UnpinMap removes a map pin and its directory if that is now empty.
// Returns nil if the pin does not exist.
func (k *kernelAdapter) UnpinMap(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pin %s: %w", path, err)
	}
	// Only an empty directory is removed; anything else is left alone.
	if err := os.Remove(filepath.Dir(path)); err != nil && !os.IsNotExist(err) {
		k.logger.Debug("pin directory not removed", "path", filepath.Dir(path), "error", err)
	}
	return nil
}
