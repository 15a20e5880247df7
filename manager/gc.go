package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/lock"
)

// GCConfig configures garbage collection behaviour.
type GCConfig struct {
	// DryRun reports what would be reclaimed without touching
	// anything.
	DryRun bool

	// IncludeOrphanPins controls whether pin directories with no
	// attachment record are collected.
	IncludeOrphanPins bool
}

// DefaultGCConfig returns the configuration used at daemon startup.
func DefaultGCConfig() GCConfig {
	return GCConfig{IncludeOrphanPins: true}
}

// GCReason describes why an item is considered garbage.
type GCReason string

const (
	// GCDeadOwner indicates an attachment record whose owning process
	// has exited without detaching. A netlink attachment left behind
	// by it is still bound to the interface.
	GCDeadOwner GCReason = "dead_owner"

	// GCOrphanPin indicates a pin directory under the runtime bpffs
	// with no attachment record. This happens when a process dies
	// between pinning the map and persisting the record.
	GCOrphanPin GCReason = "orphan_pin"
)

// GCItem represents a single item identified for garbage collection.
type GCItem struct {
	Reason  GCReason
	Record  pktcount.AttachmentRecord
	PinPath string
	Age     time.Duration
}

// GCItemResult records the outcome of attempting to clean up an item.
type GCItemResult struct {
	Item    GCItem
	Deleted bool
	Error   error
}

// GCResult summarises a GC run.
type GCResult struct {
	Attempted int
	Deleted   int
	Failed    int
	Skipped   int
	Items     []GCItemResult
}

// GC reclaims state left behind by processes that exited without
// detaching. It holds the writer lock for the whole run, so no attach
// is in flight while it scans.
func (m *Manager) GC(ctx context.Context, cfg GCConfig) (GCResult, error) {
	var result GCResult
	err := lock.Run(ctx, m.dirs.Lock(), func(ctx context.Context, _ lock.WriterScope) error {
		items, err := m.planGC(ctx, cfg)
		if err != nil {
			return err
		}
		result = m.applyGC(ctx, cfg, items)
		return nil
	})
	return result, err
}

func (m *Manager) planGC(ctx context.Context, cfg GCConfig) ([]GCItem, error) {
	records, err := m.store.ListAttachments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	now := m.now()
	known := make(map[string]bool, len(records))
	var items []GCItem

	for _, rec := range records {
		known[rec.ID] = true
		if !m.stale(rec) {
			continue
		}
		items = append(items, GCItem{
			Reason:  GCDeadOwner,
			Record:  rec,
			PinPath: rec.MapPin,
			Age:     now.Sub(rec.CreatedAt),
		})
	}

	if !cfg.IncludeOrphanPins {
		return items, nil
	}

	entries, err := os.ReadDir(m.dirs.FS())
	if err != nil {
		if os.IsNotExist(err) {
			return items, nil
		}
		return nil, fmt.Errorf("read pin root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		item := GCItem{
			Reason:  GCOrphanPin,
			PinPath: filepath.Join(m.dirs.FS(), entry.Name()),
		}
		if info, err := entry.Info(); err == nil {
			item.Age = now.Sub(info.ModTime())
		}
		items = append(items, item)
	}
	return items, nil
}

// stale reports whether rec belongs to no running process. A record
// claiming this process that is not among the live handles is stale
// too: its owner was an earlier process that happened to get the same
// PID.
func (m *Manager) stale(rec pktcount.AttachmentRecord) bool {
	if rec.OwnerPID == m.pid {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, h := range m.active {
			if h.record.ID == rec.ID {
				return false
			}
		}
		return true
	}
	return !m.alive(rec.OwnerPID)
}

func (m *Manager) applyGC(ctx context.Context, cfg GCConfig, items []GCItem) GCResult {
	result := GCResult{Items: make([]GCItemResult, 0, len(items))}

	if cfg.DryRun {
		for _, item := range items {
			result.Items = append(result.Items, GCItemResult{Item: item})
		}
		result.Skipped = len(items)
		return result
	}

	for _, item := range items {
		result.Attempted++
		itemResult := GCItemResult{Item: item}

		var err error
		switch item.Reason {
		case GCDeadOwner:
			err = m.reclaimRecord(ctx, item.Record)
		case GCOrphanPin:
			err = m.reclaimPinDir(item.PinPath)
		}

		if err != nil {
			itemResult.Error = err
			result.Failed++
			m.logger.Warn("gc item failed", "reason", item.Reason, "id", item.Record.ID, "pin", item.PinPath, "error", err)
		} else {
			itemResult.Deleted = true
			result.Deleted++
			m.logger.Info("gc reclaimed", "reason", item.Reason, "id", item.Record.ID, "interface", item.Record.Interface, "pin", item.PinPath)
		}
		result.Items = append(result.Items, itemResult)
	}
	return result
}

// reclaimRecord undoes what a dead owner left behind. A BPF link died
// with its owner, but a netlink attachment is still on the interface
// unless its namespace is gone. The record is only deleted once the
// kernel side is clean so a failure is retried on the next run.
func (m *Manager) reclaimRecord(ctx context.Context, rec pktcount.AttachmentRecord) error {
	if rec.Backend == pktcount.BackendNetlink && namespaceExists(rec.Netns) {
		if err := m.kernel.DetachXDP(ctx, rec.Ifindex, rec.Netns, rec.ProgramID); err != nil {
			return fmt.Errorf("detach program %d from %s: %w", rec.ProgramID, rec.Interface, err)
		}
	}
	if rec.MapPin != "" {
		if err := m.kernel.UnpinMap(rec.MapPin); err != nil {
			return err
		}
	}
	return m.store.DeleteAttachment(ctx, rec.ID)
}

func (m *Manager) reclaimPinDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if err := m.kernel.UnpinMap(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove pin directory: %w", err)
	}
	return nil
}

func namespaceExists(path string) bool {
	if path == "" {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

// processAlive reports whether pid names a running process. EPERM
// means the process exists but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
