package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/frobware/go-pktcount/bpffs"
)

// DefaultRuntimeBase is the production runtime root.
const DefaultRuntimeBase = "/run/pktcount"

// RuntimeDirs holds all runtime directory paths for pktcount.
//
//	{base}/              - runtime root
//	{base}/fs/           - bpffs mount for counter map pins
//	{base}/fs/{id}/      - pins of one attachment
//	{base}/db/           - attachment record database
//	{base}/.lock         - writer lock
//	{base}-sock/         - gRPC socket directory
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to create.
// Fields are unexported to prevent construction of invalid instances.
type RuntimeDirs struct {
	base string
	fs   string
	db   string
	sock string
	lock string
}

// DefaultRuntimeDirs returns RuntimeDirs with production defaults.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeBase)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs creates RuntimeDirs rooted at the given base path.
// All subdirectories are derived from the base.
//
// The socket directory is {base}-sock (e.g., /run/pktcount-sock) so it
// can be mounted into a less privileged reader separately.
//
// Returns an error if base is empty or not an absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)

	return RuntimeDirs{
		base: base,
		fs:   filepath.Join(base, "fs"),
		db:   filepath.Join(base, "db"),
		sock: base + "-sock",
		lock: filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root path (e.g., /run/pktcount).
func (d RuntimeDirs) Base() string { return d.base }

// FS returns the bpffs mount point path.
func (d RuntimeDirs) FS() string { return d.fs }

// DB returns the database directory path.
func (d RuntimeDirs) DB() string { return d.db }

// Sock returns the gRPC socket directory path.
func (d RuntimeDirs) Sock() string { return d.sock }

// Lock returns the writer lock file path.
func (d RuntimeDirs) Lock() string { return d.lock }

// SocketPath returns the full path to the gRPC socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "pktcount.sock")
}

// DBPath returns the full path to the SQLite database file.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "store.db")
}

// MapPinPath returns the pin path of an attachment's counter map.
// Format: {base}/fs/{attachmentID}/{mapName}
func (d RuntimeDirs) MapPinPath(attachmentID, mapName string) (string, error) {
	return bpffs.PinPath(d.fs, attachmentID, mapName)
}

// EnsureDirectories creates the core runtime directories. Call this at
// startup to fail fast on permission or configuration issues.
//
// Creates these directories (on regular filesystem):
//   - {base}/
//   - {base}/db/
//   - {base}-sock/
//
// bpffs is not mounted here; use EnsureFS when map pinning is enabled.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.sock} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureFS mounts bpffs at {base}/fs/ if it is not already mounted.
// This requires CAP_SYS_ADMIN; if the mount fails due to permissions,
// ensure bpffs is pre-mounted by the container runtime or systemd unit.
func (d RuntimeDirs) EnsureFS() error {
	if err := bpffs.EnsureMounted(bpffs.DefaultMountInfoPath, d.fs); err != nil {
		return fmt.Errorf("failed to ensure bpffs at %s: %w", d.fs, err)
	}
	return nil
}
