// Package lock provides a cross-process writer lock using flock(2)
// to protect mutations of attachment state under /run/pktcount.
//
// Design principle: "Illegal states unrepresentable" - use a non-forgeable
// scope token that proves the lock is held. Mutating operations require
// this token (compiler enforced).
//
// The lock is per open file description, so it also excludes other
// callers in the same process. Run must not be nested.
package lock

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// WriterScope represents the dynamic execution region in which the
// writer lock is held.
//
// Possession of a WriterScope is proof that the caller holds exclusive
// write access to the attachment records and pins. WriterScope is a
// capability, not a mutex: it cannot be constructed, locked, or
// unlocked by callers.
//
// A WriterScope is only obtained by executing code under lock.Run(...).
// The interface cannot be implemented outside this package due to the
// unexported marker method.
type WriterScope interface {
	// FD returns the raw lock file descriptor (for logging/diagnostics).
	FD() int

	// Path returns the lock file path.
	Path() string

	// writerScopeMarker is unexported to prevent external implementations.
	writerScopeMarker()
}

type writerScope struct {
	f *os.File
}

func (*writerScope) writerScopeMarker() {}

func (s *writerScope) FD() int {
	return int(s.f.Fd())
}

func (s *writerScope) Path() string {
	return s.f.Name()
}

// Run acquires the writer lock, executes fn, then releases.
// The WriterScope proves to callees that the lock is held.
// Uses LOCK_EX|LOCK_NB with exponential backoff, respects ctx cancellation.
func Run(ctx context.Context, lockPath string, fn func(context.Context, WriterScope) error) error {
	f, err := acquireWriter(ctx, lockPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &writerScope{f: f})
}

// acquireWriter opens the lock file and acquires exclusive lock.
func acquireWriter(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for writer lock %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
