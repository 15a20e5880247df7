// Package netns identifies network namespaces and runs code inside
// them. Container interfaces are reached by entering the container's
// namespace for the duration of a resolve or attach.
package netns

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

const selfPath = "/proc/self/ns/net"

// PathForPID returns the network namespace path of a process, the form
// container runtimes hand out for a sandbox.
func PathForPID(pid int) string {
	return "/proc/" + strconv.Itoa(pid) + "/ns/net"
}

// GetCurrentNsid returns the inode number of the current network
// namespace. The inode uniquely identifies the namespace for as long as
// it exists.
func GetCurrentNsid() (uint64, error) {
	return GetNsid("")
}

// GetNsid returns the inode number of the network namespace at the given path.
// If path is empty, returns the current namespace's inode.
func GetNsid(path string) (uint64, error) {
	if path == "" {
		path = selfPath
	}
	var stat syscall.Stat_t
	if err := syscall.Stat(path, &stat); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return stat.Ino, nil
}

// Run executes fn in the network namespace specified by path.
// If path is empty, fn is executed in the current namespace (no switch).
//
// The calling goroutine is locked to its OS thread while fn runs. If
// the original namespace cannot be restored the thread is left locked
// so that the runtime discards it rather than reusing it in the wrong
// namespace.
//
// Usage:
//
//	err := netns.Run("/proc/1234/ns/net", func() error {
//	    // operations in target namespace
//	    return nil
//	})
func Run(path string, fn func() error) error {
	if path == "" {
		return fn()
	}

	runtime.LockOSThread()
	restored := false
	defer func() {
		if restored {
			runtime.UnlockOSThread()
		}
	}()

	originalNS, err := os.Open(selfPath)
	if err != nil {
		restored = true
		return fmt.Errorf("open current netns: %w", err)
	}
	defer originalNS.Close()

	targetNS, err := os.Open(path)
	if err != nil {
		restored = true
		return fmt.Errorf("open target netns %s: %w", path, err)
	}
	defer targetNS.Close()

	if err := unix.Setns(int(targetNS.Fd()), unix.CLONE_NEWNET); err != nil {
		restored = true
		return fmt.Errorf("setns to %s: %w", path, err)
	}

	defer func() {
		restored = unix.Setns(int(originalNS.Fd()), unix.CLONE_NEWNET) == nil
	}()

	return fn()
}
