//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-pktcount/config"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/interpreter/ebpf"
	"github.com/frobware/go-pktcount/interpreter/store/sqlite"
	"github.com/frobware/go-pktcount/logging"
	"github.com/frobware/go-pktcount/manager"
)

// TestEnv provides an isolated runtime directory, record database and
// manager backed by the real kernel.
type TestEnv struct {
	T       *testing.T
	Dirs    config.RuntimeDirs
	Store   interpreter.AttachmentStore
	Kernel  interpreter.KernelOperations
	Manager *manager.Manager
	logger  *slog.Logger
}

// NewTestEnv creates an isolated environment under
// /tmp/pktcount-e2e-<pid>-<testname>/. Extra manager options are
// applied after the defaults.
func NewTestEnv(t *testing.T, opts ...manager.Option) *TestEnv {
	t.Helper()

	base := filepath.Join(os.TempDir(), fmt.Sprintf("pktcount-e2e-%d-%s", os.Getpid(), sanitizeTestName(t.Name())))
	dirs, err := config.NewRuntimeDirs(base)
	require.NoError(t, err)
	require.NoError(t, dirs.EnsureDirectories())

	logger := testLogger(t)
	store, err := sqlite.New(context.Background(), dirs.DBPath(), logger)
	require.NoError(t, err)

	kernel := ebpf.New(ebpf.WithLogger(logger))
	env := &TestEnv{
		T:       t,
		Dirs:    dirs,
		Store:   store,
		Kernel:  kernel,
		Manager: manager.New(dirs, store, kernel, append([]manager.Option{manager.WithLogger(logger)}, opts...)...),
		logger:  logger,
	}
	t.Cleanup(env.cleanup)
	return env
}

// NewManager returns a second manager sharing the environment's
// directories, store and kernel, as another process would.
func (e *TestEnv) NewManager(opts ...manager.Option) *manager.Manager {
	return manager.New(e.Dirs, e.Store, e.Kernel, append([]manager.Option{manager.WithLogger(e.logger)}, opts...)...)
}

func (e *TestEnv) cleanup() {
	if err := e.Manager.Close(context.Background()); err != nil {
		e.T.Logf("warning: manager close: %v", err)
	}
	e.Store.Close()

	if isMounted(e.Dirs.FS()) {
		if err := unix.Unmount(e.Dirs.FS(), unix.MNT_DETACH); err != nil {
			e.T.Logf("warning: failed to unmount bpffs at %s: %v", e.Dirs.FS(), err)
		}
	}
	if err := os.RemoveAll(e.Dirs.Base()); err != nil {
		e.T.Logf("warning: failed to remove %s: %v", e.Dirs.Base(), err)
	}
	if err := os.RemoveAll(e.Dirs.Sock()); err != nil {
		e.T.Logf("warning: failed to remove %s: %v", e.Dirs.Sock(), err)
	}
}

// testLogger honours PKTCOUNT_LOG, e.g. PKTCOUNT_LOG=info,manager=debug.
// Without it only errors are logged.
func testLogger(t *testing.T) *slog.Logger {
	spec := os.Getenv(logging.EnvVar)
	if spec == "" {
		spec = "error"
	}
	logger, err := logging.New(logging.Options{
		EnvSpec: spec,
		Format:  logging.FormatText,
		Output:  os.Stderr,
	})
	if err != nil {
		t.Fatalf("invalid %s spec: %v", logging.EnvVar, err)
	}
	return logger
}

// RequireRoot fails the test if not running as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Fatal("test requires root privileges")
	}
}

var vethSeq atomic.Uint32

// NewVethPair creates a veth pair, brings both ends up and deletes it
// when the test ends. Frames written to the first end arrive on the
// second.
func NewVethPair(t *testing.T) (tx, rx string) {
	t.Helper()

	n := vethSeq.Add(1)
	tx = fmt.Sprintf("pkt%d-%da", os.Getpid()%10000, n)
	rx = fmt.Sprintf("pkt%d-%db", os.Getpid()%10000, n)

	veth := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: tx}, PeerName: rx}
	require.NoError(t, netlink.LinkAdd(veth), "create veth pair")
	t.Cleanup(func() {
		if err := netlink.LinkDel(veth); err != nil {
			t.Logf("warning: delete veth %s: %v", tx, err)
		}
	})

	for _, name := range []string{tx, rx} {
		link, err := netlink.LinkByName(name)
		require.NoError(t, err)
		require.NoError(t, netlink.LinkSetUp(link))
	}
	return tx, rx
}

// SendFrames writes n broadcast Ethernet frames out of ifname.
func SendFrames(t *testing.T, ifname string, n int) {
	t.Helper()

	link, err := netlink.LinkByName(ifname)
	require.NoError(t, err)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	require.NoError(t, err)
	defer unix.Close(fd)

	frame := make([]byte, 60)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], link.Attrs().HardwareAddr)
	// IEEE 802 local experimental ethertype.
	frame[12], frame[13] = 0x88, 0xb5

	addr := &unix.SockaddrLinklayer{Ifindex: link.Attrs().Index, Halen: 6}
	for range n {
		require.NoError(t, unix.Sendto(fd, frame, 0, addr))
	}
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// AttachedXDP returns the id of the XDP program on ifname, or zero.
func AttachedXDP(t *testing.T, ifname string) uint32 {
	t.Helper()
	link, err := netlink.LinkByName(ifname)
	require.NoError(t, err)
	if xdp := link.Attrs().Xdp; xdp != nil && xdp.Attached {
		return xdp.ProgId
	}
	return 0
}

func sanitizeTestName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, " ", "_")
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

func isMounted(path string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == path {
			return true
		}
	}
	return false
}

// cleanupStaleTestDirs removes directories left by crashed runs whose
// process no longer exists.
func cleanupStaleTestDirs() {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "pktcount-e2e-*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		parts := strings.Split(filepath.Base(path), "-")
		if len(parts) >= 3 {
			if pid, err := strconv.Atoi(parts[2]); err == nil {
				if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err == nil {
					continue
				}
			}
		}
		if fs := filepath.Join(path, "fs"); isMounted(fs) {
			_ = unix.Unmount(fs, unix.MNT_DETACH)
		}
		os.RemoveAll(path)
	}
}
