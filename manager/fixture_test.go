package manager_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/config"
	"github.com/frobware/go-pktcount/interpreter"
	"github.com/frobware/go-pktcount/interpreter/sim"
	"github.com/frobware/go-pktcount/interpreter/store/sqlite"
	"github.com/frobware/go-pktcount/manager"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set PKTCOUNT_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("PKTCOUNT_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFixture provides access to all components for verification.
type testFixture struct {
	Manager *manager.Manager
	Kernel  *sim.Kernel
	Store   *flakyStore
	Dirs    config.RuntimeDirs
	t       *testing.T
}

// newTestFixture creates a manager over a simulated kernel with
// interfaces lo (1) and eth0 (2) and a real in-memory SQLite store.
func newTestFixture(t *testing.T, opts ...manager.Option) *testFixture {
	t.Helper()
	inner, err := sqlite.NewInMemory(context.Background(), testLogger())
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { inner.Close() })

	dirs, err := config.NewRuntimeDirs(t.TempDir())
	require.NoError(t, err, "failed to create runtime dirs")
	require.NoError(t, dirs.EnsureDirectories())

	kernel := sim.New(sim.WithLogger(testLogger()), sim.WithInterfaces("lo", "eth0"))
	store := &flakyStore{AttachmentStore: inner}

	base := []manager.Option{
		manager.WithLogger(testLogger()),
		manager.WithFSCheck(func() error { return nil }),
	}
	mgr := manager.New(dirs, store, kernel, append(base, opts...)...)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	return &testFixture{
		Manager: mgr,
		Kernel:  kernel,
		Store:   store,
		Dirs:    dirs,
		t:       t,
	}
}

// Attach attaches the built-in counter to iface and fails the test on
// error.
func (f *testFixture) Attach(iface string) *manager.Handle {
	f.t.Helper()
	h, err := f.Manager.Attach(context.Background(), manager.AttachRequest{
		Interface: pktcount.InterfaceRef{Name: iface},
	})
	require.NoError(f.t, err)
	return h
}

// AssertKernelEmpty verifies no programs, maps, links or pins remain.
func (f *testFixture) AssertKernelEmpty() {
	f.t.Helper()
	assert.Zero(f.t, f.Kernel.LivePrograms(), "expected no programs in kernel")
	assert.Zero(f.t, f.Kernel.LiveMaps(), "expected no maps in kernel")
	assert.Zero(f.t, f.Kernel.LiveLinks(), "expected no links in kernel")
	assert.Empty(f.t, f.Kernel.Pins(), "expected no pins")
}

// AssertDatabaseEmpty verifies no attachment records remain.
func (f *testFixture) AssertDatabaseEmpty() {
	f.t.Helper()
	records, err := f.Store.ListAttachments(context.Background())
	require.NoError(f.t, err, "failed to list attachments")
	assert.Empty(f.t, records, "expected no attachments in database")
}

// AssertCleanState verifies both kernel and database are empty.
func (f *testFixture) AssertCleanState() {
	f.t.Helper()
	f.AssertKernelEmpty()
	f.AssertDatabaseEmpty()
}

// flakyStore wraps an AttachmentStore so tests can make the next save
// or delete fail.
type flakyStore struct {
	interpreter.AttachmentStore
	failSave   error
	failDelete error
}

func (s *flakyStore) SaveAttachment(ctx context.Context, rec pktcount.AttachmentRecord) error {
	if err := s.failSave; err != nil {
		s.failSave = nil
		return err
	}
	return s.AttachmentStore.SaveAttachment(ctx, rec)
}

func (s *flakyStore) DeleteAttachment(ctx context.Context, id string) error {
	if err := s.failDelete; err != nil {
		s.failDelete = nil
		return err
	}
	return s.AttachmentStore.DeleteAttachment(ctx, id)
}

var errInjected = errors.New("injected failure")
