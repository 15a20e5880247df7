//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/counterstore"
	"github.com/frobware/go-pktcount/interpreter/ebpf"
	"github.com/frobware/go-pktcount/manager"
)

func TestMain(m *testing.M) {
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "e2e tests require root privileges")
		os.Exit(1)
	}
	cleanupStaleTestDirs()
	os.Exit(m.Run())
}

func TestLoopbackInjectReadDetach(t *testing.T) {
	RequireRoot(t)
	env := NewTestEnv(t)
	ctx := context.Background()

	h, err := env.Manager.Attach(ctx, manager.AttachRequest{
		Interface: pktcount.InterfaceRef{Name: "lo"},
		Mode:      pktcount.AttachModeGeneric,
	})
	require.NoError(t, err)
	assert.Equal(t, h.Record().ProgramID, AttachedXDP(t, "lo"))

	before, err := h.Read()
	require.NoError(t, err)
	require.NoError(t, h.Inject(ctx, 1000))
	after, err := h.Read()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after-before, uint64(1000))

	require.NoError(t, env.Manager.Detach(ctx, h))
	assert.Zero(t, AttachedXDP(t, "lo"), "program still attached after detach")

	_, err = h.Read()
	var readErr *pktcount.ReadError
	assert.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, counterstore.ErrClosed)
	assert.ErrorIs(t, h.Inject(ctx, 1), manager.ErrDetached)

	recs, err := env.Store.ListAttachments(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestVethCountsReceivedFrames(t *testing.T) {
	RequireRoot(t)
	env := NewTestEnv(t)
	ctx := context.Background()
	tx, rx := NewVethPair(t)

	h, err := env.Manager.Attach(ctx, manager.AttachRequest{
		Interface: pktcount.InterfaceRef{Name: rx},
		Mode:      pktcount.AttachModeGeneric,
	})
	require.NoError(t, err)
	defer env.Manager.Detach(ctx, h)

	// Reset discards anything the kernel sent while the link came up.
	require.NoError(t, h.Reset())
	SendFrames(t, tx, 250)

	require.Eventually(t, func() bool {
		n, err := h.Read()
		return err == nil && n >= 250
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSecondAttachRejected(t *testing.T) {
	RequireRoot(t)
	env := NewTestEnv(t)
	ctx := context.Background()
	_, rx := NewVethPair(t)

	req := manager.AttachRequest{Interface: pktcount.InterfaceRef{Name: rx}, Mode: pktcount.AttachModeGeneric}
	h, err := env.Manager.Attach(ctx, req)
	require.NoError(t, err)
	defer env.Manager.Detach(ctx, h)

	_, err = env.Manager.Attach(ctx, req)
	var attachErr *pktcount.AttachError
	require.True(t, errors.As(err, &attachErr), "got %v", err)
	var already pktcount.ErrAlreadyAttached
	require.True(t, errors.As(err, &already), "got %v", err)
	assert.Equal(t, h.Record().ProgramID, already.ProgramID)
	assert.Equal(t, h.Record().ProgramID, AttachedXDP(t, rx))
}

func TestPinnedMapReadableByPath(t *testing.T) {
	RequireRoot(t)
	env := NewTestEnv(t, manager.WithMapPinning(true))
	ctx := context.Background()

	h, err := env.Manager.Attach(ctx, manager.AttachRequest{
		Interface: pktcount.InterfaceRef{Name: "lo"},
		Mode:      pktcount.AttachModeGeneric,
	})
	require.NoError(t, err)
	pin := h.Record().MapPin
	require.NotEmpty(t, pin)

	require.NoError(t, h.Inject(ctx, 64))

	reader, err := ebpf.OpenPinnedCounter(pin)
	require.NoError(t, err)
	pinned, err := reader.Value()
	require.NoError(t, err)
	direct, err := h.Read()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pinned, uint64(64))
	assert.LessOrEqual(t, pinned, direct)
	require.NoError(t, reader.Close())

	require.NoError(t, env.Manager.Detach(ctx, h))
	assert.NoFileExists(t, pin)
}

func TestGCDetachesNetlinkAttachmentOfDeadOwner(t *testing.T) {
	RequireRoot(t)
	env := NewTestEnv(t)
	ctx := context.Background()
	_, rx := NewVethPair(t)

	h, err := env.Manager.Attach(ctx, manager.AttachRequest{
		Interface: pktcount.InterfaceRef{Name: rx},
		Mode:      pktcount.AttachModeGeneric,
		Backend:   pktcount.BackendNetlink,
	})
	require.NoError(t, err)
	progID := h.Record().ProgramID
	require.Equal(t, progID, AttachedXDP(t, rx))

	// A second manager that believes every owner is dead stands in for
	// a restart after a crash.
	restarted := env.NewManager(manager.WithProcessChecker(func(int) bool { return false }))
	result, err := restarted.GC(ctx, manager.DefaultGCConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Zero(t, result.Failed)
	assert.Zero(t, AttachedXDP(t, rx), "netlink attachment survived gc")

	recs, err := env.Store.ListAttachments(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLinkBackendReleasedOnClose(t *testing.T) {
	RequireRoot(t)
	env := NewTestEnv(t)
	ctx := context.Background()
	_, rx := NewVethPair(t)

	_, err := env.Manager.Attach(ctx, manager.AttachRequest{
		Interface: pktcount.InterfaceRef{Name: rx},
		Mode:      pktcount.AttachModeGeneric,
		Backend:   pktcount.BackendLink,
	})
	require.NoError(t, err)
	require.NotZero(t, AttachedXDP(t, rx))

	require.NoError(t, env.Manager.Close(ctx))
	assert.Zero(t, AttachedXDP(t, rx))
	assert.Empty(t, env.Manager.Handles())
}
