package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/config"
	"github.com/frobware/go-pktcount/logging"
	"github.com/frobware/go-pktcount/manager"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context, error) {
	t.Helper()
	var c CLI
	parser, err := kong.New(&c, KongOptions()...)
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	return &c, ctx, err
}

func TestParseRunInterface(t *testing.T) {
	tests := []struct {
		arg  string
		want pktcount.InterfaceRef
	}{
		{"eth0", pktcount.InterfaceRef{Name: "eth0"}},
		{"3", pktcount.InterfaceRef{Index: 3}},
		{"veth1a2b", pktcount.InterfaceRef{Name: "veth1a2b"}},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			c, ctx, err := parse(t, "run", tt.arg)
			require.NoError(t, err)
			assert.Equal(t, "run <interface>", ctx.Command())
			assert.Equal(t, tt.want, c.Run.Interface)
		})
	}
}

func TestParseRunRejectsBadIndex(t *testing.T) {
	_, _, err := parse(t, "run", "-1")
	require.Error(t, err)

	_, _, err = parse(t, "run", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestParseDefaults(t *testing.T) {
	c, _, err := parse(t, "status")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRuntimeBase, c.RuntimeDir)
	assert.Equal(t, config.DefaultConfigPath, c.Config)
	assert.Equal(t, "ebpf", c.Kernel)
	assert.Equal(t, OutputFormatTable, c.Status.Output)
}

func TestParseKernelEnum(t *testing.T) {
	c, _, err := parse(t, "--kernel=sim", "selftest", "-n", "10")
	require.NoError(t, err)
	assert.Equal(t, "sim", c.Kernel)
	assert.Equal(t, uint32(10), c.Selftest.Packets)
	assert.True(t, c.Selftest.Interface.IsZero())

	_, _, err = parse(t, "--kernel=qemu", "status")
	require.Error(t, err)
}

func TestAttachRequestUsesConfigDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Attach.Mode = "driver"
	cfg.Attach.Backend = "netlink"

	req, err := attachRequest(cfg, pktcount.InterfaceRef{Name: "eth0"}, "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, pktcount.AttachModeDriver, req.Mode)
	assert.Equal(t, pktcount.BackendNetlink, req.Backend)
	assert.True(t, req.Image.Builtin())

	req, err = attachRequest(cfg, pktcount.InterfaceRef{Name: "eth0"}, "/proc/1/ns/net", "generic", "link", "")
	require.NoError(t, err)
	assert.Equal(t, pktcount.AttachModeGeneric, req.Mode)
	assert.Equal(t, pktcount.BackendLink, req.Backend)
	assert.Equal(t, "/proc/1/ns/net", req.Netns)
}

func TestAttachRequestObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.o")
	require.NoError(t, os.WriteFile(path, []byte("\x7fELF"), 0o644))

	req, err := attachRequest(config.DefaultConfig(), pktcount.InterfaceRef{Index: 1}, "", "", "", path)
	require.NoError(t, err)
	assert.False(t, req.Image.Builtin())
	assert.Equal(t, path, req.Image.Source)

	_, err = attachRequest(config.DefaultConfig(), pktcount.InterfaceRef{Index: 1}, "", "", "", path+".missing")
	require.Error(t, err)

	_, err = attachRequest(config.DefaultConfig(), pktcount.InterfaceRef{Index: 1}, "", "bogus", "", "")
	require.Error(t, err)
}

func simCLI(t *testing.T) *CLI {
	t.Helper()
	return &CLI{
		RuntimeDir: t.TempDir(),
		Config:     filepath.Join(t.TempDir(), "missing.toml"),
		Kernel:     "sim",
	}
}

func TestSelftestSim(t *testing.T) {
	c := simCLI(t)
	ctx := context.Background()
	env, err := c.newRuntime(ctx, logging.Discard())
	require.NoError(t, err)
	defer env.Close(ctx)
	require.NotNil(t, env.Sim)

	req, err := attachRequest(env.Config, pktcount.InterfaceRef{Name: "lo"}, "", "generic", "", "")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, selftest(ctx, env.Manager, req, 500, &out, logging.Discard()))
	assert.Contains(t, out.String(), "attached to lo")
	assert.Contains(t, out.String(), "counter 0 -> 500")
	assert.Contains(t, out.String(), "detached; ok")

	assert.Zero(t, env.Sim.LivePrograms())
	assert.Zero(t, env.Sim.LiveLinks())
	assert.Empty(t, env.Manager.Handles())
}

func TestSelftestUnknownInterface(t *testing.T) {
	c := simCLI(t)
	ctx := context.Background()
	env, err := c.newRuntime(ctx, logging.Discard())
	require.NoError(t, err)
	defer env.Close(ctx)

	req, err := attachRequest(env.Config, pktcount.InterfaceRef{Name: "eth9"}, "", "", "", "")
	require.NoError(t, err)

	var out bytes.Buffer
	err = selftest(ctx, env.Manager, req, 10, &out, logging.Discard())
	require.Error(t, err)
	var notFound pktcount.ErrInterfaceNotFound
	assert.True(t, errors.As(err, &notFound), "got %v", err)
	assert.Empty(t, out.String())
}

func TestSimRuntimeScratchDir(t *testing.T) {
	c := &CLI{
		RuntimeDir: config.DefaultRuntimeBase,
		Config:     filepath.Join(t.TempDir(), "missing.toml"),
		Kernel:     "sim",
	}
	ctx := context.Background()
	env, err := c.newRuntime(ctx, logging.Discard())
	require.NoError(t, err)

	base := env.Dirs.Base()
	assert.NotEqual(t, config.DefaultRuntimeBase, base)
	assert.DirExists(t, base)

	require.NoError(t, env.Close(ctx))
	assert.NoDirExists(t, base)
	assert.NoDirExists(t, base+"-sock")
}

func TestFormatGCResult(t *testing.T) {
	var out bytes.Buffer
	formatGCResult(&out, manager.GCResult{}, true)
	assert.Equal(t, "Nothing to clean up.\n", out.String())

	result := manager.GCResult{
		Attempted: 2,
		Deleted:   1,
		Failed:    1,
		Items: []manager.GCItemResult{
			{
				Item: manager.GCItem{
					Reason: manager.GCDeadOwner,
					Record: pktcount.AttachmentRecord{ID: "r1", Interface: "eth0", Backend: pktcount.BackendNetlink, OwnerPID: 4242},
					Age:    90 * time.Second,
				},
				Deleted: true,
			},
			{
				Item: manager.GCItem{
					Reason:  manager.GCOrphanPin,
					PinPath: "/run/pktcount/fs/r2",
				},
				Error: errors.New("device or resource busy"),
			},
		},
	}

	out.Reset()
	formatGCResult(&out, result, false)
	text := out.String()
	assert.Contains(t, text, "dead_owner  id=r1  interface=eth0  backend=netlink  owner=4242  age=1m30s")
	assert.Contains(t, text, "orphan_pin  path=/run/pktcount/fs/r2")
	assert.Contains(t, text, "error: device or resource busy")
	assert.Contains(t, text, "Reclaimed 1 of 2 item(s), 1 failed.")

	out.Reset()
	formatGCResult(&out, result, true)
	assert.Contains(t, out.String(), "Dry run: 2 item(s) would be reclaimed")
}

func TestFormatStatusTable(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, formatStatusTable(&out, pktcount.Status{
		StateName: "attached",
		Count:     12,
		Record: pktcount.AttachmentRecord{
			ID:        "a1",
			Interface: "eth0",
			Ifindex:   2,
			Mode:      pktcount.AttachModeGeneric,
			Backend:   pktcount.BackendLink,
			ProgramID: 7,
			MapID:     8,
		},
	}))
	text := out.String()
	assert.Contains(t, text, "state:")
	assert.Contains(t, text, "attached")
	assert.Contains(t, text, "eth0 (ifindex 2)")
	assert.Contains(t, text, "12")
	assert.NotContains(t, text, "map pin")

	out.Reset()
	require.NoError(t, formatStatusTable(&out, pktcount.Status{StateName: "unattached", LastError: "no such device"}))
	assert.NotContains(t, out.String(), "interface:")
	assert.Contains(t, out.String(), "no such device")
}

func TestReadPrint(t *testing.T) {
	var out bytes.Buffer
	cmd := ReadCmd{}
	cmd.Output = OutputFormatTable
	require.NoError(t, cmd.print(&out, 42))
	assert.Equal(t, "42\n", out.String())

	out.Reset()
	cmd.Output = OutputFormatJSON
	require.NoError(t, cmd.print(&out, 42))
	assert.JSONEq(t, `{"count": 42}`, out.String())
}
