package ebpf

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-pktcount"
)

func TestClassifyLoad(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantPerm  bool
		wantLoad  bool
		wantCause error
	}{
		{
			name:      "verifier rejection is a load error even though it carries EACCES",
			err:       fmt.Errorf("load program: %w", &ebpf.VerifierError{Cause: unix.EACCES}),
			wantLoad:  true,
			wantCause: unix.EACCES,
		},
		{
			name:     "EPERM is a permission error",
			err:      fmt.Errorf("map create: %w", unix.EPERM),
			wantPerm: true,
		},
		{
			name:     "unsupported feature is a load error",
			err:      fmt.Errorf("BPF_F_XDP_HAS_FRAGS: %w", ebpf.ErrNotSupported),
			wantLoad: true,
		},
		{
			name:     "anything else is a load error",
			err:      errors.New("boom"),
			wantLoad: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyLoad("count_packets", tt.err)

			var permErr *pktcount.PermissionError
			var loadErr *pktcount.LoadError
			assert.Equal(t, tt.wantPerm, errors.As(err, &permErr))
			assert.Equal(t, tt.wantLoad, errors.As(err, &loadErr))
			assert.ErrorIs(t, err, tt.err)
			if tt.wantCause != nil {
				assert.ErrorIs(t, err, tt.wantCause)
			}
		})
	}
}

func TestClassifyAttach(t *testing.T) {
	iface := pktcount.Interface{Name: "eth0", Index: 2, XDPProgramID: 17}

	t.Run("permission", func(t *testing.T) {
		err := classifyAttach(iface, fmt.Errorf("create link: %w", unix.EPERM))
		var permErr *pktcount.PermissionError
		assert.ErrorAs(t, err, &permErr)
	})

	t.Run("busy hook", func(t *testing.T) {
		err := classifyAttach(iface, fmt.Errorf("create link: %w", unix.EBUSY))
		var attachErr *pktcount.AttachError
		var already pktcount.ErrAlreadyAttached
		assert.ErrorAs(t, err, &attachErr)
		assert.ErrorAs(t, err, &already)
		assert.Equal(t, uint32(17), already.ProgramID)
		assert.ErrorIs(t, err, unix.EBUSY)
	})

	t.Run("missing device", func(t *testing.T) {
		err := classifyAttach(iface, unix.ENODEV)
		var notFound pktcount.ErrInterfaceNotFound
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("other", func(t *testing.T) {
		err := classifyAttach(iface, unix.EOPNOTSUPP)
		var attachErr *pktcount.AttachError
		assert.ErrorAs(t, err, &attachErr)
		assert.Equal(t, "eth0", attachErr.Interface)
	})
}

func TestXDPFlags(t *testing.T) {
	tests := []struct {
		mode        pktcount.AttachMode
		wantNetlink int
	}{
		{pktcount.AttachModeAuto, unix.XDP_FLAGS_UPDATE_IF_NOEXIST},
		{pktcount.AttachModeGeneric, unix.XDP_FLAGS_UPDATE_IF_NOEXIST | unix.XDP_FLAGS_SKB_MODE},
		{pktcount.AttachModeDriver, unix.XDP_FLAGS_UPDATE_IF_NOEXIST | unix.XDP_FLAGS_DRV_MODE},
		{pktcount.AttachModeOffload, unix.XDP_FLAGS_UPDATE_IF_NOEXIST | unix.XDP_FLAGS_HW_MODE},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.wantNetlink, netlinkFlags(tt.mode))
		})
	}
	assert.Zero(t, linkFlags(pktcount.AttachModeAuto))
}
