package virtio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/devices/virtiodev"
)

func TestLocateCapabilities(t *testing.T) {
	r := newRig(t, rigConfig{queues: 3})
	caps, err := LocateCapabilities(r.fn)
	require.NoError(t, err)

	bars, err := r.fn.BARs()
	require.NoError(t, err)
	bar0, ok := pci.FindBAR(bars, 0)
	require.True(t, ok)

	assert.Equal(t, CapabilityCommon, caps.Common.Kind)
	assert.Equal(t, uint8(0), caps.Common.BAR)
	assert.Equal(t, bar0.Address, caps.Common.Address)
	assert.GreaterOrEqual(t, caps.Common.Length, uint32(commonCfgLen))
	assert.Equal(t, uint32(4), caps.NotifyOffMultiplier)
	assert.Equal(t, uint32(12), caps.Notify.Length)
	assert.Equal(t, uint32(1), caps.ISR.Length)
	assert.Equal(t, uint32(0x1000), caps.Device.Length)
	require.NotNil(t, caps.PCI)
	assert.Equal(t, CapabilityPCI, caps.PCI.Kind)
}

func TestLocateCapabilitiesFaults(t *testing.T) {
	for _, tc := range []struct {
		name   string
		faults virtiodev.Faults
		kind   CapabilityKind
	}{
		{"MissingCommon", virtiodev.Faults{DropCapability: virtiodev.CapCommon}, CapabilityCommon},
		{"MissingNotify", virtiodev.Faults{DropCapability: virtiodev.CapNotify}, CapabilityNotify},
		{"MissingISR", virtiodev.Faults{DropCapability: virtiodev.CapISR}, CapabilityISR},
		{"MissingDevice", virtiodev.Faults{DropCapability: virtiodev.CapDevice}, CapabilityDevice},
		{"BadBAR", virtiodev.Faults{BadBARCapability: virtiodev.CapNotify}, CapabilityNotify},
		{"Overflow", virtiodev.Faults{OverflowCapability: virtiodev.CapDevice}, CapabilityDevice},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, rigConfig{faults: tc.faults})
			_, err := LocateCapabilities(r.fn)
			require.ErrorIs(t, err, ErrMalformedCapability)
			var capErr *CapabilityError
			require.True(t, errors.As(err, &capErr))
			assert.Equal(t, tc.kind, capErr.Kind)

			_, err = r.initialize(t, Options{})
			require.ErrorIs(t, err, ErrMalformedCapability)
			assert.Zero(t, r.dev.Status(), "discovery must not touch the status register")
		})
	}
}

func TestLocateCapabilitiesWithoutPCIWindow(t *testing.T) {
	r := newRig(t, rigConfig{faults: virtiodev.Faults{DropCapability: virtiodev.CapPCI}})
	caps, err := LocateCapabilities(r.fn)
	require.NoError(t, err)
	assert.Nil(t, caps.PCI)
}

func TestCapabilityKindString(t *testing.T) {
	assert.Equal(t, "common", CapabilityCommon.String())
	assert.Equal(t, "notify", CapabilityNotify.String())
}
