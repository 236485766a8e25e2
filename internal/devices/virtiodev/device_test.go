package virtiodev

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/physmem"
)

func writeDescriptor(table []byte, idx uint16, desc Descriptor) {
	base := int(idx) * descSize
	binary.LittleEndian.PutUint64(table[base:], desc.Addr)
	binary.LittleEndian.PutUint32(table[base+8:], desc.Len)
	binary.LittleEndian.PutUint16(table[base+12:], desc.Flags)
	binary.LittleEndian.PutUint16(table[base+14:], desc.Next)
}

func TestWalkChain(t *testing.T) {
	const size = 4

	t.Run("SingleDescriptor", func(t *testing.T) {
		table := make([]byte, size*descSize)
		writeDescriptor(table, 0, Descriptor{Addr: 0x4000, Len: 100})

		descs, err := walkChain(table, size, 0)
		require.NoError(t, err)
		require.Len(t, descs, 1)
		assert.Equal(t, uint64(0x4000), descs[0].Addr)
		assert.Equal(t, uint32(100), descs[0].Len)
		assert.False(t, descs[0].Writable())
	})

	t.Run("MultiDescriptorChain", func(t *testing.T) {
		table := make([]byte, size*descSize)
		writeDescriptor(table, 0, Descriptor{Addr: 0x4000, Len: 50, Flags: descFNext, Next: 1})
		writeDescriptor(table, 1, Descriptor{Addr: 0x5000, Len: 75, Flags: descFNext | descFWrite, Next: 2})
		writeDescriptor(table, 2, Descriptor{Addr: 0x6000, Len: 25})

		descs, err := walkChain(table, size, 0)
		require.NoError(t, err)
		require.Len(t, descs, 3)
		assert.False(t, descs[0].Writable())
		assert.True(t, descs[1].Writable())
		assert.Equal(t, uint64(0x6000), descs[2].Addr)

		chain := Chain{Head: 0, Descriptors: descs}
		assert.Equal(t, uint32(75), chain.Capacity())
	})

	t.Run("CircularChainProtection", func(t *testing.T) {
		table := make([]byte, size*descSize)
		writeDescriptor(table, 0, Descriptor{Addr: 0x4000, Len: 10, Flags: descFNext, Next: 1})
		writeDescriptor(table, 1, Descriptor{Addr: 0x5000, Len: 10, Flags: descFNext, Next: 0})

		descs, err := walkChain(table, size, 0)
		require.Error(t, err)
		assert.Len(t, descs, size)
	})

	t.Run("OutOfBoundsIndex", func(t *testing.T) {
		table := make([]byte, size*descSize)
		writeDescriptor(table, 0, Descriptor{Addr: 0x4000, Len: 10, Flags: descFNext, Next: 9})

		_, err := walkChain(table, size, 0)
		require.ErrorContains(t, err, "out of range")
	})

	t.Run("Indirect", func(t *testing.T) {
		table := make([]byte, size*descSize)
		writeDescriptor(table, 0, Descriptor{Addr: 0x4000, Len: 16, Flags: descFIndirect})

		_, err := walkChain(table, size, 0)
		require.Error(t, err)
	})
}

func TestNeedEvent(t *testing.T) {
	for _, tc := range []struct {
		event, newIdx, old uint16
		want               bool
	}{
		{event: 0, newIdx: 1, old: 0, want: true},
		{event: 5, newIdx: 3, old: 2, want: false},
		{event: 5, newIdx: 6, old: 2, want: true},
		{event: 5, newIdx: 7, old: 6, want: false},
		{event: 0xFFFF, newIdx: 0, old: 0xFFFE, want: true},
	} {
		assert.Equal(t, tc.want, needEvent(tc.event, tc.newIdx, tc.old), "event=%d new=%d old=%d", tc.event, tc.newIdx, tc.old)
	}
}

type testRig struct {
	platform *Platform
	dev      *Device
	fn       pci.Function
	loop     *Loopback
	common   physmem.Mapping
	isr      physmem.Mapping
	devcfg   physmem.Mapping
}

func newTestRig(t *testing.T, faults Faults) *testRig {
	t.Helper()
	p, err := NewPlatform(4 << 20)
	require.NoError(t, err)
	loop := NewLoopback(2, 16, false)
	dev, fn, _, err := p.Attach(Config{
		Slot:       4,
		DeviceType: 1,
		Features:   []uint64{featureEventIdx},
		Handler:    loop,
		Faults:     faults,
	})
	require.NoError(t, err)

	mapRegion := func(r region) physmem.Mapping {
		m, err := p.Memory.Map(r.addr, int(r.length), physmem.Uncacheable)
		require.NoError(t, err)
		return m
	}
	return &testRig{
		platform: p,
		dev:      dev,
		fn:       fn,
		loop:     loop,
		common:   mapRegion(dev.common),
		isr:      mapRegion(dev.isr),
		devcfg:   mapRegion(dev.devcfg),
	}
}

func TestDeviceIdentity(t *testing.T) {
	rig := newTestRig(t, Faults{})

	assert.Contains(t, rig.platform.ECAM.Scan(), pci.Address{Device: 4})

	vendor, err := rig.fn.ReadConfig(pci.OffsetVendorID, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(vendorID), vendor)
	device, err := rig.fn.ReadConfig(pci.OffsetDeviceID, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1041), device)

	bars, err := rig.fn.BARs()
	require.NoError(t, err)
	common, ok := pci.FindBAR(bars, 0)
	require.True(t, ok)
	assert.Equal(t, rig.dev.common.addr, common.Address)
	cfg, ok := pci.FindBAR(bars, 4)
	require.True(t, ok)
	assert.Equal(t, pci.BARMemory64, cfg.Kind)
	assert.Equal(t, rig.dev.devcfg.addr, cfg.Address)
}

func TestCapabilityList(t *testing.T) {
	kinds := func(t *testing.T, cs pci.ConfigSpace) []uint8 {
		caps, err := pci.Capabilities(cs)
		require.NoError(t, err)
		var out []uint8
		for _, c := range caps {
			require.Equal(t, uint8(pci.CapIDVendorSpecific), c.ID)
			kind, err := cs.ReadConfig(c.Offset+3, 1)
			require.NoError(t, err)
			out = append(out, uint8(kind))
		}
		return out
	}

	rig := newTestRig(t, Faults{})
	assert.Equal(t, []uint8{CapCommon, CapNotify, CapISR, CapDevice, CapPCI}, kinds(t, rig.fn))

	rig = newTestRig(t, Faults{DropCapability: CapISR})
	assert.Equal(t, []uint8{CapCommon, CapNotify, CapDevice, CapPCI}, kinds(t, rig.fn))
}

func TestISRReadClears(t *testing.T) {
	rig := newTestRig(t, Faults{})

	rig.dev.ChangeConfig()
	assert.Equal(t, uint8(isrConfig), rig.isr.Read8(0))
	assert.Equal(t, uint8(0), rig.isr.Read8(0))
}

func TestStatusAndFeatures(t *testing.T) {
	rig := newTestRig(t, Faults{RejectFeatures: featureEventIdx})

	rig.common.Write32(commonDFSelect, 1)
	assert.Equal(t, uint32(featureVersion1>>32), rig.common.Read32(commonDF))
	rig.common.Write32(commonDFSelect, 0)
	assert.Equal(t, uint32(featureEventIdx), rig.common.Read32(commonDF))

	rig.common.Write8(commonStatus, 1|2)
	rig.common.Write32(commonGFSelect, 1)
	rig.common.Write32(commonGF, 1)
	rig.common.Write8(commonStatus, 1|2|StatusFeaturesOK)
	assert.Equal(t, uint8(1|2|StatusFeaturesOK), rig.common.Read8(commonStatus))

	rig.common.Write8(commonStatus, 0)
	assert.Equal(t, uint8(0), rig.common.Read8(commonStatus))
	assert.Equal(t, uint64(0), rig.dev.DriverFeatures())

	rig.common.Write32(commonGFSelect, 0)
	rig.common.Write32(commonGF, uint32(featureEventIdx))
	rig.common.Write32(commonGFSelect, 1)
	rig.common.Write32(commonGF, 1)
	rig.common.Write8(commonStatus, 1|2|StatusFeaturesOK)
	assert.Zero(t, rig.common.Read8(commonStatus)&StatusFeaturesOK, "rejected features must clear FEATURES_OK")
}

func TestStaleResetReads(t *testing.T) {
	rig := newTestRig(t, Faults{ResetReads: 2})

	rig.common.Write8(commonStatus, 1)
	rig.common.Write8(commonStatus, 0)
	assert.Equal(t, uint8(1), rig.common.Read8(commonStatus))
	assert.Equal(t, uint8(1), rig.common.Read8(commonStatus))
	assert.Equal(t, uint8(0), rig.common.Read8(commonStatus))
}

func TestDeviceConfigAccess(t *testing.T) {
	rig := newTestRig(t, Faults{})
	rig.loop.SetConfig(4, 0xAABBCCDD)

	assert.Equal(t, uint32(0xAABBCCDD), rig.devcfg.Read32(4))
	assert.Equal(t, uint16(0xAABB), rig.devcfg.Read16(6))
	assert.Equal(t, uint8(0xCC), rig.devcfg.Read8(5))

	gen := rig.common.Read8(commonCfgGeneration)
	rig.devcfg.Write8(4, 0x11)
	assert.Equal(t, uint32(0xAABBCC11), rig.loop.Config(4))
	assert.NotEqual(t, gen, rig.common.Read8(commonCfgGeneration))
}

// setupQueue programs queue 0 by hand the way a driver would and returns
// the ring memory.
func setupQueue(t *testing.T, rig *testRig, size uint16) (desc, avail, used *physmem.Buffer) {
	t.Helper()
	var err error
	desc, err = rig.platform.Memory.AllocDMA(int(size) * descSize)
	require.NoError(t, err)
	avail, err = rig.platform.Memory.AllocDMA(padded(6 + 2*int(size)))
	require.NoError(t, err)
	used, err = rig.platform.Memory.AllocDMA(padded(6 + usedElemSize*int(size)))
	require.NoError(t, err)

	rig.common.Write16(commonQSelect, 0)
	assert.Equal(t, uint16(16), rig.common.Read16(commonQSize))
	rig.common.Write16(commonQSize, size)
	rig.common.Write32(commonQDescLo, uint32(desc.Physical()))
	rig.common.Write32(commonQDescHi, uint32(desc.Physical()>>32))
	rig.common.Write32(commonQAvailLo, uint32(avail.Physical()))
	rig.common.Write32(commonQAvailHi, uint32(avail.Physical()>>32))
	rig.common.Write32(commonQUsedLo, uint32(used.Physical()))
	rig.common.Write32(commonQUsedHi, uint32(used.Physical()>>32))
	rig.common.Write16(commonQEnable, 1)
	require.True(t, rig.dev.QueueEnabled(0))
	return desc, avail, used
}

func TestLoopbackEcho(t *testing.T) {
	rig := newTestRig(t, Faults{})
	desc, avail, used := setupQueue(t, rig, 8)

	in, err := rig.platform.Memory.AllocDMA(64)
	require.NoError(t, err)
	out, err := rig.platform.Memory.AllocDMA(64)
	require.NoError(t, err)
	copy(in.Bytes(), "hello")

	writeDescriptor(desc.Bytes(), 0, Descriptor{Addr: in.Physical(), Len: 5, Flags: descFNext, Next: 1})
	writeDescriptor(desc.Bytes(), 1, Descriptor{Addr: out.Physical(), Len: 64, Flags: descFWrite})
	physmem.Store16(avail.Bytes(), 4, 0)
	physmem.Store16(avail.Bytes(), 2, 1)

	require.NoError(t, rig.dev.handleNotifyWrite(0, 0))

	assert.Equal(t, uint16(1), physmem.Load16(used.Bytes(), 2))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(used.Bytes()[4:]))
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(used.Bytes()[8:]))
	assert.Equal(t, "hello", string(out.Bytes()[:5]))
	assert.Equal(t, uint8(isrQueue), rig.isr.Read8(0))
	assert.Equal(t, uint64(1), rig.dev.Notifications(0))
}

func TestNoInterruptFlag(t *testing.T) {
	rig := newTestRig(t, Faults{})
	desc, avail, _ := setupQueue(t, rig, 8)

	out, err := rig.platform.Memory.AllocDMA(16)
	require.NoError(t, err)
	writeDescriptor(desc.Bytes(), 0, Descriptor{Addr: out.Physical(), Len: 16, Flags: descFWrite})
	physmem.Store16(avail.Bytes(), 0, availFNoInterrupt)
	physmem.Store16(avail.Bytes(), 4, 0)
	physmem.Store16(avail.Bytes(), 2, 1)

	n, err := rig.loop.Process(rig.dev, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint8(0), rig.isr.Read8(0))
}

func TestQueueSizeLimit(t *testing.T) {
	rig := newTestRig(t, Faults{QueueSize: 4})

	rig.common.Write16(commonQSelect, 1)
	assert.Equal(t, uint16(4), rig.common.Read16(commonQSize))
	rig.common.Write16(commonQSize, 8)
	assert.Equal(t, uint16(4), rig.common.Read16(commonQSize), "oversized queue must be refused")
	assert.Equal(t, uint16(1), rig.common.Read16(commonQNotifyOff))
	assert.Equal(t, uint16(msiNoVector), rig.common.Read16(commonQMSIX))
}
