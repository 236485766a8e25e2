package pci

import (
	"errors"
	"fmt"
)

// Type 0 header offsets.
const (
	OffsetVendorID         = 0x00
	OffsetDeviceID         = 0x02
	OffsetCommand          = 0x04
	OffsetStatus           = 0x06
	OffsetRevision         = 0x08
	OffsetClass            = 0x0b
	OffsetHeaderType       = 0x0e
	OffsetSubsystemVendor  = 0x2c
	OffsetSubsystemID      = 0x2e
	OffsetCapabilities     = 0x34
	OffsetInterruptLine    = 0x3c
	OffsetInterruptPin     = 0x3d
	headerSize             = 0x40
	configSpaceSize        = 0x1000
	headerTypeMultiFunc    = 0x80
	type0BAROffset         = 0x10
	type0BARCount          = 6
	type0BARStride         = 4
	barAttrMaskMemory      = 0xf
	barAttrMaskIO          = 0x3
	barIOSpace             = 0x1
	barMemTypeMask         = 0x6
	barMemType64           = 0x4
	barMemPrefetchable     = 0x8
	VendorInvalid          = 0xffff
	ClassBridge            = 0x06
	StatusInterrupt        = 1 << 3
	StatusCapabilitiesList = 1 << 4
	CommandIOSpace         = 1 << 0
	CommandMemorySpace     = 1 << 1
	CommandBusMaster       = 1 << 2
	CommandIntxDisable     = 1 << 10
)

// Function is a PCI function the transport can address registers through.
type Function interface {
	ConfigSpace
	Address() Address
	BARs() ([]BAR, error)
}

// BARKind distinguishes the address space a BAR decodes.
type BARKind uint8

const (
	BARMemory32 BARKind = iota
	BARMemory64
	BARIO
)

func (k BARKind) String() string {
	switch k {
	case BARMemory32:
		return "mem32"
	case BARMemory64:
		return "mem64"
	case BARIO:
		return "io"
	default:
		return fmt.Sprintf("BARKind(%d)", uint8(k))
	}
}

// BAR describes one implemented base address register.
type BAR struct {
	Index        int
	Kind         BARKind
	Address      uint64
	Size         uint64
	Prefetchable bool
}

// IsMemory reports whether the BAR decodes memory space.
func (b BAR) IsMemory() bool {
	return b.Kind == BARMemory32 || b.Kind == BARMemory64
}

// FindBAR returns the BAR with the supplied index.
func FindBAR(bars []BAR, index int) (BAR, bool) {
	for _, bar := range bars {
		if bar.Index == index {
			return bar, true
		}
	}
	return BAR{}, false
}

var errNoUpperHalf = errors.New("pci: 64-bit BAR in last slot")

// ProbeBARs sizes every BAR of a type 0 function. Memory and I/O decoding
// are disabled for the duration and the original values are restored.
func ProbeBARs(cs ConfigSpace) ([]BAR, error) {
	cmd, err := cs.ReadConfig(OffsetCommand, 2)
	if err != nil {
		return nil, fmt.Errorf("read command: %w", err)
	}
	if err := cs.WriteConfig(OffsetCommand, 2, cmd&^(CommandMemorySpace|CommandIOSpace)); err != nil {
		return nil, fmt.Errorf("disable decoding: %w", err)
	}
	defer cs.WriteConfig(OffsetCommand, 2, cmd)

	var bars []BAR
	for i := 0; i < type0BARCount; i++ {
		off := uint16(type0BAROffset + i*type0BARStride)
		low, lowMask, err := sizeRegister(cs, off)
		if err != nil {
			return bars, fmt.Errorf("size BAR %d: %w", i, err)
		}

		if low&barIOSpace != 0 {
			mask := lowMask &^ barAttrMaskIO & 0xffff
			if mask == 0 {
				continue
			}
			bars = append(bars, BAR{
				Index:   i,
				Kind:    BARIO,
				Address: uint64(low &^ barAttrMaskIO),
				Size:    uint64(^mask&0xffff) + 1,
			})
			continue
		}

		bar := BAR{
			Index:        i,
			Kind:         BARMemory32,
			Address:      uint64(low &^ barAttrMaskMemory),
			Prefetchable: low&barMemPrefetchable != 0,
		}
		if low&barMemTypeMask != barMemType64 && lowMask&^barAttrMaskMemory == 0 {
			continue
		}
		mask := uint64(lowMask&^barAttrMaskMemory) | 0xffff_ffff_0000_0000
		if low&barMemTypeMask == barMemType64 {
			if i+1 >= type0BARCount {
				return bars, errNoUpperHalf
			}
			high, highMask, err := sizeRegister(cs, off+type0BARStride)
			if err != nil {
				return bars, fmt.Errorf("size BAR %d upper half: %w", i, err)
			}
			bar.Kind = BARMemory64
			bar.Address |= uint64(high) << 32
			mask = uint64(highMask)<<32 | uint64(lowMask&^barAttrMaskMemory)
			i++
		}
		if mask == 0 {
			continue
		}
		bar.Size = ^mask + 1
		bars = append(bars, bar)
	}
	return bars, nil
}

func sizeRegister(cs ConfigSpace, off uint16) (uint32, uint32, error) {
	orig, err := cs.ReadConfig(off, 4)
	if err != nil {
		return 0, 0, err
	}
	if err := cs.WriteConfig(off, 4, 0xffff_ffff); err != nil {
		return 0, 0, err
	}
	mask, err := cs.ReadConfig(off, 4)
	if err != nil {
		return 0, 0, err
	}
	if err := cs.WriteConfig(off, 4, orig); err != nil {
		return 0, 0, err
	}
	return orig, mask, nil
}

// EnableBusMaster turns on memory decoding and bus mastering and lets the
// function assert INTx.
func EnableBusMaster(cs ConfigSpace) error {
	cmd, err := cs.ReadConfig(OffsetCommand, 2)
	if err != nil {
		return fmt.Errorf("read command: %w", err)
	}
	next := (cmd | CommandMemorySpace | CommandBusMaster) &^ CommandIntxDisable
	if next == cmd {
		return nil
	}
	if err := cs.WriteConfig(OffsetCommand, 2, next); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// ReadBytes copies n bytes of configuration space starting at off.
func ReadBytes(cs ConfigSpace, off uint16, n int) ([]byte, error) {
	if n < 0 || int(off)+n > configSpaceSize {
		return nil, fmt.Errorf("pci: config read [%#x, +%d) out of range", off, n)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		cur := off + uint16(len(out))
		remaining := n - len(out)
		size := pickConfigAccessSize(cur, remaining)
		value, err := cs.ReadConfig(cur, size)
		if err != nil {
			return out, fmt.Errorf("pci: read config %#x: %w", cur, err)
		}
		for i := uint8(0); i < size; i++ {
			out = append(out, byte(value>>(8*i)))
		}
	}
	return out, nil
}
