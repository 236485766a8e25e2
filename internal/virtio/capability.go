package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtcore/internal/devices/pci"
)

// CapabilityKind is the cfg_type of a virtio vendor capability.
type CapabilityKind uint8

const (
	CapabilityCommon CapabilityKind = capCommonCfg
	CapabilityNotify CapabilityKind = capNotifyCfg
	CapabilityISR    CapabilityKind = capISRCfg
	CapabilityDevice CapabilityKind = capDeviceCfg
	CapabilityPCI    CapabilityKind = capPCICfg
)

func (k CapabilityKind) String() string {
	switch k {
	case CapabilityCommon:
		return "common"
	case CapabilityNotify:
		return "notify"
	case CapabilityISR:
		return "isr"
	case CapabilityDevice:
		return "device"
	case CapabilityPCI:
		return "pci"
	default:
		return fmt.Sprintf("cfg_type(%d)", uint8(k))
	}
}

// CapabilityRecord locates one configuration structure inside a BAR.
type CapabilityRecord struct {
	Kind   CapabilityKind
	BAR    uint8
	Offset uint32
	Length uint32
	// Address is the physical address of the structure.
	Address uint64
}

// Capabilities is the located set of configuration structures.
type Capabilities struct {
	Common CapabilityRecord
	Notify CapabilityRecord
	ISR    CapabilityRecord
	Device CapabilityRecord
	// PCI is the optional PCI configuration access window.
	PCI *CapabilityRecord

	NotifyOffMultiplier uint32
}

// LocateCapabilities walks the capability list of fn and returns the
// configuration structures the transport needs. The first capability of
// each kind wins. It never writes device registers other than the BAR
// sizing fn.BARs performs.
func LocateCapabilities(fn pci.Function) (*Capabilities, error) {
	list, err := pci.Capabilities(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCapability, err)
	}
	bars, err := fn.BARs()
	if err != nil {
		return nil, fmt.Errorf("enumerate BARs: %w", err)
	}

	found := make(map[CapabilityKind]CapabilityRecord)
	caps := &Capabilities{}
	for _, c := range list {
		if c.ID != pci.CapIDVendorSpecific {
			continue
		}
		raw, err := pci.ReadBytes(fn, c.Offset, capLen)
		if err != nil {
			return nil, fmt.Errorf("read capability at %#x: %w", c.Offset, err)
		}
		kind := CapabilityKind(raw[capOffCfgType])
		if kind < CapabilityCommon || kind > CapabilityPCI {
			continue
		}
		if _, dup := found[kind]; dup {
			continue
		}
		if raw[capOffLen] < capLen {
			return nil, &CapabilityError{Kind: kind, Reason: fmt.Sprintf("cap_len %d too short", raw[capOffLen])}
		}
		rec := CapabilityRecord{
			Kind:   kind,
			BAR:    raw[capOffBAR],
			Offset: binary.LittleEndian.Uint32(raw[capOffOffset:]),
			Length: binary.LittleEndian.Uint32(raw[capOffLength:]),
		}

		if kind == CapabilityPCI {
			// The access window is addressed through config space, not
			// through its BAR.
			found[kind] = rec
			caps.PCI = &rec
			continue
		}

		if kind == CapabilityNotify {
			if raw[capOffLen] < notifyCapLen {
				return nil, &CapabilityError{Kind: kind, Reason: fmt.Sprintf("cap_len %d lacks notify_off_multiplier", raw[capOffLen])}
			}
			mul, err := fn.ReadConfig(c.Offset+capOffMultiplier, 4)
			if err != nil {
				return nil, fmt.Errorf("read notify multiplier: %w", err)
			}
			caps.NotifyOffMultiplier = mul
		}

		if err := resolveRecord(&rec, bars); err != nil {
			return nil, err
		}
		found[kind] = rec
	}

	for _, kind := range []CapabilityKind{CapabilityCommon, CapabilityNotify, CapabilityISR, CapabilityDevice} {
		if _, ok := found[kind]; !ok {
			return nil, &CapabilityError{Kind: kind, Reason: "missing"}
		}
	}
	caps.Common = found[CapabilityCommon]
	caps.Notify = found[CapabilityNotify]
	caps.ISR = found[CapabilityISR]
	caps.Device = found[CapabilityDevice]

	if caps.Common.Length < commonCfgLen {
		return nil, &CapabilityError{Kind: CapabilityCommon, Reason: fmt.Sprintf("length %#x shorter than %#x", caps.Common.Length, commonCfgLen)}
	}
	if caps.ISR.Length < 1 {
		return nil, &CapabilityError{Kind: CapabilityISR, Reason: "zero length"}
	}
	return caps, nil
}

func resolveRecord(rec *CapabilityRecord, bars []pci.BAR) error {
	if rec.BAR > 5 {
		return &CapabilityError{Kind: rec.Kind, Reason: fmt.Sprintf("BAR index %d out of range", rec.BAR)}
	}
	bar, ok := pci.FindBAR(bars, int(rec.BAR))
	if !ok {
		return &CapabilityError{Kind: rec.Kind, Reason: fmt.Sprintf("BAR %d not implemented", rec.BAR)}
	}
	if !bar.IsMemory() {
		return &CapabilityError{Kind: rec.Kind, Reason: fmt.Sprintf("BAR %d is not a memory BAR", rec.BAR)}
	}
	end := uint64(rec.Offset) + uint64(rec.Length)
	if end > bar.Size {
		return &CapabilityError{Kind: rec.Kind, Reason: fmt.Sprintf("offset %#x + length %#x overflows BAR %d of %#x bytes", rec.Offset, rec.Length, rec.BAR, bar.Size)}
	}
	rec.Address = bar.Address + uint64(rec.Offset)
	return nil
}
