package pci

import (
	"errors"
	"fmt"
)

// Standard capability IDs.
const (
	CapIDPowerManagement = 0x01
	CapIDMSI             = 0x05
	CapIDVendorSpecific  = 0x09
	CapIDPCIExpress      = 0x10
	CapIDMSIX            = 0x11
)

// maxCapabilities bounds a walk of the 192 bytes after the header.
const maxCapabilities = (0x100 - headerSize) / 4

// ErrCapabilityList reports a capability list that cannot be walked.
var ErrCapabilityList = errors.New("pci: malformed capability list")

// Capability is one entry of the standard capability list.
type Capability struct {
	ID     uint8
	Offset uint16
	Next   uint8
}

// Capabilities walks the capability list of a function. A function without
// the capabilities-list status bit yields an empty list.
func Capabilities(cs ConfigSpace) ([]Capability, error) {
	status, err := cs.ReadConfig(OffsetStatus, 2)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if status&StatusCapabilitiesList == 0 {
		return nil, nil
	}
	ptr, err := cs.ReadConfig(OffsetCapabilities, 1)
	if err != nil {
		return nil, fmt.Errorf("read capability pointer: %w", err)
	}

	var caps []Capability
	for next := uint8(ptr) &^ 0x3; next != 0; {
		if next < headerSize {
			return caps, fmt.Errorf("%w: pointer %#x inside header", ErrCapabilityList, next)
		}
		if len(caps) >= maxCapabilities {
			return caps, fmt.Errorf("%w: loop at %#x", ErrCapabilityList, next)
		}
		hdr, err := cs.ReadConfig(uint16(next), 2)
		if err != nil {
			return caps, fmt.Errorf("read capability at %#x: %w", next, err)
		}
		capability := Capability{
			ID:     uint8(hdr),
			Offset: uint16(next),
			Next:   uint8(hdr>>8) &^ 0x3,
		}
		caps = append(caps, capability)
		next = capability.Next
	}
	return caps, nil
}
