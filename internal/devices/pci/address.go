package pci

import (
	"fmt"
	"strings"
)

// Address identifies a PCI function by segment, bus, device and function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// ParseAddress parses "dddd:bb:dd.f" or the short "bb:dd.f" form.
func ParseAddress(s string) (Address, error) {
	var (
		domain, bus, dev, fn uint
		err                  error
	)
	switch strings.Count(s, ":") {
	case 2:
		_, err = fmt.Sscanf(s, "%x:%x:%x.%x", &domain, &bus, &dev, &fn)
	case 1:
		_, err = fmt.Sscanf(s, "%x:%x.%x", &bus, &dev, &fn)
	default:
		return Address{}, fmt.Errorf("pci: malformed address %q", s)
	}
	if err != nil {
		return Address{}, fmt.Errorf("pci: parse address %q: %w", s, err)
	}
	if domain > 0xffff || bus > 0xff || dev > 0x1f || fn > 0x7 {
		return Address{}, fmt.Errorf("pci: address %q out of range", s)
	}
	return Address{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Device:   uint8(dev),
		Function: uint8(fn),
	}, nil
}
