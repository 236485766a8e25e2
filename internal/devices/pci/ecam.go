package pci

import "fmt"

// Window is width-exact register access to a mapped region.
type Window interface {
	Len() int
	Read8(off int) uint8
	Read16(off int) uint16
	Read32(off int) uint32
	Write8(off int, value uint8)
	Write16(off int, value uint16)
	Write32(off int, value uint32)
}

const (
	ecamBusShift      = 20
	ecamDeviceShift   = 15
	ecamFunctionShift = 12
)

func decodeECAMOffset(offset uint64) (Address, uint16) {
	return Address{
		Bus:      uint8((offset >> ecamBusShift) & 0xff),
		Device:   uint8((offset >> ecamDeviceShift) & 0x1f),
		Function: uint8((offset >> ecamFunctionShift) & 0x7),
	}, uint16(offset & 0xfff)
}

func ecamOffset(addr Address) int {
	return int(addr.Bus)<<ecamBusShift | int(addr.Device)<<ecamDeviceShift | int(addr.Function)<<ecamFunctionShift
}

// ECAM reads configuration space through a memory-mapped enhanced
// configuration window covering one segment.
type ECAM struct {
	w      Window
	domain uint16
}

// NewECAM wraps a mapped ECAM window.
func NewECAM(w Window, domain uint16) *ECAM {
	return &ECAM{w: w, domain: domain}
}

// Function returns the function at addr.
func (e *ECAM) Function(addr Address) (Function, error) {
	if addr.Domain != e.domain {
		return nil, fmt.Errorf("pci: %s outside ECAM segment %04x", addr, e.domain)
	}
	base := ecamOffset(addr)
	if base+configSpaceSize > e.w.Len() {
		return nil, fmt.Errorf("pci: %s beyond ECAM window", addr)
	}
	return &ecamFunction{w: e.w, addr: addr, base: base}, nil
}

// Scan lists the functions that respond in the window.
func (e *ECAM) Scan() []Address {
	var found []Address
	buses := e.w.Len() >> ecamBusShift
	for bus := 0; bus < buses && bus <= 0xff; bus++ {
		for dev := uint8(0); dev <= 0x1f; dev++ {
			for fn := uint8(0); fn <= 0x7; fn++ {
				addr := Address{Domain: e.domain, Bus: uint8(bus), Device: dev, Function: fn}
				base := ecamOffset(addr)
				if e.w.Read16(base+OffsetVendorID) == VendorInvalid {
					if fn == 0 {
						break
					}
					continue
				}
				found = append(found, addr)
				if fn == 0 && e.w.Read8(base+OffsetHeaderType)&headerTypeMultiFunc == 0 {
					break
				}
			}
		}
	}
	return found
}

type ecamFunction struct {
	w    Window
	addr Address
	base int
}

func (f *ecamFunction) Address() Address { return f.addr }

func (f *ecamFunction) BARs() ([]BAR, error) { return ProbeBARs(f) }

func (f *ecamFunction) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}
	off := f.base + int(offset)
	switch size {
	case 1:
		return uint32(f.w.Read8(off)), nil
	case 2:
		return uint32(f.w.Read16(off)), nil
	default:
		return f.w.Read32(off), nil
	}
}

func (f *ecamFunction) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}
	off := f.base + int(offset)
	switch size {
	case 1:
		f.w.Write8(off, uint8(value))
	case 2:
		f.w.Write16(off, uint16(value))
	default:
		f.w.Write32(off, value)
	}
	return nil
}

func checkConfigAccess(offset uint16, size uint8) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci: unsupported config access size %d", size)
	}
	if offset%uint16(size) != 0 {
		return fmt.Errorf("pci: unaligned %d-byte config access at %#x", size, offset)
	}
	if int(offset)+int(size) > configSpaceSize {
		return fmt.Errorf("pci: config access at %#x out of range", offset)
	}
	return nil
}
