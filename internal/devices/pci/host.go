package pci

import (
	"fmt"
	"sync"
)

// ConfigSpace is configuration space access for one function.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint is a simulated function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
}

// Root complex identity reported at 00:00.0.
const (
	rootVendorID = 0x1af4
	rootDeviceID = 0x0001
)

const (
	defaultConfigBase = 0x3000_0000
	defaultConfigSize = 1 << 20 // bus 0 only
	defaultMMIOBase   = 0x4000_0000
	defaultMMIOSize   = 0x1000_0000
)

// HostBridgeConfig places the ECAM window and the BAR window in the
// physical address space. Zero fields take defaults.
type HostBridgeConfig struct {
	ConfigBase uint64
	ConfigSize uint64
	MMIOBase   uint64
	MMIOSize   uint64
	// MaxBus is the highest bus number decoded.
	MaxBus uint8
}

// barWindow hands out naturally aligned ranges of the BAR window in
// increasing order. Ranges are never returned.
type barWindow struct {
	start, end uint64
	next       uint64
}

func (w *barWindow) reserve(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("pci: BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("pci: BAR alignment %#x is not a power of two", align)
	}
	base := (w.next + align - 1) &^ (align - 1)
	if base < w.next || base+size < base || base+size > w.end {
		return 0, fmt.Errorf("pci: BAR window exhausted reserving %#x bytes", size)
	}
	w.next = base + size
	return base, nil
}

type slot struct {
	cs   ConfigSpace
	bars [type0BARCount]uint64
}

// DeviceHandle is returned by RegisterEndpoint for BAR placement.
type DeviceHandle struct {
	host *HostBridge
	addr Address
}

// Address returns where the endpoint was registered.
func (h *DeviceHandle) Address() Address { return h.addr }

// AllocateMemoryBAR reserves space in the BAR window for BAR index and
// returns its base address.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("pci: BAR index %d out of range", index)
	}
	return h.host.reserveBAR(h.addr, index, uint64(size), uint64(align))
}

// HostBridge is a simulated ECAM root complex. The config window is served
// through ReadMMIO and WriteMMIO so it can be placed in a physmem.Arena.
type HostBridge struct {
	configBase uint64
	configSize uint64
	maxBus     uint8

	mu      sync.Mutex
	window  barWindow
	devices map[Address]*slot
}

// NewHostBridge creates a host bridge with no endpoints.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	if cfg.ConfigBase == 0 {
		cfg.ConfigBase = defaultConfigBase
	}
	if cfg.ConfigSize == 0 {
		cfg.ConfigSize = defaultConfigSize
	}
	if cfg.MMIOBase == 0 {
		cfg.MMIOBase = defaultMMIOBase
	}
	if cfg.MMIOSize == 0 {
		cfg.MMIOSize = defaultMMIOSize
	}
	return &HostBridge{
		configBase: cfg.ConfigBase,
		configSize: cfg.ConfigSize,
		maxBus:     cfg.MaxBus,
		window: barWindow{
			start: cfg.MMIOBase,
			end:   cfg.MMIOBase + cfg.MMIOSize,
			next:  cfg.MMIOBase,
		},
		devices: make(map[Address]*slot),
	}
}

// ConfigWindow returns the physical base and size of the ECAM window.
func (h *HostBridge) ConfigWindow() (uint64, uint64) {
	return h.configBase, h.configSize
}

// RegisterEndpoint places endpoint at bus:device.function.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	addr := Address{Bus: bus, Device: device, Function: function}
	switch {
	case endpoint == nil || endpoint.ConfigSpace() == nil:
		return nil, fmt.Errorf("pci: endpoint at %s has no config space", addr)
	case bus > h.maxBus:
		return nil, fmt.Errorf("pci: bus %d beyond bridge range (max %d)", bus, h.maxBus)
	case device > 0x1f || function > 0x7:
		return nil, fmt.Errorf("pci: invalid location %02x.%x", device, function)
	case addr == Address{}:
		return nil, fmt.Errorf("pci: %s is the root complex", addr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.devices[addr]; ok {
		return nil, fmt.Errorf("pci: %s already registered", addr)
	}
	h.devices[addr] = &slot{cs: endpoint.ConfigSpace()}
	return &DeviceHandle{host: h, addr: addr}, nil
}

func (h *HostBridge) reserveBAR(addr Address, index int, size, align uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.devices[addr]
	if !ok {
		return 0, fmt.Errorf("pci: %s not registered", addr)
	}
	base, err := h.window.reserve(size, align)
	if err != nil {
		return 0, err
	}
	s.bars[index] = base
	return base, nil
}

func (h *HostBridge) lookup(addr Address) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.devices[addr]; ok {
		return s.cs
	}
	return nil
}

// ReadMMIO serves a read from the ECAM window. Absent functions read as
// all-ones.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	return h.access(addr, data, false)
}

// WriteMMIO serves a write to the ECAM window. Writes to absent functions
// and to the root complex are dropped.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	return h.access(addr, data, true)
}

func (h *HostBridge) access(addr uint64, data []byte, write bool) error {
	if addr < h.configBase || addr-h.configBase+uint64(len(data)) > h.configSize {
		return fmt.Errorf("pci: ECAM access at %#x+%d outside window", addr, len(data))
	}
	off := addr - h.configBase
	for len(data) > 0 {
		fn, reg := decodeECAMOffset(off)
		size := pickConfigAccessSize(reg, len(data))
		chunk := data[:size]
		if write {
			h.writeConfig(fn, reg, size, leValue(chunk))
		} else {
			putLE(chunk, h.readConfig(fn, reg, size))
		}
		data = data[size:]
		off += uint64(size)
	}
	return nil
}

func (h *HostBridge) readConfig(fn Address, reg uint16, size uint8) uint32 {
	if fn.Bus > h.maxBus {
		return 0xffff_ffff
	}
	if fn == (Address{}) {
		return rootConfig(reg, size)
	}
	cs := h.lookup(fn)
	if cs == nil {
		return 0xffff_ffff
	}
	v, err := cs.ReadConfig(reg, size)
	if err != nil {
		return 0xffff_ffff
	}
	return v
}

func (h *HostBridge) writeConfig(fn Address, reg uint16, size uint8, value uint32) {
	if fn.Bus > h.maxBus || fn == (Address{}) {
		return
	}
	if cs := h.lookup(fn); cs != nil {
		_ = cs.WriteConfig(reg, size, value)
	}
}

// rootConfig reads the header of the root complex: identity and the host
// bridge class code, zero elsewhere.
func rootConfig(reg uint16, size uint8) uint32 {
	dword := func(off uint16) uint32 {
		switch off {
		case OffsetVendorID:
			return rootVendorID | rootDeviceID<<16
		case OffsetRevision:
			return ClassBridge << 24
		}
		return 0
	}
	aligned := reg &^ 3
	return dword(aligned) >> ((reg - aligned) * 8) & sizeMask(size)
}

func sizeMask(size uint8) uint32 {
	return uint32(uint64(1)<<(size*8) - 1)
}

func leValue(b []byte) uint32 {
	var v uint32
	for i, c := range b {
		v |= uint32(c) << (8 * i)
	}
	return v
}

func putLE(b []byte, v uint32) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

// pickConfigAccessSize returns the widest naturally aligned access at reg
// that fits in remaining bytes.
func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	switch {
	case reg%4 == 0 && remaining >= 4:
		return 4
	case reg%2 == 0 && remaining >= 2:
		return 2
	}
	return 1
}
