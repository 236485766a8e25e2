// Package virtiodev is a simulated virtio-pci device. It implements the
// device side of the transport on top of a physmem.Arena and a pci.HostBridge
// so the driver can be exercised against real register and ring layouts.
package virtiodev

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/irq"
	"github.com/tinyrange/virtcore/internal/physmem"
)

const (
	vendorID            = 0x1AF4
	deviceIDModernBase  = 0x1040
	featureVersion1     = uint64(1) << 32
	featureEventIdx     = uint64(1) << 29
	featureNotifyData   = uint64(1) << 38
	msiNoVector         = 0xFFFF
	defaultIRQLine      = 10
	interruptPinINTA    = 0x01
	capStart            = 0x40
	vendorCapID         = 0x09
	capLen              = 16
	notifyCapLen        = 20
	pciCfgCapLen        = 20
	commonCfgLength     = 0x38
	deviceCfgLength     = 0x1000
	notifyOffMultiplier = 4
	type0BARCount       = 6
	type0BAROffset      = 0x10
	barAttrMaskMemory   = 0xf
	barMemType64        = 0x4
	statusCapList       = 0x10
)

// virtio_pci_cap cfg_type values.
const (
	CapCommon = 1
	CapNotify = 2
	CapISR    = 3
	CapDevice = 4
	CapPCI    = 5
)

// Device status bits the simulation reacts to.
const (
	StatusDriverOK   = 4
	StatusFeaturesOK = 8
	StatusFailed     = 128
)

const (
	isrQueue  = 1 << 0
	isrConfig = 1 << 1
)

// Handler implements the device class behind the transport.
type Handler interface {
	NumQueues() int
	QueueMaxSize(queue int) uint16
	OnReset(d *Device)
	OnQueueNotify(d *Device, queue int) error
	ReadConfig(d *Device, offset uint64) (value uint32, handled bool, err error)
	WriteConfig(d *Device, offset uint64, value uint32) (handled bool, err error)
}

// Faults makes the device misbehave in specific ways.
type Faults struct {
	// RejectFeatures refuses FEATURES_OK when the driver accepts any of
	// these feature bits.
	RejectFeatures uint64
	// DropCapability omits the capability with this cfg_type.
	DropCapability uint8
	// BadBARCapability points the capability with this cfg_type at a BAR
	// index that does not exist.
	BadBARCapability uint8
	// OverflowCapability makes the capability with this cfg_type extend
	// past the end of its BAR.
	OverflowCapability uint8
	// QueueSize overrides the maximum size reported for every queue.
	QueueSize uint16
	// QueueSizes overrides the maximum size of individual queues. Zero
	// marks the queue as not implemented.
	QueueSizes map[int]uint16
	// ResetReads is how many status reads still return the old status
	// after a reset is written.
	ResetReads int
}

// Config describes the simulated function.
type Config struct {
	Bus, Slot, Function uint8
	// DeviceType is the virtio device id, e.g. 1 for net.
	DeviceType uint16
	// Features are offered in addition to VERSION_1.
	Features []uint64
	Handler  Handler
	Faults   Faults
	Logger   *slog.Logger
}

type region struct {
	kind   uint8
	bar    uint8
	offset uint32
	length uint32
	addr   uint64
}

func (r region) contains(addr uint64, width int) bool {
	return r.length != 0 && r.addr != 0 && addr >= r.addr && addr+uint64(width) <= r.addr+uint64(r.length)
}

type bar struct {
	size       uint64
	is64       bool
	aliasOf    int
	value      uint64
	sizingLow  bool
	sizingHigh bool
}

func (b *bar) sizeMask() uint64 {
	if b.size == 0 {
		return 0
	}
	return ^(b.size - 1) &^ barAttrMaskMemory
}

type capability struct {
	offset uint16
	data   []byte
}

// Device is a simulated virtio-pci function.
type Device struct {
	mem     *physmem.Arena
	line    *irq.Line
	handler Handler
	faults  Faults
	log     *slog.Logger
	addr    pci.Address

	mu            sync.Mutex
	pciDeviceID   uint16
	subsystemID   uint16
	command       uint16
	status        uint16
	interruptLine uint8
	capPointer    uint8
	bars          [type0BARCount]bar
	common        region
	notify        region
	isr           region
	devcfg        region
	caps          []capability

	deviceFeatures   uint64
	driverFeatures   [4]uint32
	deviceFeatureSel uint32
	driverFeatureSel uint32
	queueSel         uint16
	deviceStatus     uint8
	staleStatus      uint8
	staleReads       int
	cfgGeneration    uint8
	unstableReads    int

	interruptStatus atomic.Uint32
	strayNotifies   atomic.Uint64
	queues          []*queue
}

// New creates the device, registers it behind host and maps its BARs into
// mem. Interrupts are raised on line.
func New(mem *physmem.Arena, host *pci.HostBridge, line *irq.Line, cfg Config) (*Device, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("virtiodev: config requires a handler")
	}
	count := cfg.Handler.NumQueues()
	if count <= 0 {
		return nil, fmt.Errorf("virtiodev: device must expose at least one queue")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &Device{
		mem:            mem,
		line:           line,
		handler:        cfg.Handler,
		faults:         cfg.Faults,
		log:            log,
		pciDeviceID:    deviceIDModernBase + cfg.DeviceType,
		subsystemID:    cfg.DeviceType,
		interruptLine:  defaultIRQLine,
		common:         region{kind: CapCommon, bar: 0, length: commonCfgLength},
		isr:            region{kind: CapISR, bar: 1, length: 1},
		notify:         region{kind: CapNotify, bar: 2, length: uint32(count) * notifyOffMultiplier},
		devcfg:         region{kind: CapDevice, bar: 4, length: deviceCfgLength},
		deviceFeatures: featureVersion1,
	}
	for _, f := range cfg.Features {
		d.deviceFeatures |= f
	}
	d.queues = make([]*queue, count)
	for i := range d.queues {
		d.queues[i] = &queue{}
	}

	d.initBARs()
	handle, err := host.RegisterEndpoint(cfg.Bus, cfg.Slot, cfg.Function, d)
	if err != nil {
		return nil, fmt.Errorf("register pci endpoint: %w", err)
	}
	d.addr = handle.Address()
	if err := d.allocateBARs(handle); err != nil {
		return nil, fmt.Errorf("allocate pci bars: %w", err)
	}
	d.configureCapabilities()
	d.reset()
	return d, nil
}

// Address returns the function's PCI address.
func (d *Device) Address() pci.Address { return d.addr }

// ConfigSpace implements pci.Endpoint.
func (d *Device) ConfigSpace() pci.ConfigSpace { return d }

func sizeForLength(length uint32) uint64 {
	size := uint64(physmem.PageSize)
	for size < uint64(length) {
		size <<= 1
	}
	return size
}

func (d *Device) initBARs() {
	for i := range d.bars {
		d.bars[i] = bar{aliasOf: -1}
	}
	for _, r := range []region{d.common, d.isr, d.notify} {
		d.bars[r.bar].size = sizeForLength(r.length)
	}
	d.bars[d.devcfg.bar] = bar{size: sizeForLength(d.devcfg.length), is64: true, aliasOf: -1}
	d.bars[d.devcfg.bar+1] = bar{aliasOf: int(d.devcfg.bar)}
}

func (d *Device) allocateBARs(handle *pci.DeviceHandle) error {
	for i := range d.bars {
		b := &d.bars[i]
		if b.aliasOf >= 0 || b.size == 0 {
			continue
		}
		base, err := handle.AllocateMemoryBAR(i, uint32(b.size), uint32(b.size))
		if err != nil {
			return err
		}
		b.value = base
		if err := d.mem.AddMMIO(base, b.size, d); err != nil {
			return fmt.Errorf("map BAR %d: %w", i, err)
		}
	}
	for _, r := range []*region{&d.common, &d.notify, &d.isr, &d.devcfg} {
		r.addr = d.bars[r.bar].value + uint64(r.offset)
	}
	return nil
}

// configureCapabilities lays out the vendor capability list, applying the
// capability faults.
func (d *Device) configureCapabilities() {
	type spec struct {
		r      region
		length int
	}
	specs := []spec{
		{d.common, capLen},
		{d.notify, notifyCapLen},
		{d.isr, capLen},
		{d.devcfg, capLen},
		{region{kind: CapPCI}, pciCfgCapLen},
	}

	offset := uint16(capStart)
	d.caps = nil
	for _, s := range specs {
		if s.r.kind == d.faults.DropCapability {
			continue
		}
		buf := make([]byte, s.length)
		buf[0] = vendorCapID
		buf[2] = uint8(s.length)
		buf[3] = s.r.kind
		buf[4] = s.r.bar
		length := s.r.length
		if s.r.kind == d.faults.BadBARCapability {
			buf[4] = 7
		}
		if s.r.kind == d.faults.OverflowCapability {
			length = uint32(d.bars[s.r.bar].size) - s.r.offset + 0x10
		}
		binary.LittleEndian.PutUint32(buf[8:12], s.r.offset)
		binary.LittleEndian.PutUint32(buf[12:16], length)
		if s.r.kind == CapNotify {
			binary.LittleEndian.PutUint32(buf[16:20], notifyOffMultiplier)
		}
		d.caps = append(d.caps, capability{offset: offset, data: buf})
		offset += uint16(s.length)
	}
	for i := range d.caps {
		if i+1 < len(d.caps) {
			d.caps[i].data[1] = uint8(d.caps[i+1].offset)
		}
	}
	if len(d.caps) > 0 {
		d.capPointer = uint8(d.caps[0].offset)
		d.status |= statusCapList
	}
}

// ReadConfig implements pci.ConfigSpace.
func (d *Device) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	if offset%uint16(size) != 0 {
		return 0, fmt.Errorf("unaligned %d-byte config read at %#x", size, offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	base := offset &^ 0x3
	value := d.readConfigDWord(base)
	value >>= (offset - base) * 8
	return value & uint32((uint64(1)<<(size*8))-1), nil
}

// WriteConfig implements pci.ConfigSpace.
func (d *Device) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	if offset%uint16(size) != 0 {
		return fmt.Errorf("unaligned %d-byte config write at %#x", size, offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	base := offset &^ 0x3
	if size != 4 {
		shift := (offset - base) * 8
		mask := uint32((uint64(1)<<(size*8))-1) << shift
		current := d.readConfigDWord(base)
		if base == pci.OffsetCommand {
			// Status bits are write-one-to-clear; never echo them back.
			current &= 0xffff
		}
		value = current&^mask | (value<<shift)&mask
	}
	d.writeConfigDWord(base, value)
	return nil
}

func (d *Device) readConfigDWord(offset uint16) uint32 {
	switch offset {
	case 0x00:
		return vendorID | uint32(d.pciDeviceID)<<16
	case 0x04:
		return uint32(d.command) | uint32(d.status)<<16
	case 0x08:
		return 0x00000001 // revision 1
	case 0x0c:
		return 0
	case 0x2c:
		return vendorID | uint32(d.subsystemID)<<16
	case 0x34:
		return uint32(d.capPointer)
	case 0x3c:
		return uint32(d.interruptLine) | interruptPinINTA<<8
	}
	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
		return d.readBAR(int(offset-type0BAROffset) / 4)
	}
	for _, c := range d.caps {
		if offset >= c.offset && int(offset-c.offset) < len(c.data) {
			var buf [4]byte
			copy(buf[:], c.data[offset-c.offset:])
			return binary.LittleEndian.Uint32(buf[:])
		}
	}
	return 0
}

func (d *Device) writeConfigDWord(offset uint16, value uint32) {
	switch offset {
	case 0x04:
		d.command = uint16(value)
		d.status &^= uint16(value>>16) &^ statusCapList
	case 0x3c:
		d.interruptLine = uint8(value)
	default:
		if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
			d.writeBAR(int(offset-type0BAROffset)/4, value)
		}
	}
}

func (d *Device) readBAR(index int) uint32 {
	b := &d.bars[index]
	high := false
	if b.aliasOf >= 0 {
		b = &d.bars[b.aliasOf]
		high = true
	}
	if b.size == 0 {
		return 0
	}
	attrs := uint32(0)
	if b.is64 {
		attrs = barMemType64
	}
	switch {
	case high && b.sizingHigh:
		return uint32(b.sizeMask() >> 32)
	case high:
		return uint32(b.value >> 32)
	case b.sizingLow:
		mask := uint32(b.sizeMask())
		return mask | attrs
	default:
		return uint32(b.value) | attrs
	}
}

// writeBAR only supports sizing. The host allocator owns BAR placement.
func (d *Device) writeBAR(index int, value uint32) {
	b := &d.bars[index]
	high := false
	if b.aliasOf >= 0 {
		b = &d.bars[b.aliasOf]
		high = true
	}
	sizing := value == 0xffff_ffff
	if high {
		b.sizingHigh = sizing
	} else {
		b.sizingLow = sizing
	}
}
