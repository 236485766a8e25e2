package virtiodev

import (
	"fmt"
)

// Common configuration structure offsets.
const (
	commonDFSelect      = 0x00
	commonDF            = 0x04
	commonGFSelect      = 0x08
	commonGF            = 0x0C
	commonMSIX          = 0x10
	commonNumQ          = 0x12
	commonStatus        = 0x14
	commonCfgGeneration = 0x15
	commonQSelect       = 0x16
	commonQSize         = 0x18
	commonQMSIX         = 0x1A
	commonQEnable       = 0x1C
	commonQNotifyOff    = 0x1E
	commonQDescLo       = 0x20
	commonQDescHi       = 0x24
	commonQAvailLo      = 0x28
	commonQAvailHi      = 0x2C
	commonQUsedLo       = 0x30
	commonQUsedHi       = 0x34
)

// ReadMMIO implements physmem.MMIOHandler for the device's BARs.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, false)
}

// WriteMMIO implements physmem.MMIOHandler for the device's BARs.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, true)
}

func (d *Device) mmioAccess(addr uint64, data []byte, write bool) error {
	width := len(data)
	if width == 0 {
		return nil
	}

	d.mu.Lock()
	switch {
	case d.common.contains(addr, width):
		defer d.mu.Unlock()
		offset := uint32(addr - d.common.addr)
		if write {
			return d.writeCommonBlock(offset, data)
		}
		return d.readCommonBlock(offset, data)
	case d.notify.contains(addr, width):
		offset := uint32(addr - d.notify.addr)
		running := d.deviceStatus&StatusDriverOK != 0
		d.mu.Unlock()
		if width != 2 && width != 4 {
			return fmt.Errorf("virtiodev: unsupported notify width %d", width)
		}
		if !write {
			clear(data)
			return nil
		}
		if !running {
			d.strayNotifies.Add(1)
			d.log.Debug("virtiodev: notify while not running", "offset", offset)
			return nil
		}
		return d.handleNotifyWrite(offset, uint16(littleEndianValue(data)))
	case d.isr.contains(addr, width):
		d.mu.Unlock()
		if width != 1 {
			return fmt.Errorf("virtiodev: unsupported ISR access width %d", width)
		}
		if write {
			return nil
		}
		data[0] = uint8(d.interruptStatus.Swap(0))
		return nil
	case d.devcfg.contains(addr, width):
		defer d.mu.Unlock()
		if width != 1 && width != 2 && width != 4 {
			return fmt.Errorf("virtiodev: unsupported device config width %d", width)
		}
		offset := uint32(addr - d.devcfg.addr)
		if write {
			return d.writeDeviceConfig(offset, littleEndianValue(data), uint32(width))
		}
		value, err := d.readDeviceConfig(offset, uint32(width))
		if err != nil {
			return err
		}
		storeLittleEndian(data, value)
		return nil
	default:
		d.mu.Unlock()
		return fmt.Errorf("virtiodev: unhandled MMIO access addr=%#x width=%d", addr, width)
	}
}

func (d *Device) readCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtiodev: invalid common read at offset %#x (len=%d)", offset, len(data))
		}
		storeLittleEndian(data[:width], d.handleCommonCfgRead(offset))
		offset += width
		data = data[width:]
	}
	return nil
}

func (d *Device) writeCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtiodev: invalid common write at offset %#x (len=%d)", offset, len(data))
		}
		if err := d.handleCommonCfgWrite(offset, littleEndianValue(data[:width])); err != nil {
			return err
		}
		offset += width
		data = data[width:]
	}
	return nil
}

func commonFieldWidth(offset uint32) uint32 {
	switch offset {
	case commonDFSelect, commonDF, commonGFSelect, commonGF,
		commonQDescLo, commonQDescHi, commonQAvailLo, commonQAvailHi,
		commonQUsedLo, commonQUsedHi:
		return 4
	case commonMSIX, commonNumQ, commonQSelect, commonQSize,
		commonQMSIX, commonQEnable, commonQNotifyOff:
		return 2
	case commonStatus, commonCfgGeneration:
		return 1
	}
	return 0
}

func (d *Device) currentQueue() *queue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return d.queues[d.queueSel]
}

func (d *Device) handleCommonCfgRead(offset uint32) uint32 {
	q := d.currentQueue()
	switch offset {
	case commonDFSelect:
		return d.deviceFeatureSel
	case commonDF:
		switch d.deviceFeatureSel {
		case 0:
			return uint32(d.deviceFeatures)
		case 1:
			return uint32(d.deviceFeatures >> 32)
		}
		return 0
	case commonGFSelect:
		return d.driverFeatureSel
	case commonGF:
		if d.driverFeatureSel < uint32(len(d.driverFeatures)) {
			return d.driverFeatures[d.driverFeatureSel]
		}
		return 0
	case commonMSIX, commonQMSIX:
		return msiNoVector
	case commonNumQ:
		return uint32(len(d.queues))
	case commonStatus:
		if d.staleReads > 0 {
			d.staleReads--
			return uint32(d.staleStatus)
		}
		return uint32(d.deviceStatus)
	case commonCfgGeneration:
		return uint32(d.cfgGeneration)
	case commonQSelect:
		return uint32(d.queueSel)
	}
	if q == nil {
		return 0
	}
	switch offset {
	case commonQSize:
		if q.size != 0 {
			return uint32(q.size)
		}
		return uint32(q.maxSize)
	case commonQEnable:
		if q.enable {
			return 1
		}
		return 0
	case commonQNotifyOff:
		return uint32(q.notifyOff)
	case commonQDescLo:
		return uint32(q.descAddr)
	case commonQDescHi:
		return uint32(q.descAddr >> 32)
	case commonQAvailLo:
		return uint32(q.availAddr)
	case commonQAvailHi:
		return uint32(q.availAddr >> 32)
	case commonQUsedLo:
		return uint32(q.usedAddr)
	case commonQUsedHi:
		return uint32(q.usedAddr >> 32)
	}
	return 0
}

func setLow(v uint64, value uint32) uint64  { return v&^0xffffffff | uint64(value) }
func setHigh(v uint64, value uint32) uint64 { return v&0xffffffff | uint64(value)<<32 }

func (d *Device) handleCommonCfgWrite(offset uint32, value uint32) error {
	switch offset {
	case commonDFSelect:
		d.deviceFeatureSel = value
		return nil
	case commonGFSelect:
		d.driverFeatureSel = value
		return nil
	case commonGF:
		if d.driverFeatureSel < uint32(len(d.driverFeatures)) {
			d.driverFeatures[d.driverFeatureSel] = value
		}
		return nil
	case commonStatus:
		d.writeStatus(uint8(value))
		return nil
	case commonQSelect:
		d.queueSel = uint16(value)
		return nil
	case commonDF, commonNumQ, commonCfgGeneration, commonQNotifyOff, commonMSIX, commonQMSIX:
		// read-only, or MSI-X which is not implemented
		return nil
	}

	q := d.currentQueue()
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	switch offset {
	case commonQSize:
		if value > uint32(q.maxSize) {
			return fmt.Errorf("invalid queue size %d", value)
		}
		q.size = uint16(value)
	case commonQEnable:
		if value&1 == 0 {
			q.enable = false
			return nil
		}
		if q.size == 0 {
			return fmt.Errorf("queue enable set before queue size")
		}
		if err := q.attach(d.mem); err != nil {
			return err
		}
		q.enable = true
	case commonQDescLo:
		q.descAddr = setLow(q.descAddr, value)
	case commonQDescHi:
		q.descAddr = setHigh(q.descAddr, value)
	case commonQAvailLo:
		q.availAddr = setLow(q.availAddr, value)
	case commonQAvailHi:
		q.availAddr = setHigh(q.availAddr, value)
	case commonQUsedLo:
		q.usedAddr = setLow(q.usedAddr, value)
	case commonQUsedHi:
		q.usedAddr = setHigh(q.usedAddr, value)
	default:
		return fmt.Errorf("invalid common config offset %#x", offset)
	}
	return nil
}

func (d *Device) writeStatus(value uint8) {
	if value == 0 {
		d.staleStatus = d.deviceStatus
		d.staleReads = d.faults.ResetReads
		d.resetLocked()
		return
	}
	d.staleReads = 0
	if value&StatusFeaturesOK != 0 && d.deviceStatus&StatusFeaturesOK == 0 {
		accepted := uint64(d.driverFeatures[0]) | uint64(d.driverFeatures[1])<<32
		if accepted&^d.deviceFeatures != 0 || accepted&d.faults.RejectFeatures != 0 {
			d.log.Debug("virtiodev: refusing features", "accepted", fmt.Sprintf("%#x", accepted))
			value &^= StatusFeaturesOK
		}
	}
	d.deviceStatus = value
}

// Status returns the device status register.
func (d *Device) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceStatus
}

// StrayNotifications counts notify writes that arrived while DRIVER_OK
// was clear, for example during a reset.
func (d *Device) StrayNotifications() uint64 { return d.strayNotifies.Load() }

// DriverFeatures returns the features the driver wrote.
func (d *Device) DriverFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.driverFeatures[0]) | uint64(d.driverFeatures[1])<<32
}

func (d *Device) eventIdx() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.driverFeatures[0])&featureEventIdx != 0
}

func (d *Device) handleNotifyWrite(offset uint32, value uint16) error {
	index := int(value)
	if index >= len(d.queues) {
		index = int(offset / notifyOffMultiplier)
	}
	if index >= len(d.queues) {
		return fmt.Errorf("virtiodev: notify for missing queue %d", index)
	}
	d.queues[index].notifications.Add(1)
	return d.handler.OnQueueNotify(d, index)
}

func (d *Device) readDeviceConfig(offset uint32, width uint32) (uint32, error) {
	if d.unstableReads > 0 {
		d.unstableReads--
		d.cfgGeneration++
	}
	value, _, err := d.handler.ReadConfig(d, uint64(offset&^0x3))
	if err != nil {
		return 0, err
	}
	shift := (offset & 0x3) * 8
	mask := uint32((uint64(1) << (width * 8)) - 1)
	return (value >> shift) & mask, nil
}

func (d *Device) writeDeviceConfig(offset uint32, value uint32, width uint32) error {
	aligned := offset &^ 0x3
	if width != 4 {
		current, _, err := d.handler.ReadConfig(d, uint64(aligned))
		if err != nil {
			return err
		}
		shift := (offset - aligned) * 8
		mask := uint32((uint64(1) << (width * 8)) - 1)
		value = current&^(mask<<shift) | (value&mask)<<shift
	}
	handled, err := d.handler.WriteConfig(d, uint64(aligned), value)
	if handled {
		d.cfgGeneration++
	}
	return err
}

// ChangeConfig bumps the config generation and raises a configuration
// change interrupt.
func (d *Device) ChangeConfig() {
	d.mu.Lock()
	d.cfgGeneration++
	d.mu.Unlock()
	d.raiseInterrupt(isrConfig)
}

// DestabilizeConfig makes the next n device config reads race with a
// simulated configuration change.
func (d *Device) DestabilizeConfig(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unstableReads = n
}

// RaiseSpurious asserts the interrupt line without setting an ISR bit.
func (d *Device) RaiseSpurious() {
	d.line.Raise()
}

func (d *Device) raiseInterrupt(bit uint32) {
	d.interruptStatus.Or(bit)
	d.line.Raise()
}

func (d *Device) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Device) resetLocked() {
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = [4]uint32{}
	d.queueSel = 0
	d.deviceStatus = 0
	d.interruptStatus.Store(0)
	for i, q := range d.queues {
		q.mu.Lock()
		q.reset()
		q.maxSize = d.handler.QueueMaxSize(i)
		if d.faults.QueueSize != 0 {
			q.maxSize = d.faults.QueueSize
		}
		if size, ok := d.faults.QueueSizes[i]; ok {
			q.maxSize = size
		}
		q.notifyOff = uint16(i)
		q.mu.Unlock()
	}
	d.handler.OnReset(d)
}

func littleEndianValue(data []byte) uint32 {
	var v uint32
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint32(data[i])
	}
	return v
}

func storeLittleEndian(data []byte, value uint32) {
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
}
