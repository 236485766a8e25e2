package virtio

import (
	"fmt"

	"github.com/tinyrange/virtcore/internal/devices/pci"
)

// DeviceType is the virtio device id.
type DeviceType uint16

const (
	DeviceNet     DeviceType = 1
	DeviceBlock   DeviceType = 2
	DeviceConsole DeviceType = 3
	DeviceEntropy DeviceType = 4
	DeviceBalloon DeviceType = 5
	DeviceSCSI    DeviceType = 8
	Device9P      DeviceType = 9
	DeviceGPU     DeviceType = 16
	DeviceInput   DeviceType = 18
	DeviceVsock   DeviceType = 19
	DeviceCrypto  DeviceType = 20
	DeviceFS      DeviceType = 26
)

var deviceTypeNames = map[DeviceType]string{
	DeviceNet:     "net",
	DeviceBlock:   "block",
	DeviceConsole: "console",
	DeviceEntropy: "entropy",
	DeviceBalloon: "balloon",
	DeviceSCSI:    "scsi",
	Device9P:      "9p",
	DeviceGPU:     "gpu",
	DeviceInput:   "input",
	DeviceVsock:   "vsock",
	DeviceCrypto:  "crypto",
	DeviceFS:      "fs",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type%d", uint16(t))
}

// Identify checks that cs belongs to a virtio function and returns its
// device type. Transitional functions carry the type in the subsystem id.
func Identify(cs pci.ConfigSpace) (DeviceType, error) {
	vendor, err := cs.ReadConfig(pci.OffsetVendorID, 2)
	if err != nil {
		return 0, fmt.Errorf("read vendor id: %w", err)
	}
	if vendor != PCIVendorID {
		return 0, fmt.Errorf("%w: vendor %#04x", ErrNotVirtio, vendor)
	}
	id, err := cs.ReadConfig(pci.OffsetDeviceID, 2)
	if err != nil {
		return 0, fmt.Errorf("read device id: %w", err)
	}
	switch {
	case id >= PCIDeviceIDModernBase && id <= PCIDeviceIDModernLast:
		if id == PCIDeviceIDModernBase {
			return 0, fmt.Errorf("%w: reserved device id %#04x", ErrNotVirtio, id)
		}
		return DeviceType(id - PCIDeviceIDModernBase), nil
	case id >= PCIDeviceIDLegacyFirst && id <= PCIDeviceIDLegacyLast:
		sub, err := cs.ReadConfig(pci.OffsetSubsystemID, 2)
		if err != nil {
			return 0, fmt.Errorf("read subsystem id: %w", err)
		}
		return DeviceType(sub), nil
	}
	return 0, fmt.Errorf("%w: device id %#04x", ErrNotVirtio, id)
}
