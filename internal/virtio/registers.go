package virtio

// PCI identity.
const (
	PCIVendorID            = 0x1AF4
	PCIDeviceIDModernBase  = 0x1040 // modern devices are 0x1040 + device type
	PCIDeviceIDLegacyFirst = 0x1000 // transitional devices carry the type in the subsystem id
	PCIDeviceIDLegacyLast  = 0x103F
	PCIDeviceIDModernLast  = 0x107F
)

// Status register bits.
const (
	StatusAcknowledge      = 1
	StatusDriver           = 2
	StatusDriverOK         = 4
	StatusFeaturesOK       = 8
	StatusDeviceNeedsReset = 64
	StatusFailed           = 128
)

// virtio_pci_cap cfg_type values.
const (
	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4
	capPCICfg    = 5
)

// virtio_pci_cap layout.
const (
	capOffLen        = 2
	capOffCfgType    = 3
	capOffBAR        = 4
	capOffID         = 5
	capOffOffset     = 8
	capOffLength     = 12
	capOffMultiplier = 16
	capLen           = 16
	notifyCapLen     = 20
)

// Common configuration structure offsets.
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonDriverFeatureSelect = 0x08
	commonDriverFeature       = 0x0C
	commonMSIXConfig          = 0x10
	commonNumQueues           = 0x12
	commonDeviceStatus        = 0x14
	commonConfigGeneration    = 0x15
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueMSIXVector     = 0x1A
	commonQueueEnable         = 0x1C
	commonQueueNotifyOff      = 0x1E
	commonQueueDescLo         = 0x20
	commonQueueDescHi         = 0x24
	commonQueueDriverLo       = 0x28
	commonQueueDriverHi       = 0x2C
	commonQueueDeviceLo       = 0x30
	commonQueueDeviceHi       = 0x34
	commonCfgLen              = 0x38
)

// MSI-X is not wired up; every vector is programmed to this value.
const msiNoVector = 0xFFFF

// ISR status bits.
const (
	isrQueue  = 1 << 0
	isrConfig = 1 << 1
)

// Descriptor flags.
const (
	DescFlagNext     = 1
	DescFlagWrite    = 2
	DescFlagIndirect = 4
)

// Ring flags.
const (
	availFlagNoInterrupt = 1
	usedFlagNoNotify     = 1
)

// Ring element sizes.
const (
	descSize      = 16
	ringHeaderLen = 4
	availElemSize = 2
	usedElemSize  = 8
	eventLen      = 2
)

// MaxQueueSize is the largest split queue size.
const MaxQueueSize = 32768

// featureWords is how many 32-bit feature windows are negotiated.
const featureWords = 4
