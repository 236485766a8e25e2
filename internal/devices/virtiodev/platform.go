package virtiodev

import (
	"fmt"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/irq"
	"github.com/tinyrange/virtcore/internal/physmem"
)

// RAMBase is where simulated RAM starts, above the PCI windows.
const RAMBase = 0x1_0000_0000

// Platform is a simulated machine: RAM and MMIO in one physical address
// space, a PCI host bridge, and the ECAM window as a driver sees it.
type Platform struct {
	Memory *physmem.Arena
	Host   *pci.HostBridge
	ECAM   *pci.ECAM
}

// NewPlatform builds a platform with memSize bytes of RAM.
func NewPlatform(memSize int) (*Platform, error) {
	mem := physmem.NewArena(RAMBase, memSize)
	host := pci.NewHostBridge(pci.HostBridgeConfig{})
	base, size := host.ConfigWindow()
	if err := mem.AddMMIO(base, size, host); err != nil {
		return nil, fmt.Errorf("map ECAM window: %w", err)
	}
	window, err := mem.Map(base, int(size), physmem.Uncacheable)
	if err != nil {
		return nil, fmt.Errorf("map ECAM window: %w", err)
	}
	return &Platform{
		Memory: mem,
		Host:   host,
		ECAM:   pci.NewECAM(window, 0),
	}, nil
}

// Attach creates a device on the platform with its own interrupt line and
// returns it together with the function a driver would open.
func (p *Platform) Attach(cfg Config) (*Device, pci.Function, *irq.Line, error) {
	line := irq.NewLine()
	dev, err := New(p.Memory, p.Host, line, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	fn, err := p.ECAM.Function(dev.Address())
	if err != nil {
		return nil, nil, nil, err
	}
	return dev, fn, line, nil
}
