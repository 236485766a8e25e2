package virtio

import (
	"sync"

	"github.com/tinyrange/virtcore/internal/physmem"
)

// commonConfig wraps the common configuration structure. The select
// registers make multi-register sequences stateful, so every sequence runs
// under mu.
type commonConfig struct {
	mu sync.Mutex
	w  physmem.Mapping
}

func (c *commonConfig) status() uint8 {
	return c.w.Read8(commonDeviceStatus)
}

func (c *commonConfig) setStatus(status uint8) {
	c.w.Write8(commonDeviceStatus, status)
}

func (c *commonConfig) generation() uint8 {
	return c.w.Read8(commonConfigGeneration)
}

func (c *commonConfig) numQueues() uint16 {
	return c.w.Read16(commonNumQueues)
}

func (c *commonConfig) deviceFeatures() FeatureSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	words := make([]uint32, featureWords)
	for i := range words {
		c.w.Write32(commonDeviceFeatureSelect, uint32(i))
		words[i] = c.w.Read32(commonDeviceFeature)
	}
	return featureSetFromWords(words)
}

func (c *commonConfig) setDriverFeatures(fs FeatureSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < featureWords; i++ {
		c.w.Write32(commonDriverFeatureSelect, uint32(i))
		c.w.Write32(commonDriverFeature, fs.word(i))
	}
}

func (c *commonConfig) disableConfigVector() {
	c.w.Write16(commonMSIXConfig, msiNoVector)
}

// queueInfo returns the maximum size and notify offset of queue index.
func (c *commonConfig) queueInfo(index uint16) (size, notifyOff uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Write16(commonQueueSelect, index)
	return c.w.Read16(commonQueueSize), c.w.Read16(commonQueueNotifyOff)
}

// programQueue writes the queue size and ring addresses and enables the
// queue if the device kept the requested size. It reports the size the
// device accepted.
func (c *commonConfig) programQueue(index, size uint16, desc, driver, device uint64) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Write16(commonQueueSelect, index)
	c.w.Write16(commonQueueSize, size)
	c.w.Write32(commonQueueDescLo, uint32(desc))
	c.w.Write32(commonQueueDescHi, uint32(desc>>32))
	c.w.Write32(commonQueueDriverLo, uint32(driver))
	c.w.Write32(commonQueueDriverHi, uint32(driver>>32))
	c.w.Write32(commonQueueDeviceLo, uint32(device))
	c.w.Write32(commonQueueDeviceHi, uint32(device>>32))
	c.w.Write16(commonQueueMSIXVector, msiNoVector)
	accepted := c.w.Read16(commonQueueSize)
	if accepted == size {
		c.w.Write16(commonQueueEnable, 1)
	}
	return accepted
}

func (c *commonConfig) queueEnabled(index uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Write16(commonQueueSelect, index)
	return c.w.Read16(commonQueueEnable) == 1
}
