package virtiodev

import (
	"sync"
	"sync/atomic"
)

const defaultLoopbackQueueSize = 256

// Loopback is a device class that echoes every chain: the readable bytes
// are copied into the writable buffers of the same chain. It also exposes
// a device config area of 32-bit words.
type Loopback struct {
	queues  int
	maxSize uint16
	manual  bool

	mu     sync.Mutex
	config []uint32

	resets atomic.Uint64
}

// NewLoopback returns a loopback handler with the given number of queues,
// each offering maxSize entries. In manual mode notifications are only
// counted and chains are processed by Process.
func NewLoopback(queues int, maxSize uint16, manual bool) *Loopback {
	if maxSize == 0 {
		maxSize = defaultLoopbackQueueSize
	}
	return &Loopback{
		queues:  queues,
		maxSize: maxSize,
		manual:  manual,
		config:  make([]uint32, 16),
	}
}

func (l *Loopback) NumQueues() int { return l.queues }

func (l *Loopback) QueueMaxSize(int) uint16 { return l.maxSize }

func (l *Loopback) OnReset(*Device) { l.resets.Add(1) }

// Resets returns how many device resets the handler has seen.
func (l *Loopback) Resets() uint64 { return l.resets.Load() }

func (l *Loopback) OnQueueNotify(d *Device, queue int) error {
	if l.manual {
		return nil
	}
	_, err := l.Process(d, queue)
	return err
}

// Process echoes every available chain on the queue.
func (l *Loopback) Process(d *Device, queue int) (int, error) {
	return d.ProcessQueue(queue, func(c Chain) (uint32, error) {
		data, err := d.ReadChain(c)
		if err != nil {
			return 0, err
		}
		return d.FillChain(c, data)
	})
}

// SetConfig stores a word in the device config area without bumping the
// generation. Call Device.ChangeConfig to announce it.
func (l *Loopback) SetConfig(offset uint64, value uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := int(offset / 4); i < len(l.config) {
		l.config[i] = value
	}
}

// Config returns a word of the device config area.
func (l *Loopback) Config(offset uint64) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := int(offset / 4); i < len(l.config) {
		return l.config[i]
	}
	return 0
}

func (l *Loopback) ReadConfig(_ *Device, offset uint64) (uint32, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := int(offset / 4)
	if i >= len(l.config) {
		return 0, false, nil
	}
	return l.config[i], true, nil
}

func (l *Loopback) WriteConfig(_ *Device, offset uint64, value uint32) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := int(offset / 4)
	if i >= len(l.config) {
		return false, nil
	}
	l.config[i] = value
	return true, nil
}
