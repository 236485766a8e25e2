package virtiodev

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virtcore/internal/physmem"
)

const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	availFNoInterrupt = 1
	usedFNoNotify     = 1

	descSize     = 16
	usedElemSize = 8
)

// Descriptor is one entry of a descriptor chain as the driver posted it.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Writable reports whether the device may write into the buffer.
func (d Descriptor) Writable() bool { return d.Flags&descFWrite != 0 }

// Chain is a descriptor chain taken from the available ring.
type Chain struct {
	Head        uint16
	Descriptors []Descriptor
}

// Capacity returns the number of device-writable bytes in the chain.
func (c Chain) Capacity() uint32 {
	var n uint32
	for _, d := range c.Descriptors {
		if d.Writable() {
			n += d.Len
		}
	}
	return n
}

type queue struct {
	mu           sync.Mutex
	size         uint16
	maxSize      uint16
	enable       bool
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	notifyOff    uint16
	lastAvailIdx uint16
	usedIdx      uint16
	noNotify     bool

	desc  []byte
	avail []byte
	used  []byte

	notifications atomic.Uint64
}

func (q *queue) reset() {
	q.size = 0
	q.enable = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.noNotify = false
	q.desc, q.avail, q.used = nil, nil, nil
}

func padded(n int) int { return (n + 3) &^ 3 }

// attach resolves the ring addresses the driver programmed into views of
// RAM. The driver owns the rings, so nothing is written here except the
// used flags.
func (q *queue) attach(mem *physmem.Arena) error {
	n := int(q.size)
	desc, err := mem.Slice(q.descAddr, n*descSize)
	if err != nil {
		return fmt.Errorf("descriptor table: %w", err)
	}
	avail, err := mem.Slice(q.availAddr, padded(6+2*n))
	if err != nil {
		return fmt.Errorf("available ring: %w", err)
	}
	used, err := mem.Slice(q.usedAddr, padded(6+usedElemSize*n))
	if err != nil {
		return fmt.Errorf("used ring: %w", err)
	}
	if q.descAddr%16 != 0 || q.availAddr%2 != 0 || q.usedAddr%4 != 0 {
		return fmt.Errorf("misaligned ring addresses desc=%#x avail=%#x used=%#x",
			q.descAddr, q.availAddr, q.usedAddr)
	}
	q.desc, q.avail, q.used = desc, avail, used
	q.lastAvailIdx = physmem.Load16(q.avail, 2)
	q.usedIdx = physmem.Load16(q.used, 2)
	q.writeUsedFlags()
	return nil
}

func (q *queue) ready() bool {
	return q.enable && q.size > 0 && q.desc != nil
}

func (q *queue) writeUsedFlags() {
	var flags uint16
	if q.noNotify {
		flags = usedFNoNotify
	}
	physmem.Store16(q.used, 0, flags)
}

func (q *queue) availFlags() uint16 { return physmem.Load16(q.avail, 0) }
func (q *queue) availIdx() uint16   { return physmem.Load16(q.avail, 2) }
func (q *queue) usedEvent() uint16  { return physmem.Load16(q.avail, 4+2*int(q.size)) }

func (q *queue) availEntry(i uint16) uint16 {
	return physmem.Load16(q.avail, 4+2*int(i&(q.size-1)))
}

func (q *queue) setAvailEvent(v uint16) {
	physmem.Store16(q.used, 4+usedElemSize*int(q.size), v)
}

func (q *queue) pushUsed(id, length uint32) {
	off := 4 + usedElemSize*int(q.usedIdx&(q.size-1))
	binary.LittleEndian.PutUint32(q.used[off:], id)
	binary.LittleEndian.PutUint32(q.used[off+4:], length)
	q.usedIdx++
	physmem.Store16(q.used, 2, q.usedIdx)
}

// walkChain follows the next links of the chain starting at head. A chain
// longer than the table is treated as a loop.
func walkChain(table []byte, size, head uint16) ([]Descriptor, error) {
	var out []Descriptor
	index := head
	for i := uint16(0); i < size; i++ {
		if index >= size {
			return out, fmt.Errorf("descriptor index %d out of range (size %d)", index, size)
		}
		raw := table[int(index)*descSize:]
		desc := Descriptor{
			Addr:  binary.LittleEndian.Uint64(raw[0:]),
			Len:   binary.LittleEndian.Uint32(raw[8:]),
			Flags: binary.LittleEndian.Uint16(raw[12:]),
			Next:  binary.LittleEndian.Uint16(raw[14:]),
		}
		if desc.Flags&descFIndirect != 0 {
			return out, fmt.Errorf("indirect descriptor %d not supported", index)
		}
		out = append(out, desc)
		if desc.Flags&descFNext == 0 {
			return out, nil
		}
		index = desc.Next
	}
	return out, fmt.Errorf("descriptor chain from %d does not terminate", head)
}

func needEvent(event, newIdx, old uint16) bool {
	return newIdx-event-1 < newIdx-old
}

func (d *Device) lookupQueue(index int) (*queue, error) {
	if index < 0 || index >= len(d.queues) {
		return nil, fmt.Errorf("virtiodev: queue %d does not exist", index)
	}
	return d.queues[index], nil
}

// ProcessQueue hands every available chain of the queue to fn and
// publishes the byte count it returns as the used length. An interrupt is
// raised afterwards unless the driver suppressed it. It returns the number
// of chains completed.
func (d *Device) ProcessQueue(index int, fn func(Chain) (uint32, error)) (int, error) {
	q, err := d.lookupQueue(index)
	if err != nil {
		return 0, err
	}
	eventIdx := d.eventIdx()

	q.mu.Lock()
	if !q.ready() {
		q.mu.Unlock()
		return 0, nil
	}
	oldUsed := q.usedIdx
	processed := 0
	for {
		for q.lastAvailIdx != q.availIdx() {
			head := q.availEntry(q.lastAvailIdx)
			descs, err := walkChain(q.desc, q.size, head)
			if err != nil {
				q.mu.Unlock()
				return processed, err
			}
			written, err := fn(Chain{Head: head, Descriptors: descs})
			if err != nil {
				q.mu.Unlock()
				return processed, err
			}
			q.pushUsed(uint32(head), written)
			q.lastAvailIdx++
			processed++
		}
		if !eventIdx {
			break
		}
		// Publish how far we got, then look again so a submission that
		// raced with the store is not left waiting for a kick.
		q.setAvailEvent(q.lastAvailIdx)
		if q.lastAvailIdx == q.availIdx() {
			break
		}
	}
	raise := processed > 0 && d.shouldInterrupt(q, eventIdx, oldUsed)
	q.mu.Unlock()

	if raise {
		d.raiseInterrupt(isrQueue)
	}
	return processed, nil
}

func (d *Device) shouldInterrupt(q *queue, eventIdx bool, oldUsed uint16) bool {
	if eventIdx {
		return needEvent(q.usedEvent(), q.usedIdx, oldUsed)
	}
	return q.availFlags()&availFNoInterrupt == 0
}

// TakeChains removes every available chain from the queue without
// completing it. Complete must be called for each one later.
func (d *Device) TakeChains(index int) ([]Chain, error) {
	q, err := d.lookupQueue(index)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ready() {
		return nil, nil
	}
	var chains []Chain
	for q.lastAvailIdx != q.availIdx() {
		head := q.availEntry(q.lastAvailIdx)
		descs, err := walkChain(q.desc, q.size, head)
		if err != nil {
			return chains, err
		}
		chains = append(chains, Chain{Head: head, Descriptors: descs})
		q.lastAvailIdx++
	}
	return chains, nil
}

// Complete publishes a used element for a chain returned by TakeChains.
func (d *Device) Complete(index int, head uint16, written uint32) error {
	q, err := d.lookupQueue(index)
	if err != nil {
		return err
	}
	eventIdx := d.eventIdx()
	q.mu.Lock()
	if !q.ready() {
		q.mu.Unlock()
		return fmt.Errorf("virtiodev: queue %d is not enabled", index)
	}
	old := q.usedIdx
	q.pushUsed(uint32(head), written)
	raise := d.shouldInterrupt(q, eventIdx, old)
	q.mu.Unlock()
	if raise {
		d.raiseInterrupt(isrQueue)
	}
	return nil
}

// InjectUsed publishes an arbitrary used element and interrupts
// unconditionally. It is how tests impersonate a misbehaving device.
func (d *Device) InjectUsed(index int, id, length uint32) error {
	q, err := d.lookupQueue(index)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if !q.ready() {
		q.mu.Unlock()
		return fmt.Errorf("virtiodev: queue %d is not enabled", index)
	}
	q.pushUsed(id, length)
	q.mu.Unlock()
	d.raiseInterrupt(isrQueue)
	return nil
}

// PendingChains reports how many chains are waiting in the available ring.
func (d *Device) PendingChains(index int) int {
	q, err := d.lookupQueue(index)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ready() {
		return 0
	}
	return int(q.availIdx() - q.lastAvailIdx)
}

// SetNoNotify sets or clears the used ring NO_NOTIFY flag.
func (d *Device) SetNoNotify(index int, on bool) error {
	q, err := d.lookupQueue(index)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.noNotify = on
	if q.ready() {
		q.writeUsedFlags()
	}
	return nil
}

// Notifications returns the number of notify writes seen for the queue.
func (d *Device) Notifications(index int) uint64 {
	q, err := d.lookupQueue(index)
	if err != nil {
		return 0
	}
	return q.notifications.Load()
}

// QueueEnabled reports whether the driver has enabled the queue.
func (d *Device) QueueEnabled(index int) bool {
	q, err := d.lookupQueue(index)
	if err != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready()
}

// ReadChain concatenates the device-readable buffers of the chain.
func (d *Device) ReadChain(c Chain) ([]byte, error) {
	var data []byte
	for _, desc := range c.Descriptors {
		if desc.Writable() || desc.Len == 0 {
			continue
		}
		chunk := make([]byte, desc.Len)
		if _, err := d.mem.ReadAt(chunk, int64(desc.Addr)); err != nil {
			return data, fmt.Errorf("read descriptor buffer %#x: %w", desc.Addr, err)
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// FillChain copies data into the device-writable buffers of the chain and
// returns the number of bytes written.
func (d *Device) FillChain(c Chain, data []byte) (uint32, error) {
	var written uint32
	for _, desc := range c.Descriptors {
		if len(data) == 0 {
			break
		}
		if !desc.Writable() || desc.Len == 0 {
			continue
		}
		n := min(int(desc.Len), len(data))
		if _, err := d.mem.WriteAt(data[:n], int64(desc.Addr)); err != nil {
			return written, fmt.Errorf("write descriptor buffer %#x: %w", desc.Addr, err)
		}
		written += uint32(n)
		data = data[n:]
	}
	return written, nil
}
