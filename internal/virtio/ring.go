package virtio

import (
	"encoding/binary"

	"github.com/tinyrange/virtcore/internal/physmem"
)

const (
	availIdxOff  = 2
	usedFlagsOff = 0
	usedIdxOff   = 2
)

// splitRing gives typed access to the three ring areas. The 16-bit words
// both sides touch are accessed atomically. Descriptors and used elements
// are plain memory ordered by the index stores that publish them.
type splitRing struct {
	size  uint16
	desc  []byte
	avail []byte
	used  []byte
}

func (r *splitRing) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	d := r.desc[int(i)*descSize:]
	binary.LittleEndian.PutUint64(d[0:], addr)
	binary.LittleEndian.PutUint32(d[8:], length)
	binary.LittleEndian.PutUint16(d[12:], flags)
	binary.LittleEndian.PutUint16(d[14:], next)
}

func (r *splitRing) slot(idx uint16) uint16 {
	return idx & (r.size - 1)
}

func (r *splitRing) setAvailEntry(idx, head uint16) {
	physmem.Store16(r.avail, ringHeaderLen+availElemSize*int(r.slot(idx)), head)
}

// publishAvail makes every entry below idx visible to the device.
func (r *splitRing) publishAvail(idx uint16) {
	physmem.Store16(r.avail, availIdxOff, idx)
}

func (r *splitRing) setUsedEvent(idx uint16) {
	physmem.Store16(r.avail, ringHeaderLen+availElemSize*int(r.size), idx)
}

func (r *splitRing) usedFlags() uint16 {
	return physmem.Load16(r.used, usedFlagsOff)
}

// usedIdx is the acquire side of the used ring handoff.
func (r *splitRing) usedIdx() uint16 {
	return physmem.Load16(r.used, usedIdxOff)
}

func (r *splitRing) usedElem(idx uint16) (id, written uint32) {
	e := r.used[ringHeaderLen+usedElemSize*int(r.slot(idx)):]
	return binary.LittleEndian.Uint32(e[0:]), binary.LittleEndian.Uint32(e[4:])
}

func (r *splitRing) availEvent() uint16 {
	return physmem.Load16(r.used, ringHeaderLen+usedElemSize*int(r.size))
}

// prefill marks every ring entry invalid so a device that reads an entry
// it was never given sees an out-of-range head.
func (r *splitRing) prefill() {
	for i := 0; i < int(r.size); i++ {
		binary.LittleEndian.PutUint16(r.avail[ringHeaderLen+availElemSize*i:], 0xFFFF)
		binary.LittleEndian.PutUint32(r.used[ringHeaderLen+usedElemSize*i:], 0xFFFFFFFF)
		binary.LittleEndian.PutUint32(r.used[ringHeaderLen+usedElemSize*i+4:], 0xFFFFFFFF)
	}
}

// needEvent reports whether moving the index from old to new crossed event.
func needEvent(event, new, old uint16) bool {
	return new-event-1 < new-old
}
