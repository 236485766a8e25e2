package physmem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// memWindow performs register accesses directly on mapped memory. Accesses
// go through pointers of the exact width so the compiler neither splits nor
// merges them. Registers are little-endian.
type memWindow struct {
	phys    uint64
	b       []byte
	release func() error
}

func (w *memWindow) Physical() uint64 { return w.phys }
func (w *memWindow) Len() int         { return len(w.b) }

func (w *memWindow) ptr(off, width int) unsafe.Pointer {
	checkRange(off, width, len(w.b))
	return unsafe.Pointer(&w.b[off])
}

func (w *memWindow) Read8(off int) uint8 {
	return *(*uint8)(w.ptr(off, 1))
}

func (w *memWindow) Read16(off int) uint16 {
	return swap16(*(*uint16)(w.ptr(off, 2)))
}

func (w *memWindow) Read32(off int) uint32 {
	return swap32(atomic.LoadUint32((*uint32)(w.ptr(off, 4))))
}

func (w *memWindow) Write8(off int, value uint8) {
	*(*uint8)(w.ptr(off, 1)) = value
}

func (w *memWindow) Write16(off int, value uint16) {
	*(*uint16)(w.ptr(off, 2)) = swap16(value)
}

func (w *memWindow) Write32(off int, value uint32) {
	atomic.StoreUint32((*uint32)(w.ptr(off, 4)), swap32(value))
}

func (w *memWindow) Close() error {
	if w.release == nil {
		return nil
	}
	release := w.release
	w.release = nil
	return release()
}

// swap16 converts between host order and little-endian.
func swap16(v uint16) uint16 {
	var raw [2]byte
	binary.NativeEndian.PutUint16(raw[:], v)
	return binary.LittleEndian.Uint16(raw[:])
}

func swap32(v uint32) uint32 {
	var raw [4]byte
	binary.NativeEndian.PutUint32(raw[:], v)
	return binary.LittleEndian.Uint32(raw[:])
}
