package physmem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Load16 atomically loads the little-endian 16-bit value at b[off]. The
// access is made on the naturally aligned 32-bit word that contains it, so
// b must start on a 4-byte boundary and extend to the end of that word.
func Load16(b []byte, off int) uint16 {
	word := off &^ 3
	v := atomic.LoadUint32(word32(b, word))
	var raw [4]byte
	binary.NativeEndian.PutUint32(raw[:], v)
	return binary.LittleEndian.Uint16(raw[off-word:])
}

// Store16 atomically replaces the little-endian 16-bit value at b[off]
// without disturbing the other half of its word.
func Store16(b []byte, off int, value uint16) {
	word := off &^ 3
	p := word32(b, word)
	for {
		old := atomic.LoadUint32(p)
		var raw [4]byte
		binary.NativeEndian.PutUint32(raw[:], old)
		binary.LittleEndian.PutUint16(raw[off-word:], value)
		if atomic.CompareAndSwapUint32(p, old, binary.NativeEndian.Uint32(raw[:])) {
			return
		}
	}
}

// word32 returns the word at b[word:word+4]. The range is checked against
// len(b) only; the word itself is never touched except atomically.
func word32(b []byte, word int) *uint32 {
	if word < 0 || word+4 > len(b) {
		panic(fmt.Sprintf("physmem: 32-bit word at %d outside %d-byte ring", word, len(b)))
	}
	return (*uint32)(unsafe.Pointer(&b[word]))
}
