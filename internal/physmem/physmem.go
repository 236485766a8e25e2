// Package physmem maps physical memory into the process: register windows
// for device configuration structures and DMA-visible buffers for rings.
package physmem

import (
	"errors"
	"fmt"
)

// PageSize is the granularity of every mapping and DMA allocation.
const PageSize = 0x1000

// CachingMode selects the memory type of a mapping.
type CachingMode uint8

const (
	Writeback CachingMode = iota
	Uncacheable
	WriteCombining
)

func (m CachingMode) String() string {
	switch m {
	case Writeback:
		return "writeback"
	case Uncacheable:
		return "uncacheable"
	case WriteCombining:
		return "write-combining"
	default:
		return fmt.Sprintf("CachingMode(%d)", uint8(m))
	}
}

var (
	// ErrUnsupportedCaching is returned when a backend cannot provide the
	// requested memory type.
	ErrUnsupportedCaching = errors.New("physmem: caching mode unsupported")
	// ErrOutOfMemory is returned when a DMA allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("physmem: out of DMA memory")
)

// Mapping is a register window. Every access is performed at exactly the
// width of the method called.
type Mapping interface {
	Physical() uint64
	Len() int
	Read8(off int) uint8
	Read16(off int) uint16
	Read32(off int) uint32
	Write8(off int, value uint8)
	Write16(off int, value uint16)
	Write32(off int, value uint32)
	Close() error
}

// Mapper is the physical memory mapping service.
type Mapper interface {
	// Map maps [phys, phys+size) with the supplied caching mode.
	Map(phys uint64, size int, mode CachingMode) (Mapping, error)
	// AllocDMA returns zeroed, physically contiguous, writeback memory the
	// device can address.
	AllocDMA(size int) (*Buffer, error)
}

// Buffer is DMA-visible memory owned by the driver.
type Buffer struct {
	phys    uint64
	b       []byte
	release func() error
}

// Bytes returns the driver's view of the buffer.
func (b *Buffer) Bytes() []byte { return b.b }

// Physical returns the bus address of the first byte.
func (b *Buffer) Physical() uint64 { return b.phys }

// Len returns the buffer length.
func (b *Buffer) Len() int { return len(b.b) }

// Close returns the memory to its backend. The buffer must not be used afterwards.
func (b *Buffer) Close() error {
	if b == nil || b.release == nil {
		return nil
	}
	release := b.release
	b.release = nil
	b.b = nil
	return release()
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func checkRange(off, width, size int) {
	if off < 0 || off+width > size {
		panic(fmt.Sprintf("physmem: access [%#x, +%d) outside window of %#x bytes", off, width, size))
	}
}
