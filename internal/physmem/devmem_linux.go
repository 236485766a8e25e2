package physmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	hugePageSize    = 2 << 20
	pagemapPresent  = 1 << 63
	pagemapFrameMax = 1<<55 - 1
)

// DevMem maps host physical memory through /dev/mem and allocates DMA
// memory from locked anonymous pages, translated with /proc/self/pagemap.
// It needs CAP_SYS_RAWIO and CAP_SYS_ADMIN.
type DevMem struct {
	uncached int
	cached   int
	pagemap  int
}

// OpenDevMem opens the descriptors DevMem needs.
func OpenDevMem() (*DevMem, error) {
	uncached, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/mem: %w", err)
	}
	cached, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(uncached)
		return nil, fmt.Errorf("open /dev/mem: %w", err)
	}
	pagemap, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(uncached)
		unix.Close(cached)
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	return &DevMem{uncached: uncached, cached: cached, pagemap: pagemap}, nil
}

// Map implements Mapper. O_SYNC mappings of /dev/mem are uncached.
func (m *DevMem) Map(phys uint64, size int, mode CachingMode) (Mapping, error) {
	var fd int
	switch mode {
	case Uncacheable:
		fd = m.uncached
	case Writeback:
		fd = m.cached
	default:
		return nil, fmt.Errorf("%w: %s via /dev/mem", ErrUnsupportedCaching, mode)
	}
	if size <= 0 {
		return nil, fmt.Errorf("physmem: map of %d bytes", size)
	}
	pageOff := int(phys % PageSize)
	length := roundUp(size+pageOff, PageSize)
	b, err := unix.Mmap(fd, int64(phys-uint64(pageOff)), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %#x+%#x (%s): %w", phys, size, mode, err)
	}
	return &memWindow{
		phys:    phys,
		b:       b[pageOff : pageOff+size : pageOff+size],
		release: func() error { return unix.Munmap(b) },
	}, nil
}

// AllocDMA implements Mapper. Allocations larger than a page come from a
// huge page so they are physically contiguous.
func (m *DevMem) AllocDMA(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("physmem: DMA allocation of %d bytes", size)
	}
	length := roundUp(size, PageSize)
	flags := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_LOCKED | unix.MAP_POPULATE
	if length > PageSize {
		if length > hugePageSize {
			return nil, fmt.Errorf("%w: %d bytes exceeds one huge page", ErrOutOfMemory, size)
		}
		length = hugePageSize
		flags |= unix.MAP_HUGETLB
	}
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes of DMA memory: %w", length, err)
	}
	phys, err := m.translate(b)
	if err != nil {
		unix.Munmap(b)
		return nil, err
	}
	return &Buffer{
		phys:    phys,
		b:       b,
		release: func() error { return unix.Munmap(b) },
	}, nil
}

// translate returns the physical address of b and checks that every page
// follows the first.
func (m *DevMem) translate(b []byte) (uint64, error) {
	var first uint64
	var entry [8]byte
	for off := 0; off < len(b); off += PageSize {
		vaddr := uintptr(unsafe.Pointer(&b[off]))
		n, err := unix.Pread(m.pagemap, entry[:], int64(vaddr/PageSize*8))
		if err != nil {
			return 0, fmt.Errorf("read pagemap: %w", err)
		}
		if n != len(entry) {
			return 0, fmt.Errorf("physmem: short pagemap read (want %d, got %d)", len(entry), n)
		}
		e := binary.LittleEndian.Uint64(entry[:])
		frame := e & pagemapFrameMax
		if e&pagemapPresent == 0 || frame == 0 {
			return 0, fmt.Errorf("physmem: page at %#x has no visible frame", vaddr)
		}
		phys := frame * PageSize
		if off == 0 {
			first = phys
		} else if phys != first+uint64(off) {
			return 0, fmt.Errorf("physmem: DMA buffer not physically contiguous at +%#x", off)
		}
	}
	return first, nil
}

// Close releases the descriptors.
func (m *DevMem) Close() error {
	unix.Close(m.pagemap)
	unix.Close(m.cached)
	return unix.Close(m.uncached)
}

var _ Mapper = (*DevMem)(nil)
