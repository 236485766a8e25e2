package physmem

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// MMIOHandler serves accesses to a simulated register region. addr is the
// absolute physical address of the first byte.
type MMIOHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type mmioRegion struct {
	base    uint64
	size    uint64
	handler MMIOHandler
}

func (r mmioRegion) contains(addr, length uint64) bool {
	return addr >= r.base && length <= r.size && addr-r.base <= r.size-length
}

// Arena is a simulated physical address space: a block of RAM starting at
// base plus any number of MMIO regions served by handlers. It lets the
// transport and a simulated device share "physical" memory inside one
// process.
type Arena struct {
	base uint64
	mem  []byte

	mu    sync.Mutex
	pages *bitset.BitSet
	mmio  []mmioRegion
}

// NewArena creates an arena with size bytes of RAM at base. The first page
// is reserved so no allocation ever starts at base.
func NewArena(base uint64, size int) *Arena {
	if base%PageSize != 0 {
		panic(fmt.Sprintf("physmem: arena base %#x not page aligned", base))
	}
	size = roundUp(size, PageSize)
	a := &Arena{
		base:  base,
		mem:   make([]byte, size),
		pages: bitset.New(uint(size / PageSize)),
	}
	if size > 0 {
		a.pages.Set(0)
	}
	return a
}

// AddMMIO routes [base, base+size) to handler.
func (a *Arena) AddMMIO(base, size uint64, handler MMIOHandler) error {
	if size == 0 || base+size < base {
		return fmt.Errorf("physmem: invalid MMIO region %#x+%#x", base, size)
	}
	region := mmioRegion{base: base, size: size, handler: handler}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlapsRAM(base, size) {
		return fmt.Errorf("physmem: MMIO region %#x+%#x overlaps RAM", base, size)
	}
	for _, r := range a.mmio {
		if base < r.base+r.size && r.base < base+size {
			return fmt.Errorf("physmem: MMIO region %#x+%#x overlaps %#x+%#x", base, size, r.base, r.size)
		}
	}
	a.mmio = append(a.mmio, region)
	return nil
}

func (a *Arena) overlapsRAM(base, size uint64) bool {
	end := a.base + uint64(len(a.mem))
	return base < end && a.base < base+size
}

func (a *Arena) ramOffset(phys uint64, length int) (int, error) {
	if length < 0 || phys < a.base || phys-a.base > uint64(len(a.mem)) || uint64(length) > uint64(len(a.mem))-(phys-a.base) {
		return 0, fmt.Errorf("physmem: [%#x, +%d) outside RAM", phys, length)
	}
	return int(phys - a.base), nil
}

// Map implements Mapper. RAM ranges are mapped directly, MMIO ranges
// dispatch every access to their handler. Caching modes have no effect.
func (a *Arena) Map(phys uint64, size int, mode CachingMode) (Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("physmem: map of %d bytes", size)
	}
	if off, err := a.ramOffset(phys, size); err == nil {
		return &memWindow{phys: phys, b: a.mem[off : off+size : off+size]}, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.mmio {
		if r.contains(phys, uint64(size)) {
			return &mmioWindow{phys: phys, size: size, handler: r.handler}, nil
		}
	}
	return nil, fmt.Errorf("physmem: nothing decodes %#x+%#x (%s)", phys, size, mode)
}

// AllocDMA implements Mapper with a first-fit page allocator.
func (a *Arena) AllocDMA(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("physmem: DMA allocation of %d bytes", size)
	}
	count := uint(roundUp(size, PageSize) / PageSize)

	a.mu.Lock()
	start, ok := a.findRun(count)
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %d pages", ErrOutOfMemory, count)
	}
	for i := start; i < start+count; i++ {
		a.pages.Set(i)
	}
	a.mu.Unlock()

	off := int(start) * PageSize
	b := a.mem[off : off+int(count)*PageSize : off+int(count)*PageSize]
	clear(b)
	return &Buffer{
		phys: a.base + uint64(off),
		b:    b,
		release: func() error {
			a.mu.Lock()
			defer a.mu.Unlock()
			for i := start; i < start+count; i++ {
				a.pages.Clear(i)
			}
			return nil
		},
	}, nil
}

func (a *Arena) findRun(count uint) (uint, bool) {
	total := a.pages.Len()
	for i := uint(0); i < total; {
		start, ok := a.pages.NextClear(i)
		if !ok || start+count > total {
			return 0, false
		}
		next, ok := a.pages.NextSet(start)
		if !ok || next-start >= count {
			return start, true
		}
		i = next + 1
	}
	return 0, false
}

// FreePages reports how many pages are unallocated.
func (a *Arena) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.pages.Len() - a.pages.Count())
}

// ReadAt reads RAM at physical address off.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	start, err := a.ramOffset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, a.mem[start:]), nil
}

// WriteAt writes RAM at physical address off.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	start, err := a.ramOffset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(a.mem[start:], p), nil
}

// Slice returns a view of RAM for callers that need atomic access to shared
// words.
func (a *Arena) Slice(phys uint64, length int) ([]byte, error) {
	off, err := a.ramOffset(phys, length)
	if err != nil {
		return nil, err
	}
	return a.mem[off : off+length : off+length], nil
}

// mmioWindow forwards each access to a handler. Failed reads return all
// ones, as an unclaimed bus cycle would.
type mmioWindow struct {
	phys    uint64
	size    int
	handler MMIOHandler
}

func (w *mmioWindow) Physical() uint64 { return w.phys }
func (w *mmioWindow) Len() int         { return w.size }
func (w *mmioWindow) Close() error     { return nil }

func (w *mmioWindow) read(off int, data []byte) {
	checkRange(off, len(data), w.size)
	addr := w.phys + uint64(off)
	if err := w.handler.ReadMMIO(addr, data); err != nil {
		slog.Error("physmem: mmio read failed", "addr", fmt.Sprintf("%#x", addr), "width", len(data), "err", err)
		for i := range data {
			data[i] = 0xff
		}
	}
}

func (w *mmioWindow) write(off int, data []byte) {
	checkRange(off, len(data), w.size)
	addr := w.phys + uint64(off)
	if err := w.handler.WriteMMIO(addr, data); err != nil {
		slog.Error("physmem: mmio write failed", "addr", fmt.Sprintf("%#x", addr), "width", len(data), "err", err)
	}
}

func (w *mmioWindow) Read8(off int) uint8 {
	var buf [1]byte
	w.read(off, buf[:])
	return buf[0]
}

func (w *mmioWindow) Read16(off int) uint16 {
	var buf [2]byte
	w.read(off, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (w *mmioWindow) Read32(off int) uint32 {
	var buf [4]byte
	w.read(off, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (w *mmioWindow) Write8(off int, value uint8) {
	w.write(off, []byte{value})
}

func (w *mmioWindow) Write16(off int, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	w.write(off, buf[:])
}

func (w *mmioWindow) Write32(off int, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	w.write(off, buf[:])
}

var _ Mapper = (*Arena)(nil)
