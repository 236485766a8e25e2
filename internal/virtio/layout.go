package virtio

import (
	"fmt"
	"strings"
)

// Layout selects how the three ring regions are placed in memory.
type Layout uint8

const (
	// LayoutSplit allocates the descriptor table, driver area and device area
	// independently with their natural alignment.
	LayoutSplit Layout = iota
	// LayoutContiguous places all three in one region with the device area
	// aligned to 4096, as legacy devices require.
	LayoutContiguous
)

const legacyUsedAlign = 4096

func (l Layout) String() string {
	switch l {
	case LayoutSplit:
		return "split"
	case LayoutContiguous:
		return "contiguous"
	default:
		return fmt.Sprintf("Layout(%d)", uint8(l))
	}
}

// ParseLayout accepts the names returned by Layout.String.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "split":
		return LayoutSplit, nil
	case "contiguous", "legacy":
		return LayoutContiguous, nil
	}
	return 0, fmt.Errorf("virtio: unknown queue layout %q", s)
}

// Region is one ring area. Offset is relative to the start of the
// allocation that holds it.
type Region struct {
	Offset int
	Len    int
	Align  int
}

// RingLayout describes the memory a split queue of a given size occupies.
type RingLayout struct {
	Size   uint16
	Layout Layout
	Desc   Region
	Avail  Region
	Used   Region
	// Total is the number of bytes the rings need. For LayoutSplit it is the
	// sum of the three regions, each of which is allocated on its own.
	Total int
}

// QueueLayout computes the ring layout for size entries.
func QueueLayout(size uint16, layout Layout) (RingLayout, error) {
	if !validQueueSize(size) {
		return RingLayout{}, fmt.Errorf("%w: %d", ErrInvalidQueueSize, size)
	}
	n := int(size)
	rl := RingLayout{
		Size:   size,
		Layout: layout,
		Desc:   Region{Len: descSize * n, Align: 16},
		Avail:  Region{Len: ringHeaderLen + availElemSize*n + eventLen, Align: 2},
		Used:   Region{Len: ringHeaderLen + usedElemSize*n + eventLen, Align: 4},
	}
	switch layout {
	case LayoutSplit:
		rl.Total = rl.Desc.Len + rl.Avail.Len + rl.Used.Len
	case LayoutContiguous:
		rl.Avail.Offset = rl.Desc.Len
		rl.Used.Align = legacyUsedAlign
		rl.Used.Offset = alignUp(rl.Avail.Offset+rl.Avail.Len, legacyUsedAlign)
		rl.Total = rl.Used.Offset + rl.Used.Len
	default:
		return RingLayout{}, fmt.Errorf("virtio: unknown queue layout %d", layout)
	}
	return rl, nil
}

func validQueueSize(size uint16) bool {
	return size != 0 && size&(size-1) == 0
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
