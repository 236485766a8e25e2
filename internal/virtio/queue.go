package virtio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tinyrange/virtcore/internal/physmem"
)

// freeEnd terminates the free list.
const freeEnd = 0xFFFF

// Token identifies a submitted chain until it is reaped.
type Token uint64

// Buffer is one segment of a descriptor chain. Addr is a bus address the
// device can reach, usually inside a physmem.Buffer.
type Buffer struct {
	Addr     uint64
	Len      uint32
	Writable bool
}

// Completion reports a reaped chain and how many bytes the device wrote
// into its writable segments.
type Completion struct {
	Token   Token
	Written uint32
}

// Queue is a split virtqueue. Submit and Poll may be called concurrently.
type Queue struct {
	index     uint16
	size      uint16
	ring      splitRing
	mem       []*physmem.Buffer
	eventIdx  bool
	notifData bool
	notifyWin physmem.Mapping
	notifyOff int

	// mu guards the descriptor table, the avail ring and the free list.
	mu        sync.Mutex
	next      []uint16
	chainLen  []uint16
	tokens    []Token
	capacity  []uint64
	inFlight  *bitset.BitSet
	freeHead  uint16
	numFree   int
	availIdx  uint16
	nextToken Token
	deferred  bool

	// reapMu serializes reapers. Free list updates also take mu.
	reapMu   sync.Mutex
	lastUsed uint16

	live   atomic.Bool
	dead   atomic.Bool
	broken atomic.Pointer[error]

	waiters waiter.Queue
	metrics *queueMetrics
	log     *slog.Logger
}

type queueConfig struct {
	index     uint16
	size      uint16
	layout    Layout
	eventIdx  bool
	notifData bool
	notifyWin physmem.Mapping
	notifyOff int
	metrics   *Metrics
	log       *slog.Logger
}

// newQueue allocates ring memory from mapper and builds the free list.
func newQueue(mapper physmem.Mapper, cfg queueConfig) (*Queue, error) {
	rl, err := QueueLayout(cfg.size, cfg.layout)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		index:     cfg.index,
		size:      cfg.size,
		eventIdx:  cfg.eventIdx,
		notifData: cfg.notifData,
		notifyWin: cfg.notifyWin,
		notifyOff: cfg.notifyOff,
		next:      make([]uint16, cfg.size),
		chainLen:  make([]uint16, cfg.size),
		tokens:    make([]Token, cfg.size),
		capacity:  make([]uint64, cfg.size),
		inFlight:  bitset.New(uint(cfg.size)),
		numFree:   int(cfg.size),
		nextToken: 1,
		metrics:   cfg.metrics.queue(cfg.index),
		log:       cfg.log.With("queue", cfg.index),
	}

	// Ring words are accessed as aligned 32-bit words, so each area is
	// padded to a multiple of four bytes.
	region := func(buf *physmem.Buffer, r Region) []byte {
		return buf.Bytes()[r.Offset : r.Offset+alignUp(r.Len, 4)]
	}
	switch rl.Layout {
	case LayoutContiguous:
		buf, err := mapper.AllocDMA(alignUp(rl.Total, 4))
		if err != nil {
			return nil, fmt.Errorf("allocate queue %d rings: %w", cfg.index, err)
		}
		q.mem = []*physmem.Buffer{buf}
		q.ring = splitRing{size: cfg.size, desc: region(buf, rl.Desc), avail: region(buf, rl.Avail), used: region(buf, rl.Used)}
	default:
		var areas [3][]byte
		for i, r := range []Region{rl.Desc, rl.Avail, rl.Used} {
			buf, err := mapper.AllocDMA(alignUp(r.Len, 4))
			if err != nil {
				q.release()
				return nil, fmt.Errorf("allocate queue %d rings: %w", cfg.index, err)
			}
			q.mem = append(q.mem, buf)
			areas[i] = region(buf, r)
		}
		q.ring = splitRing{size: cfg.size, desc: areas[0], avail: areas[1], used: areas[2]}
	}

	for i := range q.next {
		q.next[i] = uint16(i + 1)
	}
	q.next[cfg.size-1] = freeEnd
	q.ring.prefill()
	q.metrics.free.Set(float64(q.numFree))
	return q, nil
}

// addresses returns the bus addresses of the descriptor table, the driver
// area and the device area.
func (q *Queue) addresses() (desc, driver, device uint64) {
	if len(q.mem) == 1 {
		base := q.mem[0].Physical()
		rl, _ := QueueLayout(q.size, LayoutContiguous)
		return base, base + uint64(rl.Avail.Offset), base + uint64(rl.Used.Offset)
	}
	return q.mem[0].Physical(), q.mem[1].Physical(), q.mem[2].Physical()
}

func (q *Queue) release() {
	for _, b := range q.mem {
		_ = b.Close()
	}
	q.mem = nil
}

// Index returns the queue index.
func (q *Queue) Index() uint16 { return q.index }

// Size returns the number of descriptors.
func (q *Queue) Size() uint16 { return q.size }

// NumFree returns the number of descriptors on the free list.
func (q *Queue) NumFree() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numFree
}

// Broken returns the protocol violation that broke the queue, or nil.
func (q *Queue) Broken() error {
	if err := q.broken.Load(); err != nil {
		return *err
	}
	return nil
}

func (q *Queue) usable() error {
	if q.dead.Load() {
		return ErrQueueReset
	}
	return q.Broken()
}

// Submit links bufs into a chain in order and makes it available to the
// device. It never blocks. ErrQueueFull means the caller should reap and
// retry.
func (q *Queue) Submit(bufs ...Buffer) (Token, error) {
	if len(bufs) == 0 {
		return 0, ErrEmptyChain
	}
	if len(bufs) > int(q.size) {
		return 0, fmt.Errorf("virtio: chain of %d descriptors exceeds queue size %d", len(bufs), q.size)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return 0, err
	}
	if q.numFree < len(bufs) {
		q.metrics.queueFull.Inc()
		return 0, ErrQueueFull
	}

	head := q.freeHead
	idx := head
	var capacity uint64
	for i, b := range bufs {
		var flags uint16
		if b.Writable {
			flags |= DescFlagWrite
			capacity += uint64(b.Len)
		}
		next := q.next[idx]
		link := uint16(0)
		if i < len(bufs)-1 {
			flags |= DescFlagNext
			link = next
		}
		q.ring.writeDesc(idx, b.Addr, b.Len, flags, link)
		if i < len(bufs)-1 {
			idx = next
		} else {
			q.freeHead = next
		}
	}
	q.numFree -= len(bufs)

	token := q.nextToken
	q.nextToken++
	q.chainLen[head] = uint16(len(bufs))
	q.tokens[head] = token
	q.capacity[head] = capacity
	q.inFlight.Set(uint(head))

	old := q.availIdx
	q.ring.setAvailEntry(old, head)
	q.availIdx++
	q.ring.publishAvail(q.availIdx)

	q.metrics.submissions.Inc()
	q.metrics.free.Set(float64(q.numFree))

	if !q.live.Load() {
		q.deferred = true
		return token, nil
	}
	q.kickLocked(old)
	return token, nil
}

// kickLocked notifies the device unless it asked not to be notified for
// the index move from old.
func (q *Queue) kickLocked(old uint16) {
	var need bool
	if q.eventIdx {
		need = needEvent(q.ring.availEvent(), q.availIdx, old)
	} else {
		need = q.ring.usedFlags()&usedFlagNoNotify == 0
	}
	if !need {
		q.metrics.suppressed.Inc()
		q.log.Debug("virtio: notification suppressed", "avail_idx", q.availIdx)
		return
	}
	q.notifyLocked()
}

func (q *Queue) notifyLocked() {
	if q.notifData {
		q.notifyWin.Write32(q.notifyOff, uint32(q.index)|uint32(q.availIdx)<<16)
	} else {
		q.notifyWin.Write16(q.notifyOff, q.index)
	}
	q.metrics.notifications.Inc()
}

// activate allows notifications and kicks the device if chains were
// submitted before DRIVER_OK.
func (q *Queue) activate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.live.Store(true)
	if q.deferred && !q.dead.Load() {
		q.deferred = false
		q.notifyLocked()
	}
}

// Poll reaps every completion the device has published. It never blocks.
// On a protocol violation the completions reaped before the bad entry are
// returned along with the error and the queue is broken.
func (q *Queue) Poll() ([]Completion, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}
	q.reapMu.Lock()
	defer q.reapMu.Unlock()
	if q.dead.Load() {
		return nil, ErrQueueReset
	}

	used := q.ring.usedIdx()
	pending := used - q.lastUsed
	if pending == 0 {
		return nil, nil
	}
	if pending > q.size {
		return nil, q.breakQueue(&ProtocolError{
			Queue:  q.index,
			Head:   uint32(q.ring.slot(q.lastUsed)),
			Reason: fmt.Sprintf("used index jumped from %d to %d", q.lastUsed, used),
		})
	}

	out := make([]Completion, 0, pending)
	q.mu.Lock()
	var err error
	for q.lastUsed != used {
		id, written := q.ring.usedElem(q.lastUsed)
		var c Completion
		c, err = q.reclaimLocked(id, written)
		if err != nil {
			break
		}
		out = append(out, c)
		q.lastUsed++
	}
	if q.eventIdx {
		q.ring.setUsedEvent(q.lastUsed)
	}
	free := q.numFree
	q.mu.Unlock()

	q.metrics.completions.Add(float64(len(out)))
	q.metrics.free.Set(float64(free))
	if err != nil {
		return out, q.breakQueue(err)
	}
	return out, nil
}

// reclaimLocked returns the chain headed by id to the free list.
func (q *Queue) reclaimLocked(id, written uint32) (Completion, error) {
	if id >= uint32(q.size) {
		return Completion{}, &ProtocolError{Queue: q.index, Head: id, Reason: fmt.Sprintf("index beyond table of %d", q.size)}
	}
	head := uint16(id)
	if !q.inFlight.Test(uint(head)) {
		return Completion{}, &ProtocolError{Queue: q.index, Head: id, Reason: "descriptor is not an outstanding chain head"}
	}
	if uint64(written) > q.capacity[head] {
		return Completion{}, &ProtocolError{Queue: q.index, Head: id, Reason: fmt.Sprintf("wrote %d bytes into %d writable bytes", written, q.capacity[head])}
	}

	tail := head
	for i := uint16(1); i < q.chainLen[head]; i++ {
		tail = q.next[tail]
	}
	q.next[tail] = q.freeHead
	q.freeHead = head
	q.numFree += int(q.chainLen[head])
	q.inFlight.Clear(uint(head))

	c := Completion{Token: q.tokens[head], Written: written}
	q.tokens[head] = 0
	q.chainLen[head] = 0
	q.capacity[head] = 0
	return c, nil
}

func (q *Queue) breakQueue(err error) error {
	if q.broken.CompareAndSwap(nil, &err) {
		q.metrics.violations.Inc()
		q.log.Error("virtio: queue broken", "err", err)
	}
	q.wake()
	return err
}

// WaitForCompletion reaps completions, waiting until the interrupt
// dispatcher wakes the queue if none are ready. A timeout of zero or less
// never waits. Abandoning the wait does not cancel in-flight chains; they
// must still be reaped.
func (q *Queue) WaitForCompletion(ctx context.Context, timeout time.Duration) ([]Completion, error) {
	entry, ch := waiter.NewChannelEntry(waiter.EventIn)
	q.waiters.EventRegister(&entry)
	defer q.waiters.EventUnregister(&entry)

	// Registering before the first poll means a completion published in
	// between still delivers a wakeup.
	done, err := q.Poll()
	if err != nil || len(done) > 0 {
		return done, err
	}
	if timeout <= 0 {
		return nil, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ch:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		done, err := q.Poll()
		if err != nil || len(done) > 0 {
			return done, err
		}
	}
}

// wake makes every waiter re-check the used ring.
func (q *Queue) wake() {
	q.waiters.Notify(waiter.EventIn)
}

// invalidate marks the queue unusable after a device reset and releases
// its ring memory. Outstanding chains are dropped.
func (q *Queue) invalidate() {
	q.kill()
	q.reapMu.Lock()
	q.release()
	q.reapMu.Unlock()
	q.wake()
}

// kill stops new submissions and notifications. Once it returns no
// Submit holds q.mu with the queue live.
func (q *Queue) kill() {
	q.mu.Lock()
	q.dead.Store(true)
	q.live.Store(false)
	q.mu.Unlock()
}
