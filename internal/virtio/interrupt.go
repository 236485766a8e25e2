package virtio

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tinyrange/virtcore/internal/irq"
	"github.com/tinyrange/virtcore/internal/physmem"
)

// Dispatcher turns interrupt events into queue wakeups and config-change
// signals. Without per-queue vectors it cannot tell which queue completed
// work, so every queue is woken and re-checks its own used ring.
type Dispatcher struct {
	src irq.Source
	isr physmem.Mapping

	mu     sync.Mutex
	queues []*Queue

	// svcMu guards isr against shutdown unmapping it.
	svcMu  sync.RWMutex
	closed bool
	done   chan struct{}

	configCh chan struct{}
	onConfig func()
	metrics  *Metrics
	log      *slog.Logger
}

func newDispatcher(src irq.Source, isr physmem.Mapping, metrics *Metrics, onConfig func(), log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		src:      src,
		isr:      isr,
		configCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
		onConfig: onConfig,
		metrics:  metrics,
		log:      log,
	}
}

func (d *Dispatcher) setQueues(queues []*Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues = queues
}

// Service reads and clears the ISR once and acts on it. It never blocks,
// so drivers without an interrupt source can call it when polling.
func (d *Dispatcher) Service() {
	d.svcMu.RLock()
	if d.closed {
		d.svcMu.RUnlock()
		return
	}
	status := d.isr.Read8(0)
	d.svcMu.RUnlock()

	if status&(isrQueue|isrConfig) == 0 {
		d.metrics.interrupt("spurious")
		d.log.Debug("virtio: spurious interrupt", "isr", status)
		return
	}
	if status&isrQueue != 0 {
		d.metrics.interrupt("queue")
		d.mu.Lock()
		queues := d.queues
		d.mu.Unlock()
		for _, q := range queues {
			q.wake()
		}
	}
	if status&isrConfig != 0 {
		d.metrics.interrupt("config")
		d.log.Info("virtio: configuration changed")
		select {
		case d.configCh <- struct{}{}:
		default:
		}
		if d.onConfig != nil {
			d.onConfig()
		}
	}
}

// shutdown stops servicing. Service calls after it return without touching
// the ISR, and Run returns nil.
func (d *Dispatcher) shutdown() {
	d.svcMu.Lock()
	defer d.svcMu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.done)
}

// Run services interrupts until ctx is done, the source is closed or the
// device is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	if d.src == nil {
		<-ctx.Done()
		return nil
	}
	for {
		if err := d.src.Wait(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, irq.ErrClosed) {
				return nil
			}
			return err
		}
		d.Service()
	}
}

// ConfigChanged is signalled after each configuration change interrupt.
// Signals that are not consumed coalesce.
func (d *Dispatcher) ConfigChanged() <-chan struct{} {
	return d.configCh
}
