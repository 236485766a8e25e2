// Package virtio implements the driver side of the virtio-pci transport:
// capability discovery, the status handshake and feature negotiation,
// split virtqueues and interrupt dispatch.
package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/irq"
	"github.com/tinyrange/virtcore/internal/physmem"
)

const maxConfigRetries = 8

// Options configures Initialize.
type Options struct {
	// Mapper maps register windows and allocates ring memory. Required.
	Mapper physmem.Mapper
	// Interrupts delivers the device's interrupt line. Without it the
	// driver must call Dispatcher().Service or Poll.
	Interrupts irq.Source
	// Policy selects the accepted features. VERSION_1 is always accepted.
	// A nil policy accepts nothing else.
	Policy FeaturePolicy

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Name labels logs and metrics. It defaults to the PCI address.
	Name string

	// MaxQueues bounds how many queues are set up. Zero sets up all.
	MaxQueues int
	// MaxQueueSize shrinks queues below the device maximum. It must be a
	// power of two. Zero keeps the device maximum.
	MaxQueueSize uint16
	Layout       Layout
	ResetTimeout time.Duration

	OnConfigChange func()
	// BeforeDriverOK runs after the queues are ready and before DRIVER_OK,
	// for device-specific setup.
	BeforeDriverOK func(*Device) error
}

func (o *Options) normalize(fn pci.Function) error {
	if o.Mapper == nil {
		return errors.New("virtio: options require a Mapper")
	}
	if o.MaxQueueSize != 0 && !validQueueSize(o.MaxQueueSize) {
		return fmt.Errorf("%w: MaxQueueSize %d", ErrInvalidQueueSize, o.MaxQueueSize)
	}
	if o.Name == "" {
		o.Name = fn.Address().String()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Policy == nil {
		o.Policy = AcceptFeatures()
	}
	return nil
}

// Device is an initialized virtio-pci device.
type Device struct {
	name   string
	fn     pci.Function
	typ    DeviceType
	caps   *Capabilities
	mapper physmem.Mapper

	cc      *commonConfig
	notify  physmem.Mapping
	isr     physmem.Mapping
	devcfg  physmem.Mapping
	windows []physmem.Mapping

	status     *statusMachine
	queues     []*Queue
	numQueues  int
	queueErrs  map[int]error
	dispatcher *Dispatcher
	metrics    *Metrics
	log        *slog.Logger

	// mu is held for reading by register accesses and for writing by
	// Close, which unmaps the windows.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Initialize identifies fn, locates its configuration structures, runs the
// status handshake and sets up its queues. On success the device is at
// DRIVER_OK.
func Initialize(ctx context.Context, fn pci.Function, opts Options) (_ *Device, err error) {
	if err := opts.normalize(fn); err != nil {
		return nil, err
	}
	log := opts.Logger.With("device", opts.Name)

	typ, err := Identify(fn)
	if err != nil {
		return nil, err
	}
	if err := pci.EnableBusMaster(fn); err != nil {
		return nil, fmt.Errorf("enable bus mastering: %w", err)
	}
	caps, err := LocateCapabilities(fn)
	if err != nil {
		return nil, err
	}

	reg := opts.Registerer
	if reg != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"device": opts.Name}, reg)
	}
	metrics, err := NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	d := &Device{
		name:      opts.Name,
		fn:        fn,
		typ:       typ,
		caps:      caps,
		mapper:    opts.Mapper,
		metrics:   metrics,
		queueErrs: make(map[int]error),
		log:       log,
	}
	defer func() {
		if err != nil {
			if d.status != nil && d.status.current() != StateFailed {
				d.status.fail()
			}
			d.release()
		}
	}()

	mapWindow := func(rec CapabilityRecord) (physmem.Mapping, error) {
		m, err := opts.Mapper.Map(rec.Address, int(rec.Length), physmem.Uncacheable)
		if err != nil {
			return nil, fmt.Errorf("map %s window: %w", rec.Kind, err)
		}
		d.windows = append(d.windows, m)
		return m, nil
	}
	common, err := mapWindow(caps.Common)
	if err != nil {
		return nil, err
	}
	d.cc = &commonConfig{w: common}
	if d.notify, err = mapWindow(caps.Notify); err != nil {
		return nil, err
	}
	if d.isr, err = mapWindow(caps.ISR); err != nil {
		return nil, err
	}
	if caps.Device.Length > 0 {
		if d.devcfg, err = mapWindow(caps.Device); err != nil {
			return nil, err
		}
	}

	d.status = newStatusMachine(d.cc, opts.ResetTimeout, log)
	if err := d.status.reset(ctx); err != nil {
		return nil, err
	}
	if err := d.status.advance(StateAcknowledged); err != nil {
		return nil, err
	}
	if err := d.status.advance(StateDriver); err != nil {
		return nil, err
	}
	features, err := d.status.negotiate(opts.Policy)
	if err != nil {
		log.Error("virtio: feature negotiation failed", "err", err)
		return nil, err
	}
	d.cc.disableConfigVector()

	if err := d.setupQueues(opts, features); err != nil {
		return nil, err
	}
	d.dispatcher = newDispatcher(opts.Interrupts, d.isr, metrics, opts.OnConfigChange, log)
	d.dispatcher.setQueues(d.queues)

	if opts.BeforeDriverOK != nil {
		if err := opts.BeforeDriverOK(d); err != nil {
			return nil, fmt.Errorf("device setup: %w", err)
		}
	}
	if err := d.status.advance(StateDriverOK); err != nil {
		return nil, err
	}
	for _, q := range d.queues {
		q.activate()
	}
	log.Info("virtio: device ready", "type", typ, "queues", len(d.queues), "unavailable", len(d.queueErrs), "features", features)
	return d, nil
}

func (d *Device) setupQueues(opts Options, features FeatureSet) error {
	n := int(d.cc.numQueues())
	if opts.MaxQueues > 0 && n > opts.MaxQueues {
		n = opts.MaxQueues
	}
	notifyWidth := 2
	if features.Has(FeatureNotificationData) {
		notifyWidth = 4
	}
	d.numQueues = n
	for i := 0; i < n; i++ {
		index := uint16(i)
		max, notifyOff := d.cc.queueInfo(index)
		if !validQueueSize(max) {
			// A size of zero means the queue is not implemented.
			d.skipQueue(index, fmt.Errorf("queue %d: %w: device reports %d", index, ErrInvalidQueueSize, max))
			continue
		}
		size := max
		if opts.MaxQueueSize != 0 && opts.MaxQueueSize < size {
			size = opts.MaxQueueSize
		}

		off := uint64(notifyOff) * uint64(d.caps.NotifyOffMultiplier)
		if off+uint64(notifyWidth) > uint64(d.notify.Len()) {
			return &CapabilityError{Kind: CapabilityNotify, Reason: fmt.Sprintf("queue %d notify offset %#x beyond window of %#x bytes", index, off, d.notify.Len())}
		}

		q, err := newQueue(d.mapper, queueConfig{
			index:     index,
			size:      size,
			layout:    opts.Layout,
			eventIdx:  features.Has(FeatureEventIdx),
			notifData: features.Has(FeatureNotificationData),
			notifyWin: d.notify,
			notifyOff: int(off),
			metrics:   d.metrics,
			log:       d.log,
		})
		if err != nil {
			return err
		}

		desc, driver, device := q.addresses()
		if got := d.cc.programQueue(index, size, desc, driver, device); got != size {
			q.release()
			d.skipQueue(index, fmt.Errorf("queue %d: %w: device kept size %d instead of %d", index, ErrInvalidQueueSize, got, size))
			continue
		}
		if !d.cc.queueEnabled(index) {
			q.release()
			d.skipQueue(index, fmt.Errorf("virtio: queue %d did not enable", index))
			continue
		}
		d.queues = append(d.queues, q)
		d.log.Info("virtio: queue ready", "queue", index, "size", size, "layout", opts.Layout)
	}
	return nil
}

// skipQueue records why a queue is unusable. The rest of the device stays
// usable; Queue returns err for that index.
func (d *Device) skipQueue(index uint16, err error) {
	d.queueErrs[int(index)] = err
	d.log.Warn("virtio: queue unavailable", "queue", index, "err", err)
}

// Name returns the label used in logs and metrics.
func (d *Device) Name() string { return d.name }

// Type returns the virtio device type.
func (d *Device) Type() DeviceType { return d.typ }

// Capabilities returns the located configuration structures.
func (d *Device) Capabilities() *Capabilities { return d.caps }

// Features returns the accepted feature set, including VERSION_1.
func (d *Device) Features() FeatureSet { return d.status.features() }

// State returns the current handshake state.
func (d *Device) State() DeviceState { return d.status.current() }

// NeedsReset reports whether the device has signalled DEVICE_NEEDS_RESET.
func (d *Device) NeedsReset() bool { return d.status.needsReset() }

// Queues returns every usable queue in index order.
func (d *Device) Queues() []*Queue { return d.queues }

// Queue returns queue i. A queue the device sized invalidly reports
// ErrInvalidQueueSize.
func (d *Device) Queue(i int) (*Queue, error) {
	if err, ok := d.queueErrs[i]; ok {
		return nil, err
	}
	for _, q := range d.queues {
		if int(q.index) == i {
			return q, nil
		}
	}
	return nil, fmt.Errorf("virtio: queue %d out of range (device has %d)", i, d.numQueues)
}

// Dispatcher returns the interrupt dispatcher.
func (d *Device) Dispatcher() *Dispatcher { return d.dispatcher }

// ConfigChanged is signalled on each configuration change interrupt.
func (d *Device) ConfigChanged() <-chan struct{} { return d.dispatcher.ConfigChanged() }

// Run dispatches interrupts until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	return d.dispatcher.Run(ctx)
}

// ConfigGeneration returns the device's config generation counter, or 0
// once the device is closed.
func (d *Device) ConfigGeneration() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0
	}
	return d.cc.generation()
}

func (d *Device) checkConfigRange(off, size int) error {
	switch size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("virtio: config access width %d", size)
	}
	align := min(size, 4)
	if d.devcfg == nil || off < 0 || off%align != 0 || off+size > d.devcfg.Len() {
		return fmt.Errorf("virtio: config access [%#x, +%d) invalid", off, size)
	}
	return nil
}

// ReadConfig reads a device configuration field of size 1, 2, 4 or 8
// bytes. The read is repeated until the config generation is stable.
func (d *Device) ReadConfig(off, size int) (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}
	if err := d.checkConfigRange(off, size); err != nil {
		return 0, err
	}
	for attempt := 0; attempt < maxConfigRetries; attempt++ {
		before := d.cc.generation()
		var v uint64
		switch size {
		case 1:
			v = uint64(d.devcfg.Read8(off))
		case 2:
			v = uint64(d.devcfg.Read16(off))
		case 4:
			v = uint64(d.devcfg.Read32(off))
		case 8:
			v = uint64(d.devcfg.Read32(off)) | uint64(d.devcfg.Read32(off+4))<<32
		}
		if d.cc.generation() == before {
			return v, nil
		}
		d.log.Warn("virtio: config changed during read, retrying", "offset", off, "attempt", attempt+1)
	}
	return 0, fmt.Errorf("%w: config generation unstable after %d reads", ErrTimeout, maxConfigRetries)
}

// WriteConfig writes a device configuration field. Writes before
// FEATURES_OK fail with ErrPrematureConfigWrite.
func (d *Device) WriteConfig(off, size int, value uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if err := d.status.checkConfigWrite(); err != nil {
		return err
	}
	if err := d.checkConfigRange(off, size); err != nil {
		return err
	}
	switch size {
	case 1:
		d.devcfg.Write8(off, uint8(value))
	case 2:
		d.devcfg.Write16(off, uint16(value))
	case 4:
		d.devcfg.Write32(off, uint32(value))
	case 8:
		d.devcfg.Write32(off, uint32(value))
		d.devcfg.Write32(off+4, uint32(value>>32))
	}
	return nil
}

// Reset returns the device to RESET. Every queue handle is invalidated and
// outstanding chains are reclaimed by the reset itself.
func (d *Device) Reset(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return d.reset(ctx)
}

func (d *Device) reset(ctx context.Context) error {
	// Submitters are stopped before the reset is written. Ring memory is
	// released after it.
	for _, q := range d.queues {
		q.kill()
	}
	err := d.status.reset(ctx)
	for _, q := range d.queues {
		q.invalidate()
	}
	if err != nil {
		return err
	}
	d.log.Info("virtio: device reset")
	return nil
}

// Close resets the device, stops interrupt servicing and releases its
// mappings. Later register accesses fail with ErrDeviceClosed.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), d.status.resetTimeout)
		defer cancel()
		err = d.reset(ctx)
		d.dispatcher.shutdown()
		d.closed = true
		d.release()
	})
	return err
}

func (d *Device) release() {
	for _, q := range d.queues {
		q.invalidate()
	}
	for _, w := range d.windows {
		_ = w.Close()
	}
	d.windows = nil
	d.metrics.Unregister()
}
