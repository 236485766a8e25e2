package virtio

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/devices/virtiodev"
	"github.com/tinyrange/virtcore/internal/irq"
	"github.com/tinyrange/virtcore/internal/physmem"
)

// Device-specific feature bits used by the negotiation tests.
const (
	featA Feature = 0
	featB Feature = 1
	featC Feature = 2
)

type rigConfig struct {
	queues   int
	maxSize  uint16
	manual   bool
	features []Feature
	faults   virtiodev.Faults
}

// rig is a simulated machine with one loopback device behind the ECAM
// window.
type rig struct {
	platform *virtiodev.Platform
	dev      *virtiodev.Device
	loop     *virtiodev.Loopback
	fn       pci.Function
	line     *irq.Line
	registry *prometheus.Registry
}

func newRig(t *testing.T, cfg rigConfig) *rig {
	t.Helper()
	if cfg.queues == 0 {
		cfg.queues = 1
	}
	p, err := virtiodev.NewPlatform(16 << 20)
	require.NoError(t, err)

	var features []uint64
	for _, f := range cfg.features {
		features = append(features, uint64(1)<<f)
	}
	loop := virtiodev.NewLoopback(cfg.queues, cfg.maxSize, cfg.manual)
	dev, fn, line, err := p.Attach(virtiodev.Config{
		Slot:       3,
		DeviceType: uint16(DeviceNet),
		Features:   features,
		Handler:    loop,
		Faults:     cfg.faults,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	return &rig{
		platform: p,
		dev:      dev,
		loop:     loop,
		fn:       fn,
		line:     line,
		registry: prometheus.NewRegistry(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (r *rig) options(opts Options) Options {
	if opts.Mapper == nil {
		opts.Mapper = r.platform.Memory
	}
	if opts.Interrupts == nil {
		opts.Interrupts = r.line
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Registerer == nil {
		opts.Registerer = r.registry
	}
	return opts
}

func (r *rig) initialize(t *testing.T, opts Options) (*Device, error) {
	t.Helper()
	return Initialize(context.Background(), r.fn, r.options(opts))
}

func (r *rig) mustInitialize(t *testing.T, opts Options) *Device {
	t.Helper()
	d, err := r.initialize(t, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// run services interrupts in the background until the test ends.
func (r *rig) run(t *testing.T, d *Device) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

// dma allocates a buffer in simulated RAM filled with data and padded to
// size bytes.
func (r *rig) dma(t *testing.T, size int, data []byte) *physmem.Buffer {
	t.Helper()
	b, err := r.platform.Memory.AllocDMA(size)
	require.NoError(t, err)
	copy(b.Bytes(), data)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// metricValue returns the value of the counter or gauge called name whose
// labels include want.
func (r *rig) metricValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := r.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}
