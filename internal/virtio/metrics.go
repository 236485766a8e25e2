package virtio

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "virtio"
	metricsSubsystem = "transport"
)

// Metrics holds the transport's collectors for one device.
type Metrics struct {
	submissions   *prometheus.CounterVec
	completions   *prometheus.CounterVec
	queueFull     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	violations    *prometheus.CounterVec
	freeDescs     *prometheus.GaugeVec
	interrupts    *prometheus.CounterVec

	reg        prometheus.Registerer
	registered []prometheus.Collector
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// yields working collectors that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	m := &Metrics{
		submissions:   counter("submissions_total", "Descriptor chains made available to the device.", "queue"),
		completions:   counter("completions_total", "Used entries reaped from the device.", "queue"),
		queueFull:     counter("queue_full_total", "Submissions rejected for lack of free descriptors.", "queue"),
		notifications: counter("notifications_total", "Notify register writes.", "queue"),
		suppressed:    counter("notifications_suppressed_total", "Notifications skipped because the device did not need them.", "queue"),
		violations:    counter("protocol_violations_total", "Used entries that broke the queue.", "queue"),
		freeDescs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "free_descriptors",
			Help:      "Descriptors on the free list.",
		}, []string{"queue"}),
		interrupts: counter("interrupts_total", "Interrupts serviced by cause.", "cause"),
	}
	if reg == nil {
		return m, nil
	}
	m.reg = reg
	for _, c := range []prometheus.Collector{
		m.submissions, m.completions, m.queueFull, m.notifications,
		m.suppressed, m.violations, m.freeDescs, m.interrupts,
	} {
		if err := reg.Register(c); err != nil {
			m.Unregister()
			return nil, err
		}
		m.registered = append(m.registered, c)
	}
	return m, nil
}

// Unregister removes the collectors from the registerer they were added
// to, so the same device can be initialized again after a reset.
func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	for _, c := range m.registered {
		m.reg.Unregister(c)
	}
	m.registered = nil
}

type queueMetrics struct {
	submissions   prometheus.Counter
	completions   prometheus.Counter
	queueFull     prometheus.Counter
	notifications prometheus.Counter
	suppressed    prometheus.Counter
	violations    prometheus.Counter
	free          prometheus.Gauge
}

func (m *Metrics) queue(index uint16) *queueMetrics {
	q := strconv.Itoa(int(index))
	return &queueMetrics{
		submissions:   m.submissions.WithLabelValues(q),
		completions:   m.completions.WithLabelValues(q),
		queueFull:     m.queueFull.WithLabelValues(q),
		notifications: m.notifications.WithLabelValues(q),
		suppressed:    m.suppressed.WithLabelValues(q),
		violations:    m.violations.WithLabelValues(q),
		free:          m.freeDescs.WithLabelValues(q),
	}
}

func (m *Metrics) interrupt(cause string) {
	m.interrupts.WithLabelValues(cause).Inc()
}
