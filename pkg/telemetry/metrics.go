package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "onaccess"

// Metrics are monotonic Prometheus mirrors of the on-access counters. Unlike
// Counters they are never reset. A nil *Metrics is valid and records nothing.
type Metrics struct {
	factory promauto.Factory

	eventsReceived prometheus.Counter
	eventsDropped  prometheus.Counter
	scans          *prometheus.CounterVec
	queueDepth     prometheus.GaugeFunc
	markedMounts   prometheus.Gauge
}

// NewMetrics registers the on-access metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		factory: factory,
		eventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "File events read from fanotify.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "File events dropped before a scan was attempted.",
		}),
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Finished scan requests by result.",
		}, []string{"result"}),
		markedMounts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "marked_mounts",
			Help:      "Mount points currently marked for on-access events.",
		}),
	}
}

func (m *Metrics) eventReceived(dropped bool) {
	if m == nil {
		return
	}
	m.eventsReceived.Inc()
	if dropped {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) fileScanned(isError bool) {
	if m == nil {
		return
	}
	result := "ok"
	if isError {
		result = "error"
	}
	m.scans.WithLabelValues(result).Inc()
}

// ObserveQueueDepth exports size as the queue depth, it is read on every
// collection. Call it once per registry.
func (m *Metrics) ObserveQueueDepth(size func() int) {
	if m == nil {
		return
	}
	m.queueDepth = m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Scan requests waiting for a handler.",
	}, func() float64 {
		return float64(size())
	})
}

// SetMarkedMounts records how many mounts are marked
func (m *Metrics) SetMarkedMounts(n int) {
	if m == nil {
		return
	}
	m.markedMounts.Set(float64(n))
}
