// Package prom implements messaging.Metrics on Prometheus counters.
package prom

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msgkit/msgkit/modules/messaging"
)

// Metrics counts published messages and dropped deliveries.
type Metrics struct {
	published *prometheus.CounterVec
	dropped   prometheus.Counter
}

var _ messaging.Metrics = (*Metrics)(nil)

// New creates the counters and registers them with reg if non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "msgkit",
				Subsystem: "messaging",
				Name:      "published_total",
				Help:      "Total number of published messages",
			},
			[]string{"prefix"},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "msgkit",
				Subsystem: "messaging",
				Name:      "deliveries_dropped_total",
				Help: "Total number of deliveries dropped " +
					"on full subscriber channels",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.dropped)
	}
	return m
}

// Collectors returns the underlying collectors for manual registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.published, m.dropped}
}

func (m *Metrics) OnPublish(destination string) {
	m.published.WithLabelValues(prefix(destination)).Inc()
}

func (m *Metrics) OnDeliveryDropped() {
	m.dropped.Inc()
}

// prefix reduces a destination to its first token. Reply inboxes embed
// unique ids, so the full subject would be unbounded label cardinality.
func prefix(destination string) string {
	if i := strings.IndexByte(destination, '.'); i >= 0 {
		return destination[:i]
	}
	return destination
}
