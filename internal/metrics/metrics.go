// Package metrics exposes Prometheus collectors for the live subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forumlive"

// Recorder counts published events, deliveries and blocked listeners.
type Recorder struct {
	published  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	listeners  prometheus.Gauge
}

// New registers the live collectors on reg. queueSize backs the queue size gauge.
func New(reg prometheus.Registerer, queueSize func() int) *Recorder {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "queue_size",
		Help:      "Events retained by the checkpoint tracker.",
	}, func() float64 {
		return float64(queueSize())
	})

	return &Recorder{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "events_published_total",
			Help:      "Events published to the live queue.",
		}, []string{"type"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "deliveries_total",
			Help:      "Listen responses by delivery path.",
		}, []string{"path"}),
		listeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "listeners",
			Help:      "Listeners currently blocked waiting for events.",
		}),
	}
}

func (r *Recorder) EventPublished(eventType string) {
	r.published.WithLabelValues(eventType).Inc()
}

func (r *Recorder) Delivered(optimized bool) {
	path := "search"
	if optimized {
		path = "optimized"
	}
	r.deliveries.WithLabelValues(path).Inc()
}

func (r *Recorder) ListenerAdded() {
	r.listeners.Inc()
}

func (r *Recorder) ListenerRemoved() {
	r.listeners.Dec()
}
