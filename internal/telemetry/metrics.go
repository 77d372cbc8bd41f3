// Package telemetry receives end-to-end latency samples from clients and
// exposes the process metrics the processors feed.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the system feeds. One instance is created at
// startup and handed to the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	Published      *prometheus.CounterVec
	Duplicates     prometheus.Counter
	DeliveredFrames prometheus.Counter
	ExpiredDrops   prometheus.Counter
	NoRecipients   prometheus.Counter
	ReapedSessions prometheus.Counter
	DeadLetters    prometheus.Counter
	StorageWrites  prometheus.Counter
	ClientLatency  prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbus_published_total",
			Help: "Envelopes accepted by the bus, by topic.",
		}, []string{"topic"}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatbus_publish_duplicates_total",
			Help: "FIFO publishes collapsed by the dedup window.",
		}),
		DeliveredFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatbus_delivered_frames_total",
			Help: "Frames written to session endpoints.",
		}),
		ExpiredDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatbus_expired_drops_total",
			Help: "Envelopes dropped for exceeding the validity window.",
		}),
		NoRecipients: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatbus_no_recipients_total",
			Help: "Envelopes processed with no live recipient session.",
		}),
		ReapedSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatbus_reaped_sessions_total",
			Help: "Sessions dropped after their endpoint reported gone.",
		}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatbus_dead_letters_total",
			Help: "Envelopes moved to the dead-letter holder.",
		}),
		StorageWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatbus_storage_writes_total",
			Help: "History records written.",
		}),
		ClientLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatbus_client_latency_seconds",
			Help:    "End-to-end delivery latency reported by clients.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// Registry returns the underlying registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
