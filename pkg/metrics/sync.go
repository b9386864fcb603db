package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics records queue drains, delivery outcomes, catalog checks and
// history cache efficiency.
type SyncMetrics struct {
	drainDuration *prometheus.HistogramVec
	deliveries    *prometheus.CounterVec
	catalogSyncs  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// NewSyncMetrics registers the sync metrics on the provided registerer. A nil
// registerer yields a no-op recorder.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	drainDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_drain_duration_seconds",
		Help:    "Duration of queue drain cycles in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "order_delivery_total",
		Help: "Order delivery attempts by queue and outcome.",
	}, []string{"queue", "outcome"})
	catalogSyncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_total",
		Help: "Catalog checks by resolved strategy.",
	}, []string{"strategy"})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "history_cache_lookups_total",
		Help: "Purchase history cache lookups by result.",
	}, []string{"result"})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Items waiting in each durable queue after the last drain.",
	}, []string{"queue"})
	reg.MustRegister(drainDuration, deliveries, catalogSyncs, cacheLookups, queueDepth)
	return &SyncMetrics{
		drainDuration: drainDuration,
		deliveries:    deliveries,
		catalogSyncs:  catalogSyncs,
		cacheLookups:  cacheLookups,
		queueDepth:    queueDepth,
	}
}

// ObserveDrain records how long a drain of the named queue took.
func (m *SyncMetrics) ObserveDrain(queue string, duration time.Duration) {
	if m == nil || m.drainDuration == nil {
		return
	}
	m.drainDuration.WithLabelValues(normalizeLabel(queue)).Observe(duration.Seconds())
}

// IncDelivery counts one delivery attempt outcome (delivered, failed, retry, handoff).
func (m *SyncMetrics) IncDelivery(queue, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(queue), normalizeLabel(outcome)).Inc()
}

// IncCatalogSync counts one resolved catalog check.
func (m *SyncMetrics) IncCatalogSync(strategy string) {
	if m == nil || m.catalogSyncs == nil {
		return
	}
	m.catalogSyncs.WithLabelValues(normalizeLabel(strategy)).Inc()
}

// IncCacheLookup counts a history cache hit, stale hit or miss.
func (m *SyncMetrics) IncCacheLookup(result string) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(normalizeLabel(result)).Inc()
}

// SetQueueDepth publishes the number of items left in a queue.
func (m *SyncMetrics) SetQueueDepth(queue string, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(queue)).Set(float64(depth))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
