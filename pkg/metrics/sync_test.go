package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSyncMetricsExportsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)

	m.IncDelivery("delivery", "delivered")
	m.IncDelivery("delivery", "delivered")
	m.IncDelivery("offline", "")
	m.IncCatalogSync("incremental")
	m.IncCacheLookup("hit")
	m.SetQueueDepth("delivery", 3)
	m.ObserveDrain("delivery", 120*time.Millisecond)

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("delivery", "delivered")); got != 2 {
		t.Fatalf("expected delivered=2, got %f", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("offline", "unknown")); got != 1 {
		t.Fatalf("expected blank outcome to map to unknown, got %f", got)
	}
	if got := testutil.ToFloat64(m.catalogSyncs.WithLabelValues("incremental")); got != 1 {
		t.Fatalf("expected incremental=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 1 {
		t.Fatalf("expected hit=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("delivery")); got != 3 {
		t.Fatalf("expected depth=3, got %f", got)
	}
	if got := testutil.CollectAndCount(m.drainDuration); got != 1 {
		t.Fatalf("expected one drain series, got %d", got)
	}
}

func TestSyncMetricsNilSafe(t *testing.T) {
	var m *SyncMetrics
	m.IncDelivery("delivery", "failed")
	m.ObserveDrain("delivery", time.Second)

	noop := NewSyncMetrics(nil)
	noop.IncCatalogSync("full")
	noop.IncCacheLookup("miss")
	noop.SetQueueDepth("offline", 1)
}
