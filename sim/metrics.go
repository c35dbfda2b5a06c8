// Prometheus collectors for materialization cache behavior.

package sim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics holds the cache's Prometheus collectors. A nil *CacheMetrics is
// valid and records nothing.
type CacheMetrics struct {
	Materializations   prometheus.Counter
	Dematerializations prometheus.Counter
	Evictions          prometheus.Counter
	CapacityPressure   prometheus.Counter
	StoreReads         prometheus.Counter
	StoreWrites        prometheus.Counter
	MetadataFlushes    prometheus.Counter
	Materialized       prometheus.Gauge
}

// NewCacheMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered (useful in tests).
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		Materializations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plancache_materializations_total",
			Help: "Plan proxies loaded from the store and decoded",
		}),
		Dematerializations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plancache_dematerializations_total",
			Help: "Plan proxies whose content reference was released",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plancache_evictions_total",
			Help: "Dematerializations forced by the capacity bound",
		}),
		CapacityPressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plancache_capacity_pressure_total",
			Help: "Admissions that exceeded the capacity bound with no evictable victim",
		}),
		StoreReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plancache_store_reads_total",
			Help: "Payload reads issued to the plan store",
		}),
		StoreWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plancache_store_writes_total",
			Help: "Payload writes issued to the plan store",
		}),
		MetadataFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plancache_metadata_flushes_total",
			Help: "Metadata-only writes issued to the plan store",
		}),
		Materialized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plancache_materialized",
			Help: "Currently materialized plan proxies",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Materializations,
			m.Dematerializations,
			m.Evictions,
			m.CapacityPressure,
			m.StoreReads,
			m.StoreWrites,
			m.MetadataFlushes,
			m.Materialized,
		)
	}
	return m
}

func (m *CacheMetrics) incMaterialization() {
	if m != nil {
		m.Materializations.Inc()
		m.StoreReads.Inc()
	}
}

func (m *CacheMetrics) incDematerialization() {
	if m != nil {
		m.Dematerializations.Inc()
	}
}

func (m *CacheMetrics) incEviction() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *CacheMetrics) incPressure() {
	if m != nil {
		m.CapacityPressure.Inc()
	}
}

func (m *CacheMetrics) incWrite() {
	if m != nil {
		m.StoreWrites.Inc()
	}
}

func (m *CacheMetrics) incMetadataFlush() {
	if m != nil {
		m.MetadataFlushes.Inc()
	}
}

func (m *CacheMetrics) setMaterialized(n int) {
	if m != nil {
		m.Materialized.Set(float64(n))
	}
}
