package heap

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Heap updates on every
// alloc/free and exposes through stats.heap.* control-path keys
// (spec.md §6.3).
type Metrics struct {
	Allocated   prometheus.Gauge
	Freed       prometheus.Counter
	ActiveZones prometheus.Gauge
	OOMTotal    prometheus.Counter
}

// NewMetrics constructs a Metrics registered under the given pool label,
// grounded on the dimensional counter/gauge pairs the rest of the example
// pack registers per named resource.
func NewMetrics(reg prometheus.Registerer, pool string) *Metrics {
	labels := prometheus.Labels{"pool": pool}
	m := &Metrics{
		Allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmemheap_allocated_bytes", Help: "Bytes currently allocated from the pool.", ConstLabels: labels,
		}),
		Freed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmemheap_freed_bytes_total", Help: "Cumulative bytes returned via free, including the old block a growing realloc releases.", ConstLabels: labels,
		}),
		ActiveZones: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmemheap_active_zones", Help: "Number of zones with at least one allocated chunk.", ConstLabels: labels,
		}),
		OOMTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmemheap_oom_total", Help: "Cumulative count of alloc calls that returned OutOfMemory.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Allocated, m.Freed, m.ActiveZones, m.OOMTotal)
	}
	return m
}
