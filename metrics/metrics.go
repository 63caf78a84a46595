// Package metrics wires the core's operator-visible counters and
// gauges onto Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the core exposes. Construct with New
// and register with an *prometheus.Registry (or the default one) via
// MustRegister.
type Registry struct {
	TableEvictions      prometheus.Counter
	EmitDrops           prometheus.Counter
	OverflowSkipped     prometheus.Counter
	InvariantViolations prometheus.Counter
	CTEntries           prometheus.Gauge
	PacketsTotal        *prometheus.CounterVec
}

// New builds a Registry with the core's named metrics.
func New() *Registry {
	return &Registry{
		TableEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataplane_table_evictions_total",
			Help: "Entries evicted from the connection-tracking table under capacity pressure.",
		}),
		EmitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataplane_emit_drops_total",
			Help: "Records dropped because a per-CPU event channel was full.",
		}),
		OverflowSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataplane_overflow_skipped_total",
			Help: "Arithmetic operations (eviction-time refresh) skipped due to u32 overflow.",
		}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataplane_invariant_violations_total",
			Help: "Packets that hit an unexpected internal state; the packet's forward path was not interrupted.",
		}),
		CTEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_ct_entries",
			Help: "Current number of live connection-tracking entries.",
		}),
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_packets_total",
			Help: "Packets processed by the core, by observation point, traffic direction and report-gate decision.",
		}, []string{"observation_point", "direction", "decision"}),
	}
}

// MustRegister registers every metric in r with reg.
func (r *Registry) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		r.TableEvictions,
		r.EmitDrops,
		r.OverflowSkipped,
		r.InvariantViolations,
		r.CTEntries,
		r.PacketsTotal,
	)
}
