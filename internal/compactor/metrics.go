package compactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the compactor's Prometheus collectors.
type Metrics struct {
	Runs           *prometheus.CounterVec
	KeysCompressed prometheus.Counter
	KeysRewritten  prometheus.Counter
	KeysDeleted    prometheus.Counter
	KeyErrors      prometheus.Counter
	RowsCleared    prometheus.Counter
	RowsEvicted    prometheus.Counter
	UsageRatio     prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memcompact_runs_total",
			Help: "Compaction invocations by executed tier (none, tierN, skipped).",
		}, []string{"tier"}),
		KeysCompressed: f.NewCounter(prometheus.CounterOpts{
			Name: "memcompact_keys_compressed_total",
			Help: "Cache keys compressed in place.",
		}),
		KeysRewritten: f.NewCounter(prometheus.CounterOpts{
			Name: "memcompact_keys_rewritten_total",
			Help: "Cache keys whose payload was reduced before compression.",
		}),
		KeysDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "memcompact_keys_deleted_total",
			Help: "Cache keys flushed by tier5.",
		}),
		KeyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "memcompact_key_errors_total",
			Help: "Per-key failures skipped during a sweep.",
		}),
		RowsCleared: f.NewCounter(prometheus.CounterOpts{
			Name: "memcompact_rows_cleared_total",
			Help: "Store rows whose content was cleared by tier3.",
		}),
		RowsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "memcompact_rows_evicted_total",
			Help: "Store rows deleted by tier5.",
		}),
		UsageRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "memcompact_cache_usage_ratio",
			Help: "Last observed cache used/max memory ratio.",
		}),
	}
}

func (m *Metrics) observe(r *Report) {
	if m == nil || r == nil {
		return
	}
	label := r.Tier.String()
	if r.Skipped != "" {
		label = "skipped"
	}
	m.Runs.WithLabelValues(label).Inc()
	m.KeysCompressed.Add(float64(r.KeysCompressed))
	m.KeysRewritten.Add(float64(r.KeysRewritten))
	m.KeysDeleted.Add(float64(r.KeysDeleted))
	m.KeyErrors.Add(float64(r.KeyErrors))
	m.RowsCleared.Add(float64(r.RowsCleared))
	m.RowsEvicted.Add(float64(r.RowsEvicted))
	if r.usageKnown {
		m.UsageRatio.Set(r.RatioAfter)
	}
}
