package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's structured progress gauges/counters
// (spec §4.8). They are registered against a private registry so a caller
// embedding ccpointer alongside other instrumented code does not collide
// with prometheus.DefaultRegisterer; Registry is exported for a caller to
// serve via promhttp.HandlerFor.
type Metrics struct {
	Registry *prometheus.Registry

	ShardsTotal     *prometheus.CounterVec
	ShardDurationS  *prometheus.HistogramVec
	RecordsIndexed  *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec
	ActiveWorkers   *prometheus.GaugeVec
	ReaggregationTS *prometheus.GaugeVec
}

// NewMetrics builds a Metrics bound to a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	fact := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ShardsTotal: fact.NewCounterVec(prometheus.CounterOpts{
			Name: "ccpointer_shards_total",
			Help: "Shards that completed each pipeline stage, by collection and stage.",
		}, []string{"collection", "stage"}),
		ShardDurationS: fact.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccpointer_shard_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage per shard.",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection", "stage"}),
		RecordsIndexed: fact.NewCounterVec(prometheus.CounterOpts{
			Name: "ccpointer_records_indexed_total",
			Help: "Capture records folded into a per-collection index.",
		}, []string{"collection"}),
		BytesWritten: fact.NewCounterVec(prometheus.CounterOpts{
			Name: "ccpointer_bytes_written_total",
			Help: "Compressed bytes written to columnar shards.",
		}, []string{"collection"}),
		ActiveWorkers: fact.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccpointer_active_workers",
			Help: "Currently running worker goroutines, by pool.",
		}, []string{"pool"}),
		ReaggregationTS: fact.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccpointer_last_reaggregation_timestamp_seconds",
			Help: "Unix timestamp of the last successful per-year/master reaggregation.",
		}, []string{"scope"}),
	}
}
