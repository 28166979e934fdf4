package services

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the engine.
type Metrics struct {
	IngestTotal      *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	RuleMatchesTotal *prometheus.CounterVec
	RuleErrorsTotal  prometheus.Counter
	MinerTotal       *prometheus.CounterVec
	MergesTotal      prometheus.Counter
	PMIFlushedTotal  prometheus.Counter
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_ingest_total",
			Help: "Ingested alerts by dedup verdict.",
		}, []string{"verdict"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_ingest_duration_seconds",
			Help:    "Duration of the full ingest pipeline in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
		}),
		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_rule_matches_total",
			Help: "Rule matches by outcome (attached, created).",
		}, []string{"outcome"}),
		RuleErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_rule_errors_total",
			Help: "Rules skipped due to malformed conditions.",
		}),
		MinerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_miner_total",
			Help: "Correlation miner decisions (folded, singleton, skipped).",
		}, []string{"decision"}),
		MergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_incident_merges_total",
			Help: "Completed incident merges.",
		}),
		PMIFlushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_pmi_entries_flushed_total",
			Help: "PMI matrix rows written by the flush job.",
		}),
	}
	reg.MustRegister(
		m.IngestTotal,
		m.IngestDuration,
		m.RuleMatchesTotal,
		m.RuleErrorsTotal,
		m.MinerTotal,
		m.MergesTotal,
		m.PMIFlushedTotal,
	)
	return m
}
