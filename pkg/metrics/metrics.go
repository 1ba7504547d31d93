// Package metrics exposes the gateway's Prometheus text endpoint named
// explicitly in spec.md §6. The teacher's own go.mod has no pull-based
// exposition format (it relies solely on the OTel push pipeline); this
// is adopted from the rest of the retrieval pack, which has multiple
// services depending on client_golang directly for a /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every gauge/counter/histogram spec.md §6 names.
type Registry struct {
	TotalNeighborsFound   prometheus.Histogram
	SelectorTruncation    prometheus.Counter
	FinalEvidenceCount    prometheus.Histogram
	BundleSizeBytes       prometheus.Histogram
	DroppedEvidenceIDs    prometheus.Counter
	LLMFallbackTotal      *prometheus.CounterVec
	StageTimeoutsTotal    *prometheus.CounterVec
	LoadShedEnabled       prometheus.Gauge
	RequestLatency        *prometheus.HistogramVec
}

// New registers every metric against reg (pass prometheus.NewRegistry()
// in tests to avoid colliding with the global default registry;
// pass prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		TotalNeighborsFound: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_total_neighbors_found",
			Help:    "Total one-hop neighbors discovered before selection, per request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SelectorTruncation: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_selector_truncation_total",
			Help: "Count of requests where the budget gate dropped evidence to fit the prompt.",
		}),
		FinalEvidenceCount: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_final_evidence_count",
			Help:    "Evidence items retained in the final rendered prompt, per request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BundleSizeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_bundle_size_bytes",
			Help:    "Canonical evidence bundle size in bytes, per request.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 16),
		}),
		DroppedEvidenceIDs: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dropped_evidence_ids",
			Help: "Cumulative count of evidence ids dropped by the budget gate.",
		}),
		LLMFallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_llm_fallback_total",
			Help: "Count of requests that fell back to the templater, by reason.",
		}, []string{"reason"}),
		StageTimeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_timeouts_total",
			Help: "Count of hard stage-deadline timeouts, by stage.",
		}, []string{"stage"}),
		LoadShedEnabled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_load_shed_enabled",
			Help: "1 when the gateway is currently shedding new requests, else 0.",
		}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds, by route.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14),
		}, []string{"route"}),
	}
}

// ObserveResponse records the per-request metrics a completed
// model.Meta carries, so callers don't have to unpack fields manually.
func (r *Registry) ObserveResponse(route string, totalNeighbors, finalCount, bundleBytes int, truncated bool, droppedCount int, fallbackReason string, latencyMS int64) {
	r.TotalNeighborsFound.Observe(float64(totalNeighbors))
	r.FinalEvidenceCount.Observe(float64(finalCount))
	r.BundleSizeBytes.Observe(float64(bundleBytes))
	if truncated {
		r.SelectorTruncation.Inc()
	}
	if droppedCount > 0 {
		r.DroppedEvidenceIDs.Add(float64(droppedCount))
	}
	if fallbackReason != "" {
		r.LLMFallbackTotal.WithLabelValues(fallbackReason).Inc()
	}
	r.RequestLatency.WithLabelValues(route).Observe(float64(latencyMS))
}

// ObserveStageTimeout increments stage_timeouts_total for stage.
func (r *Registry) ObserveStageTimeout(stage string) {
	r.StageTimeoutsTotal.WithLabelValues(stage).Inc()
}

// SetLoadShed reflects the current load_shed flag state into the gauge.
func (r *Registry) SetLoadShed(enabled bool) {
	if enabled {
		r.LoadShedEnabled.Set(1)
		return
	}
	r.LoadShedEnabled.Set(0)
}
