package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every exported metric.
const Namespace = "cortex_voice"

// Metrics holds the Prometheus collectors for the voice pipeline.
type Metrics struct {
	Requests         prometheus.Counter
	CacheHits        prometheus.Counter
	Responses        *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	Classifications  *prometheus.CounterVec
	IntentConfidence prometheus.Histogram
	CapabilityErrors *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	CapabilityToggle *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Total number of utterances received",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_hits_total",
			Help:      "Utterances answered from the response cache",
		}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "responses_total",
			Help:      "Responses produced, by capability and outcome",
		}, []string{"capability", "outcome"}),
		RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end pipeline latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "classifications_total",
			Help:      "Intent classifications, by strategy",
		}, []string{"method"}),
		IntentConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "intent_confidence",
			Help:      "Confidence of the winning intent classification",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		CapabilityErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "capability_errors_total",
			Help:      "Structured capability failures, by capability and category",
		}, []string{"capability", "category"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_transitions_total",
			Help:      "Accepted pipeline stage transitions",
		}, []string{"from", "to"}),
		CapabilityToggle: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "capability_enabled",
			Help:      "1 when a capability is enabled, 0 when disabled",
		}, []string{"capability"}),
	}
}
