package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type lendingMetrics struct {
	operations  *prometheus.CounterVec
	failures    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	decryptions *prometheus.CounterVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *lendingMetrics
)

// LendingMetrics returns the lazily-initialised metrics registry used to
// record confidential ledger activity.
func LendingMetrics() *lendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &lendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherlend",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherlend",
				Subsystem: "lending",
				Name:      "failures_total",
				Help:      "Total failed ledger operations segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cipherlend",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			decryptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cipherlend",
				Subsystem: "lending",
				Name:      "decryptions_total",
				Help:      "Count of plaintext-crossing decryption requests segmented by ciphertext kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.failures,
			lendingRegistry.latency,
			lendingRegistry.decryptions,
		)
	})
	return lendingRegistry
}

// ObserveOperation records the outcome and duration of one ledger operation.
func (m *lendingMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveFailure records a failed operation with its error kind.
func (m *lendingMetrics) ObserveFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, kind).Inc()
}

// ObserveDecryption records one plaintext-crossing decryption. Wired into the
// cipher engine's audit hook so the sole trust-boundary crossing stays
// countable.
func (m *lendingMetrics) ObserveDecryption(kind string) {
	if m == nil {
		return
	}
	m.decryptions.WithLabelValues(kind).Inc()
}
