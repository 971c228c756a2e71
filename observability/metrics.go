// Package observability bundles the Prometheus collectors shared by the
// payout worker, settlement engine, and admin API.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

// PayoutMetrics wraps collectors tracking payout pipeline health.
type PayoutMetrics struct {
	payoutLatency    *prometheus.HistogramVec
	payoutsTotal     *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	settlementsTotal prometheus.Counter
	bonusDistributed prometheus.Counter
	errors           *prometheus.CounterVec
	workerPaused     prometheus.Gauge
}

// Payouts returns the lazily-initialised payout metrics registry.
func Payouts() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			payoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakestreak",
				Subsystem: "payout",
				Name:      "latency_seconds",
				Help:      "Latency distribution for on-chain payout execution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
			payoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakestreak",
				Subsystem: "payout",
				Name:      "jobs_total",
				Help:      "Count of processed payout jobs segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stakestreak",
				Subsystem: "payout",
				Name:      "queue_depth",
				Help:      "Current number of payout jobs per queue status.",
			}, []string{"status"}),
			settlementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stakestreak",
				Subsystem: "settlement",
				Name:      "days_total",
				Help:      "Count of challenge-days settled.",
			}),
			bonusDistributed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stakestreak",
				Subsystem: "settlement",
				Name:      "bonus_micro_units_total",
				Help:      "Total bonus micro-units queued for redistribution.",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakestreak",
				Subsystem: "payout",
				Name:      "errors_total",
				Help:      "Count of pipeline failures segmented by component and reason.",
			}, []string{"component", "reason"}),
			workerPaused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakestreak",
				Subsystem: "payout",
				Name:      "worker_paused",
				Help:      "Indicates whether the payout worker pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.payoutLatency,
			payoutRegistry.payoutsTotal,
			payoutRegistry.queueDepth,
			payoutRegistry.settlementsTotal,
			payoutRegistry.bonusDistributed,
			payoutRegistry.errors,
			payoutRegistry.workerPaused,
		)
	})
	return payoutRegistry
}

// ObservePayout records the outcome and latency of one payout job.
func (m *PayoutMetrics) ObservePayout(payoutType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelType(payoutType)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.payoutsTotal.WithLabelValues(label, outcome).Inc()
	if err == nil {
		m.payoutLatency.WithLabelValues(label).Observe(d.Seconds())
	}
}

// SetQueueDepth updates the depth gauge for one queue status.
func (m *PayoutMetrics) SetQueueDepth(status string, depth float64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(labelType(status)).Set(depth)
}

// RecordSettlement counts a settled challenge-day and the bonus it queued.
func (m *PayoutMetrics) RecordSettlement(bonusMicros int64) {
	if m == nil {
		return
	}
	m.settlementsTotal.Inc()
	if bonusMicros > 0 {
		m.bonusDistributed.Add(float64(bonusMicros))
	}
}

// RecordError increments the error counter for the supplied reason.
func (m *PayoutMetrics) RecordError(component, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelType(component), reason).Inc()
}

// SetWorkerPaused toggles the worker pause gauge.
func (m *PayoutMetrics) SetWorkerPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.workerPaused.Set(1)
		return
	}
	m.workerPaused.Set(0)
}

func labelType(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
