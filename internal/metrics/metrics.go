// Package metrics holds the worker's Prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "image_worker"

// Metrics groups every collector the worker exports.
type Metrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	claimed         prometheus.Counter
	staleRecovered  prometheus.Counter
	outcomes        *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	notifyFailures  *prometheus.CounterVec
	uploadFallbacks prometheus.Counter
	aiTokens        *prometheus.CounterVec
	aiCost          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles by result (empty, processed, claim_error).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of scheduler cycles that claimed at least one job.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs moved from pending to processing.",
		}),
		staleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stale_recovered_total",
			Help:      "In-flight jobs recovered after their heartbeat went stale.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Resolved jobs by provider class and outcome.",
		}, []string{"class", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Pipeline duration per job.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"class"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Pipelines currently running per provider class.",
		}, []string{"class"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Best-effort notification deliveries that failed, by channel.",
		}, []string{"channel"}),
		uploadFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_fallbacks_total",
			Help:      "Completed jobs stored with the provider reference because upload failed.",
		}),
		aiTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tokens_total",
			Help:      "Tokens reported by the edit-image provider, by model and kind.",
		}, []string{"model", "kind"}),
		aiCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cost_usd_total",
			Help:      "Estimated provider spend in USD, by model.",
		}, []string{"model"}),
	}

	reg.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.claimed,
		m.staleRecovered,
		m.outcomes,
		m.jobDuration,
		m.inFlight,
		m.notifyFailures,
		m.uploadFallbacks,
		m.aiTokens,
		m.aiCost,
	)
	return m
}

func (m *Metrics) CycleFinished(result string, claimed int, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	if claimed > 0 {
		m.claimed.Add(float64(claimed))
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) StaleRecovered(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleRecovered.Add(float64(n))
}

func (m *Metrics) JobStarted(class string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(class).Inc()
}

func (m *Metrics) JobFinished(class, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(class).Dec()
	m.outcomes.WithLabelValues(class, outcome).Inc()
	m.jobDuration.WithLabelValues(class).Observe(d.Seconds())
}

func (m *Metrics) NotificationFailed(channel string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) UploadFallback() {
	if m == nil {
		return
	}
	m.uploadFallbacks.Inc()
}

func (m *Metrics) AIUsage(model string, prompt, completion int, costUSD float64) {
	if m == nil {
		return
	}
	m.aiTokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.aiTokens.WithLabelValues(model, "completion").Add(float64(completion))
	m.aiCost.WithLabelValues(model).Add(costUSD)
}
