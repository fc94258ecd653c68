// Package metrics holds the Prometheus collectors shared by the bot and the
// worker. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	// Outbound rate limiter
	RateLimitWaits       *prometheus.CounterVec
	RateLimitWaitSeconds *prometheus.HistogramVec

	// Inbound throttle
	ThrottleDecisions *prometheus.CounterVec

	// Job queue
	JobsEnqueued  *prometheus.CounterVec
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsAborted   prometheus.Counter
	QueueDepth    prometheus.Gauge

	// Delivery and scheduling
	Deliveries    *prometheus.CounterVec
	Subscriptions *prometheus.CounterVec

	// Router
	Updates        *prometheus.CounterVec
	HandlerLatency *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, including the Go and
// process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RateLimitWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "waits_total",
			Help:      "Number of times an outbound call had to wait for a rate limit scope",
		}, []string{"scope"}),
		RateLimitWaitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for a rate limit scope",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"scope"}),

		ThrottleDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "decisions_total",
			Help:      "Inbound throttle decisions by handler key and outcome",
		}, []string{"key", "outcome"}),

		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobqueue",
			Name:      "enqueued_total",
			Help:      "Jobs enqueued by name",
		}, []string{"name"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobqueue",
			Name:      "processed_total",
			Help:      "Jobs finished by name and status",
		}, []string{"name", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobqueue",
			Name:      "job_duration_seconds",
			Help:      "Job handler duration",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"name"}),
		JobsAborted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobqueue",
			Name:      "aborted_total",
			Help:      "Jobs aborted before or during execution",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobqueue",
			Name:      "depth",
			Help:      "Jobs currently in the queue",
		}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "events_total",
			Help:      "Delivery lifecycle events (scheduled, skipped, cancelled, sent, failed)",
		}, []string{"outcome"}),
		Subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "subscriptions_total",
			Help:      "Subscription operations by action",
		}, []string{"action"}),

		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "updates_total",
			Help:      "Inbound updates by kind and outcome",
		}, []string{"kind", "outcome"}),
		HandlerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "handler_duration_seconds",
			Help:      "Command handler duration",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"command"}),
	}
}

func (m *Metrics) RateLimitWaited(scope string, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWaits.WithLabelValues(scope).Inc()
	m.RateLimitWaitSeconds.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) ThrottleDecision(key string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "throttled"
	}
	m.ThrottleDecisions.WithLabelValues(key, outcome).Inc()
}

func (m *Metrics) JobEnqueued(name string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(name).Inc()
}

func (m *Metrics) JobFinished(name, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(name, status).Inc()
	m.JobDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) JobAborted() {
	if m == nil {
		return
	}
	m.JobsAborted.Inc()
}

func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Subscription(action string) {
	if m == nil {
		return
	}
	m.Subscriptions.WithLabelValues(action).Inc()
}

func (m *Metrics) Update(kind, outcome string) {
	if m == nil {
		return
	}
	m.Updates.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Handled(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandlerLatency.WithLabelValues(command).Observe(d.Seconds())
}
