// Package metrics exposes session, reaper and alarm counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AltairaLabs/sessionbridge/internal/reaper"
)

const namespace = "sessionbridge"

// Metrics implements session.Observer and reaper.Observer
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	sessionsFailed   *prometheus.CounterVec
	sessionLifetime  prometheus.Histogram
	quotaRejections  prometheus.Counter
	orphanAlarms     prometheus.Counter
	outputBytes      prometheus.Counter
	inputBytes       prometheus.Counter
	deliveryFailures prometheus.Counter
	reaped           *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
}

// New creates the collectors on a private registry. activeSessions, if not
// nil, is sampled for the active session gauge.
func New(activeSessions func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that reached the active state, by launch profile.",
		}, []string{"profile"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Sessions torn down, by termination reason.",
		}, []string{"reason"}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Sessions that failed to start, by stage.",
		}, []string{"stage"}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lifetime_seconds",
			Help:      "Time from creation to teardown.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Session creations refused because the owner was at the cap.",
		}),
		orphanAlarms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_process_alarms_total",
			Help:      "Processes still alive after SIGKILL escalation.",
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes delivered from child processes to clients.",
		}),
		inputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Bytes written from clients to child processes.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Events that could not be pushed to a client.",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sessions_total",
			Help:      "Sessions acted on by the reaper, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Time taken by one reaper sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted,
		m.sessionsEnded,
		m.sessionsFailed,
		m.sessionLifetime,
		m.quotaRejections,
		m.orphanAlarms,
		m.outputBytes,
		m.inputBytes,
		m.deliveryFailures,
		m.reaped,
		m.sweepDuration,
	)
	if activeSessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered.",
		}, activeSessions))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionStarted implements session.Observer
func (m *Metrics) SessionStarted(profile string) {
	m.sessionsStarted.WithLabelValues(profile).Inc()
}

// SessionEnded implements session.Observer
func (m *Metrics) SessionEnded(reason string, lifetime time.Duration) {
	m.sessionsEnded.WithLabelValues(reason).Inc()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

// SessionFailed implements session.Observer
func (m *Metrics) SessionFailed(stage string) {
	m.sessionsFailed.WithLabelValues(stage).Inc()
}

// QuotaRejected implements session.Observer
func (m *Metrics) QuotaRejected() {
	m.quotaRejections.Inc()
}

// OrphanAlarm implements session.Observer
func (m *Metrics) OrphanAlarm() {
	m.orphanAlarms.Inc()
}

// OutputBytes implements session.Observer
func (m *Metrics) OutputBytes(n int) {
	m.outputBytes.Add(float64(n))
}

// InputBytes implements session.Observer
func (m *Metrics) InputBytes(n int) {
	m.inputBytes.Add(float64(n))
}

// DeliveryFailed implements session.Observer
func (m *Metrics) DeliveryFailed() {
	m.deliveryFailures.Inc()
}

// SweepCompleted implements reaper.Observer
func (m *Metrics) SweepCompleted(res reaper.SweepResult, took time.Duration) {
	m.reaped.WithLabelValues("crashed").Add(float64(res.Crashed))
	m.reaped.WithLabelValues("idled").Add(float64(res.Idled))
	m.reaped.WithLabelValues("reaped").Add(float64(res.Reaped))
	m.sweepDuration.Observe(took.Seconds())
}
