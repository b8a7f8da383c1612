// Package metrics exposes Prometheus collectors for the daemon. A single
// Metrics value implements the observer hooks of the audit, guard, session
// and threat packages.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
	"github.com/tinkerbelle-io/tb-shellguard/internal/session"
	"github.com/tinkerbelle-io/tb-shellguard/internal/threat"
)

const namespace = "shellguard"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsEnded   *prometheus.CounterVec
	connections     prometheus.Gauge
	verdicts        *prometheus.CounterVec
	appendSeconds   *prometheus.HistogramVec
	appendFailures  *prometheus.CounterVec
	checkpoints     prometheus.Counter
	subscriberDrops prometheus.Counter
	outputDropped   prometheus.Counter
	alerts          *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions",
			Help: "Shell sessions currently registered.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_ended_total",
			Help: "Sessions that reached a final state, by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bridge_connections",
			Help: "Open bridge connections.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verdicts_total",
			Help: "Audited command verdicts, by decision and reason.",
		}, []string{"decision", "reason"}),
		appendSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "audit", Name: "append_seconds",
			Help:    "Latency of audit store appends.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"event"}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "append_failures_total",
			Help: "Audit appends that failed; each one blocked the action it recorded.",
		}, []string{"event"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "checkpoints_total",
			Help: "Merkle checkpoints sealed.",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "subscriber_dropped_total",
			Help: "Audit entries not delivered to a slow subscriber.",
		}),
		outputDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "output_dropped_bytes_total",
			Help: "Shell output bytes discarded before a client read them.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Threat alerts raised, by rule and severity.",
		}, []string{"rule", "severity"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions, m.sessionsEnded, m.connections, m.verdicts,
		m.appendSeconds, m.appendFailures, m.checkpoints, m.subscriberDrops,
		m.outputDropped, m.alerts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) AppendObserved(t audit.EventType, d time.Duration, err error) {
	m.appendSeconds.WithLabelValues(string(t)).Observe(d.Seconds())
	if err != nil {
		m.appendFailures.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) CheckpointSealed(audit.Checkpoint) { m.checkpoints.Inc() }

func (m *Metrics) SubscriberDropped() { m.subscriberDrops.Inc() }

func (m *Metrics) VerdictObserved(v policy.Verdict) {
	m.verdicts.WithLabelValues(string(v.Decision), v.Reason).Inc()
}

func (m *Metrics) SessionOpened() { m.activeSessions.Inc() }

func (m *Metrics) SessionClosed(exit session.Exit) {
	m.activeSessions.Dec()
	m.sessionsEnded.WithLabelValues(exit.Reason).Inc()
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }

func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

func (m *Metrics) OutputDropped(n int64) { m.outputDropped.Add(float64(n)) }

// Emit counts an alert. It lets Metrics act as a threat.Sink.
func (m *Metrics) Emit(_ context.Context, a threat.Alert) error {
	m.alerts.WithLabelValues(a.Rule, string(a.Severity)).Inc()
	return nil
}
