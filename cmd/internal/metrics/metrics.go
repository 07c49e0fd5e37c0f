// Package metrics exposes the gateway's Prometheus instruments.
//
// A Metrics value owns its own registry so that tests can construct as many as
// they need. It implements the observer interfaces of the multimodal and
// session packages.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/content"
	"adkgw/cmd/internal/conversation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adkgw"

// Metrics holds every instrument.
type Metrics struct {
	reg *prometheus.Registry

	requests  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	parts     *prometheus.CounterVec
	partTime  *prometheus.HistogramVec
	sessions  *prometheus.CounterVec
	deltas    prometheus.Counter
	resets    prometheus.Counter
	inflight  prometheus.Gauge
	wsClients prometheus.Gauge
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by tenant, model, transport and outcome.",
		}, []string{"tenant", "model", "transport", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Failed chat completion requests by error kind.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end chat completion latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model", "stream"}),
		parts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_parts_total",
			Help:      "Resolved non-text content parts by policy, kind and outcome.",
		}, []string{"policy", "kind", "outcome"}),
		partTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "content_resolve_seconds",
			Help:      "Time spent resolving one content part.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"policy"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Backend session lifecycle events.",
		}, []string{"action", "outcome"}),
		deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_deltas_total",
			Help:      "Incremental deltas emitted to streaming clients.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_resets_total",
			Help:      "Backend snapshots that did not extend the previous one.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Chat completion requests currently being served.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.failures, m.latency,
		m.parts, m.partTime,
		m.sessions,
		m.deltas, m.resets,
		m.inflight, m.wsClients,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Request tracks one chat completion.
type Request struct {
	m         *Metrics
	tenant    string
	model     string
	transport string
	stream    bool
	start     time.Time
}

// StartRequest increments the in-flight gauge and returns a tracker.
func (m *Metrics) StartRequest(tenant, model, transport string, stream bool) *Request {
	m.inflight.Inc()
	return &Request{m: m, tenant: tenant, model: model, transport: transport, stream: stream, start: time.Now()}
}

// Finish records the outcome. err nil means success.
func (r *Request) Finish(err error) {
	r.m.inflight.Dec()
	outcome := "success"
	if err != nil {
		outcome = "error"
		r.m.failures.WithLabelValues(errorKind(err)).Inc()
	}
	r.m.requests.WithLabelValues(r.tenant, r.model, r.transport, outcome).Inc()
	stream := "false"
	if r.stream {
		stream = "true"
	}
	r.m.latency.WithLabelValues(r.model, stream).Observe(time.Since(r.start).Seconds())
}

// StreamStats records the translator counters of a finished stream.
func (m *Metrics) StreamStats(deltas, resets int) {
	m.deltas.Add(float64(deltas))
	m.resets.Add(float64(resets))
}

// WSConnected adjusts the open connection gauge by delta.
func (m *Metrics) WSConnected(delta int) { m.wsClients.Add(float64(delta)) }

// PartResolved implements multimodal.Observer.
func (m *Metrics) PartResolved(policy content.Policy, kind conversation.Kind, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errorKind(err)
	}
	m.parts.WithLabelValues(policy.String(), string(kind), outcome).Inc()
	m.partTime.WithLabelValues(policy.String()).Observe(d.Seconds())
}

// SessionEvent implements session.Observer.
func (m *Metrics) SessionEvent(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errorKind(err)
	}
	m.sessions.WithLabelValues(action, outcome).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return apierr.Code(err)
	}
}
