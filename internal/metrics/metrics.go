// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "helpdesk"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Questions       *prometheus.CounterVec
	Replies         *prometheus.CounterVec
	LiveMessages    prometheus.Counter
	GatewayCalls    *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
}

// New creates the collectors. liveConnections is sampled on every scrape.
func New(liveConnections func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Questions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "questions_total",
				Help:      "Questions submitted, by result",
			},
			[]string{"result"},
		),
		Replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Thread replies processed, by delivery outcome",
			},
			[]string{"outcome"},
		),
		LiveMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_messages_total",
				Help:      "Messages received from users over live channels",
			},
		),
		GatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Remote chat gateway calls, by operation and status",
			},
			[]string{"operation", "status"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Remote chat gateway call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	m.registry.MustRegister(
		m.Questions,
		m.Replies,
		m.LiveMessages,
		m.GatewayCalls,
		m.GatewayDuration,
	)
	if liveConnections != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_connections",
				Help:      "Users currently holding a live channel",
			},
			func() float64 { return float64(liveConnections()) },
		))
	}
	return m
}

// ObserveGateway records one gateway call.
func (m *Metrics) ObserveGateway(operation string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.GatewayCalls.WithLabelValues(operation, status).Inc()
	m.GatewayDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
