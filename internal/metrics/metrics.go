// Package metrics defines the Prometheus collectors shared by the gateway
// and the worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway holds gateway-side collectors.
type Gateway struct {
	SessionsCreated   prometheus.Counter
	ActiveConnections prometheus.Gauge
	Rejected          *prometheus.CounterVec
	Relayed           *prometheus.CounterVec
	PublishFailures   prometheus.Counter
}

// Worker holds worker-side collectors.
type Worker struct {
	Processed    *prometheus.CounterVec
	QueryLatency prometheus.Histogram
}

// NewGateway registers gateway collectors on reg.
func NewGateway(reg prometheus.Registerer) *Gateway {
	m := &Gateway{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "sessions_created_total",
			Help:      "Chat sessions issued via POST /token.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "WebSocket connections currently relaying.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "rejected_connections_total",
			Help:      "WebSocket handshakes closed with a policy violation.",
		}, []string{"reason"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "relayed_messages_total",
			Help:      "Frames relayed, by direction.",
		}, []string{"direction"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "publish_failures_total",
			Help:      "Request entries that could not be published.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsCreated, m.ActiveConnections, m.Rejected, m.Relayed, m.PublishFailures)
	}
	return m
}

// NewWorker registers worker collectors on reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	m := &Worker{
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "worker",
			Name:      "processed_total",
			Help:      "Request entries handled, by outcome.",
		}, []string{"outcome"}),
		QueryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "worker",
			Name:      "model_query_seconds",
			Help:      "Latency of language-model queries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Processed, m.QueryLatency)
	}
	return m
}

// Handler serves the collectors registered on reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
