package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus instrumentation for the server.
type metrics struct {
	registry *prometheus.Registry

	rpcRequests   *prometheus.CounterVec
	rpcErrors     *prometheus.CounterVec
	connections   prometheus.Gauge
	broadcasts    prometheus.Counter
	chatSessions  prometheus.GaugeFunc
	chatTokens    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

func newMetrics(sessionCount func() int) *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewerd_rpc_requests_total",
			Help: "RPC messages routed, by method.",
		}, []string{"method"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewerd_rpc_errors_total",
			Help: "RPC error responses, by method and error code.",
		}, []string{"method", "code"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewerd_connections",
			Help: "Currently connected RPC clients.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewerd_broadcasts_total",
			Help: "Notifications fanned out to all connected clients.",
		}),
		chatSessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "viewerd_chat_sessions",
			Help: "Chat conversations held in memory.",
		}, func() float64 {
			return float64(sessionCount())
		}),
		chatTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewerd_chat_tokens_total",
			Help: "Tokens consumed by completed chat exchanges, by direction.",
		}, []string{"direction"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewerd_http_requests_total",
			Help: "HTTP requests served, by route and status.",
		}, []string{"route", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "viewerd_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.rpcRequests,
		m.rpcErrors,
		m.connections,
		m.broadcasts,
		m.chatSessions,
		m.chatTokens,
		m.httpRequests,
		m.httpDurations,
	)
	return m
}

// observeChatUsage records the token counts of a completed chat exchange.
func (m *metrics) observeChatUsage(inputTokens, outputTokens int) {
	m.chatTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.chatTokens.WithLabelValues("output").Add(float64(outputTokens))
}

// observeRPC is installed as the router observer; it counts every routed
// message and any error code produced for it.
func (m *metrics) observeRPC(method string, errCode int) {
	if method == "" {
		method = "unknown"
	}
	m.rpcRequests.WithLabelValues(method).Inc()
	if errCode != 0 {
		m.rpcErrors.WithLabelValues(method, strconv.Itoa(errCode)).Inc()
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
