// Package metrics holds the broker's Prometheus collectors. Handlers and
// sessions update these directly; Handler exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// TunnelsConnected is the number of agent control channels currently
	// Authenticated and bound to a domain.
	TunnelsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunely",
		Subsystem: "broker",
		Name:      "tunnels_connected",
		Help:      "Number of agent tunnels currently authenticated and bound.",
	})

	// ForwardRequests counts forwarded HTTP requests by domain and the
	// numeric status recorded for them (the agent's status, or the broker's
	// own 502/504/499 for requests that never got an agent response).
	ForwardRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunely",
		Subsystem: "broker",
		Name:      "forward_requests_total",
		Help:      "Total forwarded requests by domain and status.",
	}, []string{"domain", "status"})

	// ForwardDuration observes forward request latency in seconds, by
	// domain, from receipt of the envelope until the public response has
	// been fully written (for a stream, until the stream ends) or failed.
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tunely",
		Subsystem: "broker",
		Name:      "forward_duration_seconds",
		Help:      "Forward request latency in seconds, by domain.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
