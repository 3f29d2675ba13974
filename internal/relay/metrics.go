package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	Submits         *prometheus.CounterVec
	Shares          *prometheus.CounterVec
	Published       prometheus.Counter
	Pruned          prometheus.Counter
	FeedConnections prometheus.Gauge
	RequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the relay collectors on reg. A nil reg gets a fresh
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Submits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wtsync_relay_submits_total",
			Help: "Submit requests by result",
		}, []string{"result"}),
		Shares: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wtsync_relay_shares_total",
			Help: "Share link requests by result",
		}, []string{"result"}),
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "wtsync_relay_feed_updates_total",
			Help: "Update messages queued to feed subscribers",
		}),
		Pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "wtsync_relay_pruned_snapshots_total",
			Help: "Expired snapshots removed from storage",
		}),
		FeedConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "wtsync_relay_feed_connections",
			Help: "Live party feed subscribers",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wtsync_relay_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
		gatherer: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
