// Package metrics exposes the daemon's runtime counters over a
// gorilla/mux debug HTTP server: per-subscription engine counts, the
// scheduler's adaptive backoff distribution, and control-plane request
// latency, all scraped as standard Prometheus text exposition.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the daemon's Prometheus collectors. Create one per
// process and pass it to every component that reports a metric.
type Registry struct {
	reg *prometheus.Registry

	EnginesActive     *prometheus.GaugeVec
	ControlRequests   *prometheus.CounterVec
	ControlLatency    prometheus.Histogram
	EngineBackoff     prometheus.Histogram
	SubscriptionsLive prometheus.Gauge
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		EnginesActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enginerpc_engines_active",
			Help: "Number of engines currently scheduled, by scheduling mode.",
		}, []string{"mode"}),
		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enginerpc_control_requests_total",
			Help: "Control-plane requests handled, by request kind and outcome.",
		}, []string{"kind", "outcome"}),
		ControlLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "enginerpc_control_request_latency_seconds",
			Help:    "Control-plane request handling latency.",
			Buckets: prometheus.DefBuckets,
		}),
		EngineBackoff: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "enginerpc_engine_backoff",
			Help:    "Observed per-engine adaptive backoff values.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18), // up to DP_LIMIT = 2^17
		}),
		SubscriptionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enginerpc_subscriptions_live",
			Help: "Number of service subscriptions currently open.",
		}),
	}
}

// ObserveControlRequest records one dispatcher call's outcome and
// latency.
func (r *Registry) ObserveControlRequest(kind, outcome string, dur time.Duration) {
	r.ControlRequests.WithLabelValues(kind, outcome).Inc()
	r.ControlLatency.Observe(dur.Seconds())
}

// Server is the debug HTTP server exposing /metrics and a health check.
type Server struct {
	httpSrv *http.Server
}

// NewServer builds (but does not start) a debug server bound to addr.
func NewServer(addr string, r *Registry) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &Server{httpSrv: &http.Server{Addr: addr, Handler: router}}
}

// Serve blocks accepting connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
