// Package metrics provides the pipeline's Prometheus-backed metric registry
// and the small set of counters/histograms every stage increments.
package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldbridge/databridge/pkg/mid"
)

// Registry wraps a prometheus.Registry with the label conventions used
// across the bridge (stage name, drop reason, dialect).
type Registry struct {
	reg *prometheus.Registry

	EventsProcessed *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	SendsOK         *prometheus.CounterVec
	SendsFailed     *prometheus.CounterVec
	ReconnectTotal  *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	ConnState       *prometheus.GaugeVec
}

// New creates a registry with the bridge's fixed metric set already
// registered. Call Handler to expose it over HTTP.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "databridge_events_processed_total",
			Help: "Events that completed a pipeline stage successfully.",
		}, []string{"stage"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "databridge_events_dropped_total",
			Help: "Events dropped by a pipeline stage, labeled by reason.",
		}, []string{"stage", "reason"}),
		SendsOK: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "databridge_egress_sends_total",
			Help: "Successful per-device egress sends.",
		}, []string{"dialect"}),
		SendsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "databridge_egress_send_failures_total",
			Help: "Per-device egress sends that failed after retry.",
		}, []string{"dialect"}),
		ReconnectTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "databridge_reconnects_total",
			Help: "Reconnection attempts, labeled by client and trigger.",
		}, []string{"client", "trigger"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "databridge_stage_duration_seconds",
			Help:    "Per-stage processing latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		ConnState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "databridge_connection_state",
			Help: "Current state machine value (0=Disconnected..5=Closing) per client.",
		}, []string{"client"}),
	}
}

// Handler returns the HTTP handler for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ServeAsync starts an HTTP server exposing /metrics and /healthz in a
// background goroutine. Errors are logged, not fatal: metrics are an
// operational nicety, never load-bearing for the pipeline itself. The mux
// is wrapped in the standard recover+log middleware chain so a panic in a
// custom handler can't take the whole process down with it.
func (r *Registry) ServeAsync(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	handler := mid.Chain(mux, mid.Recover(log), mid.OTel("databridge"), mid.Logger(log))
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server error", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}
