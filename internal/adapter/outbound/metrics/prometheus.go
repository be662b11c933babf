// Package metrics exposes dispatcher observations as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

const namespace = "docsgate"

// Recorder implements usecase.MetricsRecorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	cacheHits *prometheus.CounterVec
}

var _ usecase.MetricsRecorder = (*Recorder)(nil)

// New creates a Recorder with process and Go runtime collectors registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		factory:  factory,
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of dispatched tool calls by outcome",
			},
			[]string{"tool", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Duration of dispatched tool calls in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of tool calls answered from the response cache",
			},
			[]string{"tool"},
		),
	}
}

// ObserveDispatch implements usecase.MetricsRecorder.
func (r *Recorder) ObserveDispatch(tool domain.ToolKind, outcome string, fromCache bool, elapsed time.Duration) {
	r.calls.WithLabelValues(string(tool), outcome).Inc()
	r.duration.WithLabelValues(string(tool)).Observe(elapsed.Seconds())
	if fromCache {
		r.cacheHits.WithLabelValues(string(tool)).Inc()
	}
}

// TrackGauge exports fn as a gauge sampled on every scrape. labels may be nil.
func (r *Recorder) TrackGauge(name, help string, labels prometheus.Labels, fn func() float64) {
	r.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels}, fn)
}

// Gatherer returns the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
