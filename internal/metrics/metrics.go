// Package metrics exposes engine, apply, dispatch and rate-limit metrics on a
// dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every stockpool collector.
type Registry struct {
	reg *prometheus.Registry

	PreviewSeconds    prometheus.Histogram
	ApplyTotal        *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	DispatchAttempts  prometheus.Histogram
	RateLimitWaitSecs *prometheus.HistogramVec
}

// NewRegistry creates and registers the collectors.
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	preview := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockpool_preview_seconds",
		Help:    "Time to compute an allocation preview.",
		Buckets: prometheus.DefBuckets,
	})
	apply := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpool_apply_total",
		Help: "Apply requests by outcome.",
	}, []string{"status"})
	dispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockpool_dispatch_total",
		Help: "Marketplace quantity updates by outcome.",
	}, []string{"outcome"})
	attempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockpool_dispatch_attempts",
		Help:    "Attempts per marketplace quantity update.",
		Buckets: []float64{1, 2, 3, 4, 6, 8},
	})
	wait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockpool_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate-limit token.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"category"})

	r.MustRegister(preview, apply, dispatch, attempts, wait)
	return &Registry{
		reg:               r,
		PreviewSeconds:    preview,
		ApplyTotal:        apply,
		DispatchTotal:     dispatch,
		DispatchAttempts:  attempts,
		RateLimitWaitSecs: wait,
	}
}

// ObservePreview implements allocation.Recorder.
func (r *Registry) ObservePreview(d time.Duration) { r.PreviewSeconds.Observe(d.Seconds()) }

// CountApply implements allocation.Recorder.
func (r *Registry) CountApply(status string) { r.ApplyTotal.WithLabelValues(status).Inc() }

// ObserveDispatch implements dispatch.Observer.
func (r *Registry) ObserveDispatch(outcome string, attempts int) {
	r.DispatchTotal.WithLabelValues(outcome).Inc()
	r.DispatchAttempts.Observe(float64(attempts))
}

// ObserveWait matches ratelimit.Options.OnWait.
func (r *Registry) ObserveWait(category string, d time.Duration) {
	r.RateLimitWaitSecs.WithLabelValues(category).Observe(d.Seconds())
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
