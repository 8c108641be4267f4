// Package metrics exposes Prometheus collectors for the render queue service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	renderJobsTotal            *prometheus.CounterVec
	renderJobDurationSeconds   prometheus.Histogram
	renderWorkerBusy           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		renderJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_jobs_total",
				Help: "Total number of render jobs completed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		renderJobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "render_job_duration_seconds",
				Help:    "Histogram of end-to-end render job durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
			},
		)

		renderWorkerBusy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "render_worker_busy",
				Help: "1 while the sequential worker is executing a job, 0 otherwise.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a completed job and its duration.
func ObserveJob(success bool, duration time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	renderJobsTotal.WithLabelValues(outcome).Inc()
	renderJobDurationSeconds.Observe(duration.Seconds())
}

// SetWorkerBusy flips the busy gauge.
func SetWorkerBusy(busy bool) {
	if busy {
		renderWorkerBusy.Set(1)
		return
	}
	renderWorkerBusy.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
