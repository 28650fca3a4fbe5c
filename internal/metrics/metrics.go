// Package metrics exposes Prometheus collectors for the browser task service.
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
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	poolHandles                *prometheus.GaugeVec
	poolWaiters                prometheus.Gauge
	poolAcquireWaitSeconds     prometheus.Histogram
	poolHandleCrashesTotal     prometheus.Counter
	poolHandleLaunchesTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browserd_tasks_total",
				Help: "Total number of tasks processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browserd_task_duration_seconds",
				Help:    "Histogram of task execution latencies, labeled by kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		)

		poolHandles = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "browserd_pool_handles",
				Help: "Number of pool handles, labeled by state.",
			},
			[]string{"state"},
		)

		poolWaiters = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browserd_pool_waiters",
				Help: "Number of acquirers waiting for a free handle.",
			},
		)

		poolAcquireWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "browserd_pool_acquire_wait_seconds",
				Help:    "Histogram of time spent waiting for a pool handle.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
			},
		)

		poolHandleCrashesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browserd_pool_handle_crashes_total",
				Help: "Total handles discarded after a crash or failed health check.",
			},
		)

		poolHandleLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browserd_pool_handle_launches_total",
				Help: "Total browser process launches, labeled by result.",
			},
			[]string{"result"},
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

// ObserveTask records a finished task with its terminal outcome.
func ObserveTask(kind string, outcome string, duration time.Duration) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(kind, outcome).Inc()
	taskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetPoolHandles sets the handle gauge for one state.
func SetPoolHandles(state string, n int) {
	if poolHandles == nil {
		return
	}
	poolHandles.WithLabelValues(state).Set(float64(n))
}

// SetPoolWaiters sets the waiter gauge.
func SetPoolWaiters(n int) {
	if poolWaiters == nil {
		return
	}
	poolWaiters.Set(float64(n))
}

// ObserveAcquireWait records the time an acquirer spent waiting.
func ObserveAcquireWait(duration time.Duration) {
	if poolAcquireWaitSeconds == nil {
		return
	}
	poolAcquireWaitSeconds.Observe(duration.Seconds())
}

// ObserveHandleCrash increments the crash counter.
func ObserveHandleCrash() {
	if poolHandleCrashesTotal == nil {
		return
	}
	poolHandleCrashesTotal.Inc()
}

// ObserveHandleLaunch records a browser launch attempt.
func ObserveHandleLaunch(result string) {
	if poolHandleLaunchesTotal == nil {
		return
	}
	poolHandleLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
