// Package metrics exposes the Prometheus collectors used across the
// control plane: scheduler ticks, convergence cycles, step outcomes, and
// policy-cooldown rejections, plus a generic HTTP instrumentation wrapper
// for the ops surface.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoscale"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ops_http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight ops HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ops_http",
		Name:      "requests_total",
		Help:      "Total number of ops HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ops_http",
		Name:      "request_duration_seconds",
		Help:      "Duration of ops HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	// SchedulerTicks counts scheduler tick outcomes by partitioner state.
	SchedulerTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total number of scheduler ticks, by partitioner state.",
	}, []string{"state"})

	// SchedulerEventsDispatched counts events dispatched to the policy
	// evaluator, by outcome.
	SchedulerEventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "events_dispatched_total",
		Help:      "Total number of scheduler events dispatched, by outcome.",
	}, []string{"outcome"})

	// SchedulerBucketBatchSize observes how many events a single
	// fetch-and-delete batch returned.
	SchedulerBucketBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "bucket_batch_size",
		Help:      "Size of fetch-and-delete batches processed per bucket.",
		Buckets:   prometheus.LinearBuckets(0, 10, 10),
	})

	// ConvergenceCycles counts convergence cycle outcomes, by outcome.
	ConvergenceCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "convergence",
		Name:      "cycles_total",
		Help:      "Total number of group convergence cycles, by outcome.",
	}, []string{"outcome"})

	// ConvergenceCycleDuration observes convergence cycle wall-clock time.
	ConvergenceCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "convergence",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of group convergence cycles.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// StepOutcomes counts executed planner steps, by step kind and result.
	StepOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "step_outcomes_total",
		Help:      "Total number of executed steps, by step kind and outcome.",
	}, []string{"kind", "outcome"})

	// PolicyCooldownRejections counts policy fires rejected for cooldown.
	PolicyCooldownRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policyeval",
		Name:      "cooldown_rejections_total",
		Help:      "Total number of policy fires rejected for cooldown, by scope.",
	}, []string{"scope"})

	// PolicyFires counts accepted policy fires.
	PolicyFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policyeval",
		Name:      "fires_total",
		Help:      "Total number of accepted policy fires.",
	}, []string{"change_kind"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		SchedulerTicks,
		SchedulerEventsDispatched,
		SchedulerBucketBatchSize,
		ConvergenceCycles,
		ConvergenceCycleDuration,
		StepOutcomes,
		PolicyCooldownRejections,
		PolicyFires,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an ops HTTP handler with request metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, r.URL.Path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
