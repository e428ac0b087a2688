// Package metrics exposes the engine's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intake_engine"

type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	scans        *prometheus.CounterVec
	consumptions *prometheus.CounterVec
	points       *prometheus.CounterVec
	streaks      *prometheus.CounterVec

	provisionRuns     *prometheus.CounterVec
	provisionUsers    *prometheus.CounterVec
	provisionDuration prometheus.Histogram
}

// New builds a registry with the engine collectors plus the process and Go
// runtime collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),

		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "scans_total",
			Help:      "Analyzed scans by resulting kind.",
		}, []string{"kind"}),
		consumptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "consumptions_total",
			Help:      "Consume decisions by outcome.",
		}, []string{"outcome"}),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "awarded_total",
			Help:      "Sum of point deltas by event type.",
		}, []string{"event"}),
		streaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streak",
			Name:      "evaluations_total",
			Help:      "Day evaluations by result.",
		}, []string{"earned"}),

		provisionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "runs_total",
			Help:      "Provisioning runs by success.",
		}, []string{"success"}),
		provisionUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "users_total",
			Help:      "Users handled by provisioning, by result.",
		}, []string{"result"}),
		provisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "run_duration_seconds",
			Help:      "Duration of provisioning runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.scans,
		m.consumptions,
		m.points,
		m.streaks,
		m.provisionRuns,
		m.provisionUsers,
		m.provisionDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry. A nil receiver serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps next with request metrics. route maps a served request to
// a low-cardinality label; it runs after next so router state is populated.
func (m *Metrics) Instrument(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			next.ServeHTTP(rec, r)

			label := route(r)
			if label == "" {
				label = "unmatched"
			}
			method := strings.ToUpper(r.Method)
			m.httpRequests.WithLabelValues(method, label, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(method, label).Observe(time.Since(start).Seconds())
		})
	}
}

func (m *Metrics) ScanAnalyzed(kind string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(kind).Inc()
}

func (m *Metrics) Consumed(outcome string) {
	if m == nil {
		return
	}
	m.consumptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PointsAwarded(event string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	// counters only go up; penalties are tracked by magnitude under their own type
	if delta < 0 {
		delta = -delta
	}
	m.points.WithLabelValues(event).Add(float64(delta))
}

func (m *Metrics) StreakEvaluated(earned bool) {
	if m == nil {
		return
	}
	m.streaks.WithLabelValues(strconv.FormatBool(earned)).Inc()
}

// ProvisionRun records one run of the provisioner.
func (m *Metrics) ProvisionRun(created, existing, failed int, duration time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.provisionRuns.WithLabelValues(strconv.FormatBool(ok)).Inc()
	m.provisionUsers.WithLabelValues("created").Add(float64(created))
	m.provisionUsers.WithLabelValues("existing").Add(float64(existing))
	m.provisionUsers.WithLabelValues("failed").Add(float64(failed))
	m.provisionDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
