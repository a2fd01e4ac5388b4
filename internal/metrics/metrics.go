// Package metrics exposes Prometheus collectors for the control loop, the
// persistence writer and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/occupancy"
	"roomwatt-backend/internal/policy"
)

// Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	shutdowns       prometheus.Counter
	savedWatts      prometheus.Counter
	safetyFallbacks prometheus.Counter
	occupied        *prometheus.GaugeVec
	persistRetries  *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	bucketsRolled   prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomwatt_occupancy_transitions_total",
			Help: "Occupancy transitions by resulting state.",
		}, []string{"state"}),
		shutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwatt_vacancy_shutdowns_total",
			Help: "Vacancy transitions that switched at least one device off.",
		}),
		savedWatts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwatt_shutdown_watts_total",
			Help: "Rated watts switched off by vacancy shutdowns.",
		}),
		safetyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwatt_safety_fallbacks_total",
			Help: "Rooms left dark and relit by the safety fallback.",
		}),
		occupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomwatt_room_occupied",
			Help: "1 while the room is occupied.",
		}, []string{"room"}),
		persistRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomwatt_persist_retries_total",
			Help: "Persistence job retries by job name.",
		}, []string{"job"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomwatt_persist_failures_total",
			Help: "Persistence jobs dropped after exhausting retries.",
		}, []string{"job"}),
		bucketsRolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwatt_hourly_buckets_total",
			Help: "Hourly buckets emitted by the aggregator.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.shutdowns,
		m.savedWatts,
		m.safetyFallbacks,
		m.occupied,
		m.persistRetries,
		m.persistFailures,
		m.bucketsRolled,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition records an occupancy transition.
func (m *Metrics) Transition(tr occupancy.Transition) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(tr.State)).Inc()
	v := 0.0
	if tr.State == model.Occupied {
		v = 1
	}
	m.occupied.WithLabelValues(strconv.FormatInt(tr.RoomID, 10)).Set(v)
}

// Report records the outcome of a policy application.
func (m *Metrics) Report(r policy.Report) {
	if m == nil {
		return
	}
	if r.Shutdown() {
		m.shutdowns.Inc()
		m.savedWatts.Add(r.SavedW)
	}
	for _, ch := range r.Changes {
		if ch.Reason == policy.ReasonSafety {
			m.safetyFallbacks.Inc()
		}
	}
}

// Buckets counts emitted hourly buckets.
func (m *Metrics) Buckets(bs []model.HourlyBucket) {
	if m == nil {
		return
	}
	m.bucketsRolled.Add(float64(len(bs)))
}

// ForgetRoom drops the occupancy gauge of a removed room.
func (m *Metrics) ForgetRoom(roomID int64) {
	if m == nil {
		return
	}
	m.occupied.DeleteLabelValues(strconv.FormatInt(roomID, 10))
}

// Retried implements persist.Observer.
func (m *Metrics) Retried(job string, _ int, _ error) {
	if m == nil {
		return
	}
	m.persistRetries.WithLabelValues(job).Inc()
}

// Failed implements persist.Observer.
func (m *Metrics) Failed(job string, _ error) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(job).Inc()
}

// Middleware records request counts and latencies by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
