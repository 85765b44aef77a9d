package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed at --metrics-addr
// (SPEC_FULL §4.D, §6), grounded on the teacher's internal/metrics
// package's CounterVec/HistogramVec/GaugeVec shape and generalized from
// denoiser-outcome labels to job-outcome and device labels.
type Metrics struct {
	registry *prometheus.Registry

	jobsProcessed     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	phaseDuration     *prometheus.HistogramVec
	queueDepthVisible prometheus.Gauge
	queueDepthInFlight prometheus.Gauge
	heartbeatsWritten prometheus.Counter
	progressWrites    *prometheus.CounterVec
	retries           *prometheus.CounterVec
}

// NewMetrics constructs and registers a fresh Metrics against its own
// registry so tests and multiple worker instances in the same process
// don't collide on the global default registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcribe_worker_jobs_processed_total",
				Help: "Total number of jobs processed by outcome and device.",
			},
			[]string{"outcome", "device"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcribe_worker_job_duration_seconds",
				Help:    "End-to-end job processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"device"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcribe_worker_phase_duration_seconds",
				Help:    "Duration of each processing phase in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		queueDepthVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_worker_queue_depth_visible",
			Help: "Last observed count of visible (not in-flight) queue messages.",
		}),
		queueDepthInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_worker_queue_depth_in_flight",
			Help: "Last observed count of in-flight queue messages.",
		}),
		heartbeatsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_worker_heartbeats_written_total",
			Help: "Total number of heartbeat documents written.",
		}),
		progressWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcribe_worker_progress_writes_total",
				Help: "Total number of progress documents written, by phase.",
			},
			[]string{"phase"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcribe_worker_retries_total",
				Help: "Total number of transient-error retries, by kind.",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(
		m.jobsProcessed,
		m.jobDuration,
		m.phaseDuration,
		m.queueDepthVisible,
		m.queueDepthInFlight,
		m.heartbeatsWritten,
		m.progressWrites,
		m.retries,
	)
	return m
}

// Handler returns the HTTP handler to mount at --metrics-addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records the outcome of one completed job (SPEC_FULL §4.E).
func (m *Metrics) ObserveJob(outcome string, device string, duration time.Duration) {
	m.jobsProcessed.WithLabelValues(outcome, device).Inc()
	m.jobDuration.WithLabelValues(device).Observe(duration.Seconds())
}

// ObservePhase records the duration of a single processing phase.
func (m *Metrics) ObservePhase(phase string, duration time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveQueueDepth records the last-polled queue depth split.
func (m *Metrics) ObserveQueueDepth(visible, inFlight int) {
	m.queueDepthVisible.Set(float64(visible))
	m.queueDepthInFlight.Set(float64(inFlight))
}

// ObserveRetry records one transient-error retry attempt.
func (m *Metrics) ObserveRetry(kind string) {
	m.retries.WithLabelValues(kind).Inc()
}

// ObserveHeartbeat records one heartbeat document write.
func (m *Metrics) ObserveHeartbeat() {
	m.heartbeatsWritten.Inc()
}

// ObserveProgressWrite records one progress document write for the given
// phase.
func (m *Metrics) ObserveProgressWrite(phase string) {
	m.progressWrites.WithLabelValues(phase).Inc()
}
