package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

// PipelineMetrics observes ingestion runs. It satisfies the use case
// observer and the queue lag observer.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsInFlight prometheus.Gauge
	droppedTotal *prometheus.CounterVec
	matchesTotal *prometheus.CounterVec
	queueLag     *prometheus.HistogramVec
}

// NewPipelineMetrics registers into registry, or a fresh one when nil.
func NewPipelineMetrics(service string, registry *prometheus.Registry) *PipelineMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ppt",
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total ingestion runs by final upload status.",
		},
		[]string{"service", "status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ppt",
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration in seconds by final status.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 180, 300},
		},
		[]string{"service", "status"},
	)
	runsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ppt",
			Subsystem: "ingest",
			Name:      "runs_in_flight",
			Help:      "Number of in-flight ingestion runs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	droppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ppt",
			Subsystem: "ingest",
			Name:      "candidates_dropped_total",
			Help:      "Candidates rejected by the price sanity check, by reason.",
		},
		[]string{"service", "reason"},
	)
	matchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ppt",
			Subsystem: "match",
			Name:      "resolutions_total",
			Help:      "Label resolutions by method.",
		},
		[]string{"service", "method"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ppt",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between a retry request and its processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(runsTotal, runDuration, runsInFlight, droppedTotal, matchesTotal, queueLag)

	return &PipelineMetrics{
		registry:     registry,
		service:      service,
		runsTotal:    runsTotal,
		runDuration:  runDuration,
		runsInFlight: runsInFlight,
		droppedTotal: droppedTotal,
		matchesTotal: matchesTotal,
		queueLag:     queueLag,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) RunStarted() {
	m.runsInFlight.Inc()
}

func (m *PipelineMetrics) RunFinished(status domain.UploadStatus, elapsed time.Duration) {
	m.runsInFlight.Dec()
	m.runsTotal.WithLabelValues(m.service, string(status)).Inc()
	m.runDuration.WithLabelValues(m.service, string(status)).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) CandidateDropped(reason string) {
	m.droppedTotal.WithLabelValues(m.service, reason).Inc()
}

func (m *PipelineMetrics) CandidateMatched(method domain.MatchMethod) {
	m.matchesTotal.WithLabelValues(m.service, string(method)).Inc()
}

func (m *PipelineMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
