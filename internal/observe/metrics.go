package observe

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

const namespace = "leapflow"

// Metrics exports pipeline events as Prometheus series on a private registry.
type Metrics struct {
	// Counters
	RefreshesTotal   *prometheus.CounterVec
	FilesTotal       *prometheus.CounterVec
	RecordsIngested  *prometheus.CounterVec
	RecordsRejected  *prometheus.CounterVec
	QualityRunsTotal *prometheus.CounterVec
	ReadsTotal       *prometheus.CounterVec

	// Gauges
	NodeFailures  *prometheus.GaugeVec
	NodeVersion   *prometheus.GaugeVec
	QualityScore  *prometheus.GaugeVec
	QualityValue  *prometheus.GaugeVec
	RefreshActive prometheus.Gauge

	// Histograms
	RefreshDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Derived table refreshes by outcome",
		},
		[]string{"node", "outcome"}, // "success", "failed", "cancelled"
	)

	m.FilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_files_total",
			Help:      "Landing files processed by outcome",
		},
		[]string{"table", "outcome"}, // "loaded", "failed", "exhausted"
	)

	m.RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Records appended to raw tables",
		},
		[]string{"table"},
	)

	m.RecordsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_records_total",
			Help:      "Malformed records skipped during ingestion",
		},
		[]string{"table"},
	)

	m.QualityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_evaluations_total",
			Help:      "Quality check evaluations by status",
		},
		[]string{"table", "check", "status"},
	)

	m.ReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Access facade reads by privilege or denial",
		},
		[]string{"table", "result"},
	)

	m.NodeFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_consecutive_failures",
			Help:      "Consecutive refresh failures per derived table",
		},
		[]string{"node"},
	)

	m.NodeVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_version",
			Help:      "Latest published version per derived table",
		},
		[]string{"node"},
	)

	m.QualityScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_score",
			Help:      "Latest quality score (0-100) per check",
		},
		[]string{"table", "check"},
	)

	m.QualityValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_metric_value",
			Help:      "Latest raw metric value per check",
		},
		[]string{"table", "check"},
	)

	m.RefreshActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refreshes_active",
			Help:      "Refreshes currently evaluating",
		},
	)

	m.RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Time to evaluate and publish a derived table",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"node"},
	)

	m.registry.MustRegister(
		m.RefreshesTotal,
		m.FilesTotal,
		m.RecordsIngested,
		m.RecordsRejected,
		m.QualityRunsTotal,
		m.ReadsTotal,
		m.NodeFailures,
		m.NodeVersion,
		m.QualityScore,
		m.QualityValue,
		m.RefreshActive,
		m.RefreshDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RefreshStarted(string) {
	m.RefreshActive.Inc()
}

func (m *Metrics) RefreshSucceeded(node string, version uint64, _ int, took time.Duration) {
	m.RefreshActive.Dec()
	m.RefreshesTotal.WithLabelValues(node, "success").Inc()
	m.RefreshDuration.WithLabelValues(node).Observe(took.Seconds())
	m.NodeVersion.WithLabelValues(node).Set(float64(version))
	m.NodeFailures.WithLabelValues(node).Set(0)
}

func (m *Metrics) RefreshFailed(node string, _ error, consecutive int) {
	m.RefreshActive.Dec()
	m.RefreshesTotal.WithLabelValues(node, "failed").Inc()
	m.NodeFailures.WithLabelValues(node).Set(float64(consecutive))
}

func (m *Metrics) RefreshCancelled(node string) {
	m.RefreshActive.Dec()
	m.RefreshesTotal.WithLabelValues(node, "cancelled").Inc()
}

func (m *Metrics) NodeUnhealthy(string, int) {}

func (m *Metrics) FileLoaded(table, _ string, records, _ int) {
	m.FilesTotal.WithLabelValues(table, "loaded").Inc()
	m.RecordsIngested.WithLabelValues(table).Add(float64(records))
}

func (m *Metrics) RecordRejected(table string, _ *core.IngestError) {
	m.RecordsRejected.WithLabelValues(table).Inc()
}

func (m *Metrics) FileFailed(table, _ string, _ error, _ int, exhausted bool) {
	outcome := "failed"
	if exhausted {
		outcome = "exhausted"
	}
	m.FilesTotal.WithLabelValues(table, outcome).Inc()
}

func (m *Metrics) QualityMeasured(res *core.QualityResult) {
	m.QualityRunsTotal.WithLabelValues(res.Table, res.CheckID, string(res.Status)).Inc()
	if res.Failed() {
		return
	}
	m.QualityScore.WithLabelValues(res.Table, res.CheckID).Set(res.Score)
	m.QualityValue.WithLabelValues(res.Table, res.CheckID).Set(res.Value)
}

func (m *Metrics) ReadServed(table string, privilege string, _ int) {
	m.ReadsTotal.WithLabelValues(table, privilege).Inc()
}

func (m *Metrics) ReadDenied(table string, _ error) {
	m.ReadsTotal.WithLabelValues(table, "denied").Inc()
}
