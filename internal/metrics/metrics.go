// Package metrics holds the Prometheus collectors for downloads and operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "addon"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	downloadsTotal  *prometheus.CounterVec
	downloadsActive prometheus.Gauge
	downloadBytes   prometheus.Counter
	operationsTotal *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		downloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Finished add-on downloads by result",
		}, []string{"result"}),

		downloadsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads_active",
			Help:      "Downloads currently pending or running",
		}),

		downloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes written to disk by add-on downloads",
		}),

		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Install, update and uninstall operations by final status",
		}, []string{"kind", "status"}),
	}
}

// DownloadFinished counts a download that left the active set
func (m *Metrics) DownloadFinished(result string) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(result).Inc()
}

// SetActiveDownloads sets the active download gauge
func (m *Metrics) SetActiveDownloads(n int) {
	if m == nil {
		return
	}
	m.downloadsActive.Set(float64(n))
}

// AddDownloadBytes adds to the downloaded byte counter
func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

// OperationFinished counts a completed orchestrator operation
func (m *Metrics) OperationFinished(kind, status string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(kind, status).Inc()
}
