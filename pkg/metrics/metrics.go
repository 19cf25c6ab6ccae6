// Package metrics exports pass counters for the node exporter textfile
// collector.
package metrics

import (
	"log/slog"
	"time"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pass metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	passes        *prometheus.CounterVec
	downloadBytes prometheus.Counter
	failures      prometheus.Gauge
	lastPass      prometheus.Gauge
}

// New creates and registers the pass metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deltaota_passes_total",
			Help: "Resolution passes by result.",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deltaota_download_bytes_total",
			Help: "Bytes written to disk by downloads.",
		}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deltaota_consecutive_failures",
			Help: "Passes that failed since the last success.",
		}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deltaota_last_pass_timestamp_seconds",
			Help: "Unix time the last pass finished.",
		}),
	}
	m.registry.MustRegister(m.passes, m.downloadBytes, m.failures, m.lastPass)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePass records a finished pass.
func (m *Metrics) ObservePass(result string, consecutiveFailures int, finished time.Time) {
	m.passes.WithLabelValues(result).Inc()
	m.failures.Set(float64(consecutiveFailures))
	m.lastPass.Set(float64(finished.Unix()))
}

// AddDownloaded adds n bytes to the download counter.
func (m *Metrics) AddDownloaded(n int64) {
	if n > 0 {
		m.downloadBytes.Add(float64(n))
	}
}

// WriteTextfile writes every metric to path in the text exposition format.
// An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		slog.Error("metrics_textfile_write_failed", "path", path, "error", err)
		return errors.Wrap(err, "failed to write metrics textfile")
	}
	return nil
}
