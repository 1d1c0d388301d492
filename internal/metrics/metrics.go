// Package metrics holds the Prometheus collectors and latency sketches of the
// cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Result label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CacheMetrics holds all Prometheus metrics of the cache.
type CacheMetrics struct {
	// Repository calls
	OperationsTotal   *prometheus.CounterVec   // pipeline_cache_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // pipeline_cache_operation_duration_seconds{operation}

	// Transfer
	BytesUploaded   prometheus.Counter // pipeline_cache_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // pipeline_cache_bytes_downloaded_total

	// Restore outcomes
	RestoresTotal *prometheus.CounterVec // pipeline_cache_restores_total{result}

	// Eviction
	EvictionRuns    prometheus.Counter // pipeline_cache_eviction_runs_total
	EvictedItems    prometheus.Counter // pipeline_cache_evicted_items_total
	EvictedBytes    prometheus.Counter // pipeline_cache_evicted_bytes_total
	StorageBytes    prometheus.Gauge   // pipeline_cache_storage_bytes
	ThresholdBytes  prometheus.Gauge   // pipeline_cache_threshold_bytes (0 = disabled)
	LastEvictionRun prometheus.Gauge   // pipeline_cache_last_eviction_timestamp_seconds
}

// NewCacheMetrics registers the cache metrics with registry, or with the
// default registerer when registry is nil.
func NewCacheMetrics(registry prometheus.Registerer) *CacheMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &CacheMetrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_cache_operations_total",
			Help: "Repository operations by operation and status",
		}, []string{"operation", "status"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_cache_operation_duration_seconds",
			Help:    "Repository operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_bytes_uploaded_total",
			Help: "Total bytes written to the object store",
		}),

		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_bytes_downloaded_total",
			Help: "Total bytes read from the object store",
		}),

		RestoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_cache_restores_total",
			Help: "Restore requests by result (hit, prefix, miss)",
		}, []string{"result"}),

		EvictionRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_eviction_runs_total",
			Help: "Completed eviction runs",
		}),

		EvictedItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_evicted_items_total",
			Help: "Cache items deleted by eviction",
		}),

		EvictedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_evicted_bytes_total",
			Help: "Bytes selected for deletion by eviction",
		}),

		StorageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_cache_storage_bytes",
			Help: "Total bytes stored, as seen by the last eviction run",
		}),

		ThresholdBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_cache_threshold_bytes",
			Help: "Configured size threshold in bytes (0 = disabled)",
		}),

		LastEvictionRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_cache_last_eviction_timestamp_seconds",
			Help: "Unix time of the last completed eviction run",
		}),
	}
}

// RecordOperation records one repository call.
func (m *CacheMetrics) RecordOperation(operation string, err error, d time.Duration) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *CacheMetrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

func (m *CacheMetrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordRestore counts a restore outcome: "hit", "prefix" or "miss".
func (m *CacheMetrics) RecordRestore(result string) {
	m.RestoresTotal.WithLabelValues(result).Inc()
}

// RecordEviction updates the eviction metrics after a run.
func (m *CacheMetrics) RecordEviction(at time.Time, total, threshold int64, deleted int, selectedBytes int64) {
	m.EvictionRuns.Inc()
	m.EvictedItems.Add(float64(deleted))
	m.EvictedBytes.Add(float64(selectedBytes))
	m.StorageBytes.Set(float64(total))
	m.ThresholdBytes.Set(float64(max(threshold, 0)))
	m.LastEvictionRun.Set(float64(at.Unix()))
}
