// Package metrics provides Prometheus metrics for the ytfs mount.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Filesystem operation metrics
	fsOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytfs_fs_operations_total",
			Help: "Total number of filesystem operations",
		},
		[]string{"op", "errno"},
	)

	fsOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ytfs_fs_operation_duration_seconds",
			Help:    "Filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Attribute cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytfs_attrcache_lookups_total",
			Help: "Attribute cache lookups by result",
		},
		[]string{"kind", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytfs_attrcache_evictions_total",
			Help: "Attribute cache entries removed",
		},
		[]string{"reason"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ytfs_attrcache_entries",
			Help: "Number of entries in the attribute cache",
		},
	)

	// Reader metrics
	readerFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytfs_reader_fetches_total",
			Help: "Remote fetches issued by buffered readers",
		},
		[]string{"kind", "status"},
	)

	readerBytesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytfs_reader_bytes_fetched_total",
			Help: "Bytes fetched from the store by buffered readers",
		},
		[]string{"kind"},
	)

	readerBytesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytfs_reader_bytes_served_total",
			Help: "Bytes returned to read calls",
		},
		[]string{"kind"},
	)

	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ytfs_open_handles",
			Help: "Number of open file handles",
		},
	)

	// Store client metrics
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ytfs_store_operation_duration_seconds",
			Help:    "Remote store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytfs_store_operations_total",
			Help: "Total remote store operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFSOperation records one adapter operation and its resulting errno name.
func RecordFSOperation(op, errno string, duration time.Duration) {
	fsOperationsTotal.WithLabelValues(op, errno).Inc()
	fsOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCacheLookup records an attribute cache lookup.
func RecordCacheLookup(kind string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(kind, result).Inc()
}

// RecordCacheEviction records removed cache entries.
func RecordCacheEviction(reason string, n int) {
	cacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// SetCacheEntries sets the current attribute cache size.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordReaderFetch records one remote fetch issued by a reader.
func RecordReaderFetch(kind string, bytes int, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	readerFetchesTotal.WithLabelValues(kind, status).Inc()
	readerBytesFetched.WithLabelValues(kind).Add(float64(bytes))
}

// RecordReaderServed records bytes returned from a reader.
func RecordReaderServed(kind string, bytes int) {
	readerBytesServed.WithLabelValues(kind).Add(float64(bytes))
}

// SetOpenHandles sets the number of open file handles.
func SetOpenHandles(n int) {
	openHandles.Set(float64(n))
}

// RecordStoreOperation records a remote store call.
func RecordStoreOperation(backend, operation string, duration time.Duration, success bool) {
	storeOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storeOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}
