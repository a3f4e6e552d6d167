// Package metrics defines the Prometheus collectors exported by the metadata
// and block shard services. All methods are safe on a nil receiver so stores
// can run without instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetaMetrics holds the metadata service collectors.
type MetaMetrics struct {
	RequestsTotal   *prometheus.CounterVec   // dps_meta_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // dps_meta_request_duration_seconds{operation}
	MissingBlocks   prometheus.Counter       // dps_meta_missing_blocks_total
	Files           prometheus.Gauge         // dps_meta_files
}

// NewMetaMetrics registers the metadata collectors with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetaMetrics(registry prometheus.Registerer) *MetaMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &MetaMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dps_meta_requests_total",
			Help: "Metadata requests by operation and outcome",
		}, []string{"operation", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dps_meta_request_duration_seconds",
			Help:    "Metadata request duration in seconds, including shard verification",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		MissingBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "dps_meta_missing_blocks_total",
			Help: "Block hashes reported missing to writers",
		}),

		Files: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dps_meta_files",
			Help: "File records held by the metadata store, deleted files included",
		}),
	}
}

func (m *MetaMetrics) Observe(operation, status string, started time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *MetaMetrics) AddMissing(n int) {
	if m == nil {
		return
	}
	m.MissingBlocks.Add(float64(n))
}

func (m *MetaMetrics) SetFiles(n int) {
	if m == nil {
		return
	}
	m.Files.Set(float64(n))
}

// ShardMetrics holds the block shard collectors, labelled with the shard index.
type ShardMetrics struct {
	RequestsTotal *prometheus.CounterVec // dps_shard_requests_total{shard,operation,status}
	BytesStored   prometheus.Counter     // dps_shard_bytes_stored_total{shard}
	BytesServed   prometheus.Counter     // dps_shard_bytes_served_total{shard}
	Blocks        prometheus.Gauge       // dps_shard_blocks{shard}
}

func NewShardMetrics(registry prometheus.Registerer, shard int) *ShardMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	labels := prometheus.Labels{"shard": strconv.Itoa(shard)}
	return &ShardMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dps_shard_requests_total",
			Help:        "Block shard requests by operation and outcome",
			ConstLabels: labels,
		}, []string{"operation", "status"}),

		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dps_shard_bytes_stored_total",
			Help:        "Block bytes accepted by StoreBlock",
			ConstLabels: labels,
		}),

		BytesServed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dps_shard_bytes_served_total",
			Help:        "Block bytes returned by GetBlock",
			ConstLabels: labels,
		}),

		Blocks: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dps_shard_blocks",
			Help:        "Blocks held by the shard",
			ConstLabels: labels,
		}),
	}
}

func (m *ShardMetrics) Request(operation, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

func (m *ShardMetrics) Stored(n, blocks int) {
	if m == nil {
		return
	}
	m.BytesStored.Add(float64(n))
	m.Blocks.Set(float64(blocks))
}

func (m *ShardMetrics) Served(n int) {
	if m == nil {
		return
	}
	m.BytesServed.Add(float64(n))
}
