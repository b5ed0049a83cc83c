// Package metrics exports indexing and search metrics in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notesrag"

type Metrics struct {
	registry *prometheus.Registry

	// Indexing
	indexRuns      *prometheus.CounterVec
	indexLatency   *prometheus.HistogramVec
	chunks         *prometheus.CounterVec
	chunkTokens    prometheus.Histogram
	entriesDeleted prometheus.Counter

	// Search
	searches      *prometheus.CounterVec
	searchLatency *prometheus.HistogramVec
	danglingHits  prometheus.Counter

	// Reindexer
	reindexed      *prometheus.CounterVec
	danglingPurged prometheus.Counter
}

type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

func New(cfg Config) *Metrics {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.indexRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "notes_total",
			Help:      "Notes processed by the indexing pipeline, by final stage",
		},
		[]string{"stage", "partial"},
	)
	m.indexLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "note_duration_seconds",
			Help:      "Time to index one note",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"stage"},
	)
	m.chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "chunks_total",
			Help:      "Chunks embedded, by outcome",
		},
		[]string{"status"},
	)
	m.chunkTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "chunk_tokens",
			Help:      "Token count of embedded chunks",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 8),
		},
	)
	m.entriesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "entries_deleted_total",
			Help:      "Index entries removed by note deletes and re-indexing",
		},
	)

	m.searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Search requests, by kind and status",
		},
		[]string{"kind", "status"},
	)
	m.searchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Search latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"kind"},
	)
	m.danglingHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "dangling_total",
			Help:      "Search hits dropped because the note no longer exists",
		},
	)

	m.reindexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reindexer",
			Name:      "notes_total",
			Help:      "Notes re-indexed by the reconciler, by status",
		},
		[]string{"status"},
	)
	m.danglingPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reindexer",
			Name:      "dangling_purged_total",
			Help:      "Notes whose index entries were removed because the note was deleted",
		},
	)

	registry.MustRegister(
		m.indexRuns,
		m.indexLatency,
		m.chunks,
		m.chunkTokens,
		m.entriesDeleted,
		m.searches,
		m.searchLatency,
		m.danglingHits,
		m.reindexed,
		m.danglingPurged,
	)

	return m
}

// RecordIndex records one IndexNote call that ended in stage.
func (m *Metrics) RecordIndex(stage string, partial bool, latency time.Duration) {
	if m == nil {
		return
	}
	p := "false"
	if partial {
		p = "true"
	}
	m.indexRuns.WithLabelValues(stage, p).Inc()
	m.indexLatency.WithLabelValues(stage).Observe(latency.Seconds())
}

func (m *Metrics) RecordChunk(tokens int, success bool) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(status(success)).Inc()
	if success {
		m.chunkTokens.Observe(float64(tokens))
	}
}

func (m *Metrics) RecordDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.entriesDeleted.Add(float64(n))
}

func (m *Metrics) RecordSearch(kind string, latency time.Duration, success bool) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(kind, status(success)).Inc()
	m.searchLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Metrics) RecordDangling(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.danglingHits.Add(float64(n))
}

func (m *Metrics) RecordReindex(success bool) {
	if m == nil {
		return
	}
	m.reindexed.WithLabelValues(status(success)).Inc()
}

func (m *Metrics) RecordPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.danglingPurged.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
