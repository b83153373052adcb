// Package metrics exposes the Prometheus counters and gauges the
// server maintains: request/error/latency series, transfer byte
// counters, and cache residency/hit/miss/eviction series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups every metric transferase exports, constructed once
// per process and passed to internal/server.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheResident  *prometheus.GaugeVec

	ActiveConnections prometheus.Gauge
}

const namespace = "transferase"

// NewRegistry builds and registers every metric against reg (the CLI
// passes prometheus.DefaultRegisterer; tests pass a fresh
// prometheus.NewRegistry() each to avoid cross-test collisions).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests handled, by request type.",
		}, []string{"type"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total number of requests that completed with a non-OK status, by status.",
		}, []string{"status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request handling latency from accept to response-sent, by request type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to client connections.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from client connections.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits, by cache name (methylome, genome_index).",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses, by cache name.",
		}, []string{"cache"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "LRU evictions, by cache name.",
		}, []string{"cache"}),
		CacheResident: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_resident",
			Help:      "Currently resident entries, by cache name.",
		}, []string{"cache"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open client connections.",
		}),
	}
	reg.MustRegister(
		r.RequestsTotal, r.RequestErrors, r.RequestDuration,
		r.BytesSent, r.BytesReceived,
		r.CacheHits, r.CacheMisses, r.CacheEvictions, r.CacheResident,
		r.ActiveConnections,
	)
	return r
}
