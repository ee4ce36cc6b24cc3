// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the pipeline
type Metrics struct {
	registry *prometheus.Registry

	// Rate limiter metrics
	RequestsGated    prometheus.Counter
	RequestsQueued   prometheus.Counter
	RequestsRejected *prometheus.CounterVec
	QuotaUsage       prometheus.Gauge

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheSizeBytes prometheus.Gauge

	// Analytics metrics
	EventsIngested    *prometheus.CounterVec
	QueriesEvaluated  prometheus.Counter
	AnomaliesFlagged  *prometheus.CounterVec
	BufferSize        prometheus.Gauge
	EvaluationSeconds prometheus.Histogram

	// API metrics
	RequestsProcessed *prometheus.CounterVec
}

// New creates a metrics instance backed by its own registry
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}
	counterVec := func(name, help string, labels []string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
		registry.MustRegister(v)
		return v
	}

	m := &Metrics{registry: registry}

	m.RequestsGated = factory("ratelimit_requests_gated_total", "Requests admitted by the rate limiter")
	m.RequestsQueued = factory("ratelimit_requests_queued_total", "Requests delayed waiting for quota")
	m.RequestsRejected = counterVec("ratelimit_requests_rejected_total", "Requests rejected by reason", []string{"reason"})
	m.QuotaUsage = gauge("ratelimit_quota_usage_percent", "Current window usage as a percentage of the quota")

	m.CacheHits = factory("cache_hits_total", "Cache read hits")
	m.CacheMisses = factory("cache_misses_total", "Cache read misses")
	m.CacheEvictions = factory("cache_evictions_total", "Entries evicted to reclaim space")
	m.CacheSizeBytes = gauge("cache_size_bytes", "Estimated bytes held by the cache")

	m.EventsIngested = counterVec("analytics_events_ingested_total", "Events accepted into the buffer by type", []string{"type"})
	m.QueriesEvaluated = factory("analytics_queries_evaluated_total", "Windowed query evaluations completed")
	m.AnomaliesFlagged = counterVec("analytics_anomalies_flagged_total", "Anomalies flagged by severity", []string{"severity"})
	m.BufferSize = gauge("analytics_buffer_events", "Events currently held in the buffer")

	m.EvaluationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analytics_evaluation_seconds",
		Help:      "Time to evaluate one windowed query",
		Buckets:   prometheus.DefBuckets,
	})
	registry.MustRegister(m.EvaluationSeconds)

	m.RequestsProcessed = counterVec("api_requests_processed_total", "API requests processed", []string{"method", "status"})

	return m
}

// Gatherer returns the registry for metrics export
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Registerer returns the registry for additional collectors
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}
