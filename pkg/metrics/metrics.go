// Copyright 2025 Certen Protocol
//
// Package metrics exposes Prometheus instrumentation for the buffer
// manager dispatcher: buffer depth, cursor position, retry counts, and
// aggregation latency, wired via promauto the way the wormhole-svm
// processor wires its observation-delay histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Dispatcher's Prometheus instruments. A nil *Metrics
// is valid and every method on it is a no-op, so instrumentation is
// optional without branching at every call site.
type Metrics struct {
	bufferDepth       prometheus.Gauge
	executionCursor   prometheus.Gauge
	signingCursor     prometheus.Gauge
	retriesTotal      prometheus.Counter
	aggregationLatency prometheus.Histogram
	itemsPersistedTotal prometheus.Counter
}

// New registers a fresh set of buffer-manager metrics on reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		bufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bufferpipe_buffer_depth",
			Help: "Number of items currently held in the ordered buffer.",
		}),
		executionCursor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bufferpipe_execution_cursor_position",
			Help: "Offset of the execution cursor from the buffer head.",
		}),
		signingCursor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bufferpipe_signing_cursor_position",
			Help: "Offset of the signing cursor from the buffer head.",
		}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bufferpipe_commit_vote_retries_total",
			Help: "Total number of commit-vote broadcasts issued by the retry timer.",
		}),
		aggregationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bufferpipe_aggregation_latency_seconds",
			Help:    "Latency from an item reaching Signed to it reaching Aggregated.",
			Buckets: prometheus.DefBuckets,
		}),
		itemsPersistedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bufferpipe_items_persisted_total",
			Help: "Total number of blocks handed to the persister as part of an aggregated prefix.",
		}),
	}
}

func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Set(float64(n))
}

func (m *Metrics) SetExecutionCursor(offset int) {
	if m == nil {
		return
	}
	m.executionCursor.Set(float64(offset))
}

func (m *Metrics) SetSigningCursor(offset int) {
	if m == nil {
		return
	}
	m.signingCursor.Set(float64(offset))
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) ObserveAggregationLatency(signedAt time.Time) {
	if m == nil {
		return
	}
	m.aggregationLatency.Observe(time.Since(signedAt).Seconds())
}

func (m *Metrics) AddItemsPersisted(n int) {
	if m == nil {
		return
	}
	m.itemsPersistedTotal.Add(float64(n))
}
