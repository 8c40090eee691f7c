package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the pipeline emits. A single
// instance is created by the composition root and injected where needed.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest path
	MessagesReceived *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Aggregation path
	TicksAggregated  prometheus.Counter
	MockTicksDropped prometheus.Counter
	BucketsFlushed   *prometheus.CounterVec
	FlushFailures    *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
	OpenBuckets      prometheus.Gauge

	// Store
	StoreWrites     *prometheus.CounterVec
	StoreRetries    prometheus.Counter
	StoreDuration   *prometheus.HistogramVec
	InflightWrites  prometheus.Gauge

	// Cache
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheInvalidations prometheus.Counter
	CacheErrors        prometheus.Counter

	// Hub
	BroadcastDelivered prometheus.Counter
	BroadcastDropped   *prometheus.CounterVec
	HubSubscribers     prometheus.Gauge

	// Backfill
	BackfillRuns     *prometheus.CounterVec
	BackfillFailures prometheus.Counter
	BackfillBars     prometheus.Counter

	// Query surface
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_messages_received_total",
				Help: "Total pub/sub messages received by channel",
			},
			[]string{"channel"},
		),
		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_decode_errors_total",
				Help: "Total messages dropped because they failed to decode",
			},
			[]string{"channel"},
		),
		ValidationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_validation_errors_total",
				Help: "Total messages dropped because they failed validation",
			},
			[]string{"channel"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_messages_dropped_total",
				Help: "Total messages dropped due to buffer overflow",
			},
			[]string{"channel"},
		),

		TicksAggregated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_ticks_aggregated_total",
				Help: "Total option ticks folded into bucket state",
			},
		),
		MockTicksDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_mock_ticks_dropped_total",
				Help: "Total ticks dropped because is_mock was set",
			},
		),
		BucketsFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_buckets_flushed_total",
				Help: "Total bucket flushes by timeframe",
			},
			[]string{"timeframe"},
		),
		FlushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_flush_failures_total",
				Help: "Total flush failures by kind (transient, rejected)",
			},
			[]string{"kind"},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "optionflow_flush_duration_seconds",
				Help:    "Duration of a bucket flush including store writes",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),
		OpenBuckets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "optionflow_open_buckets",
				Help: "Number of strike buckets currently held in memory",
			},
		),

		StoreWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_store_writes_total",
				Help: "Total store write operations by table and result",
			},
			[]string{"table", "result"},
		),
		StoreRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_store_retries_total",
				Help: "Total transient store errors retried",
			},
		),
		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "optionflow_store_duration_seconds",
				Help:    "Duration of store calls by operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"op"},
		),
		InflightWrites: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "optionflow_store_inflight_writes",
				Help: "Store writes currently holding a semaphore slot",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_cache_hits_total",
				Help: "Total cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_cache_misses_total",
				Help: "Total cache misses by tier",
			},
			[]string{"tier"},
		),
		CacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_cache_invalidations_total",
				Help: "Total pattern invalidations issued after flushes",
			},
		),
		CacheErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_cache_errors_total",
				Help: "Total cache backend errors (degraded to store reads)",
			},
		),

		BroadcastDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_broadcast_delivered_total",
				Help: "Total messages delivered to hub subscribers",
			},
		),
		BroadcastDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_broadcast_dropped_total",
				Help: "Total hub messages dropped by reason",
			},
			[]string{"reason"},
		),
		HubSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "optionflow_hub_subscribers",
				Help: "Number of live hub subscribers",
			},
		),

		BackfillRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_backfill_runs_total",
				Help: "Total backfill tasks executed by mode",
			},
			[]string{"mode"},
		),
		BackfillFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_backfill_failures_total",
				Help: "Total backfill tasks abandoned after retries",
			},
		),
		BackfillBars: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_backfill_bars_total",
				Help: "Total historical bars upserted by backfill",
			},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "optionflow_query_duration_seconds",
				Help:    "Duration of query-surface operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"endpoint", "cache"},
		),
	}

	m.registry.MustRegister(
		m.MessagesReceived, m.DecodeErrors, m.ValidationErrors, m.MessagesDropped,
		m.TicksAggregated, m.MockTicksDropped, m.BucketsFlushed, m.FlushFailures,
		m.FlushDuration, m.OpenBuckets,
		m.StoreWrites, m.StoreRetries, m.StoreDuration, m.InflightWrites,
		m.CacheHits, m.CacheMisses, m.CacheInvalidations, m.CacheErrors,
		m.BroadcastDelivered, m.BroadcastDropped, m.HubSubscribers,
		m.BackfillRuns, m.BackfillFailures, m.BackfillBars,
		m.QueryDuration,
	)

	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
