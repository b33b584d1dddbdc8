// Package metrics defines the Prometheus collectors used by the indexer and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for an ingestion run.
type Metrics struct {
	RecordsIndexedTotal prometheus.Counter
	RecordsSkippedTotal *prometheus.CounterVec
	BatchesTotal        *prometheus.CounterVec
	BulkRetriesTotal    prometheus.Counter
	BulkLatency         *prometheus.HistogramVec
	Throughput          prometheus.Gauge
	SourcesTotal        *prometheus.CounterVec
	LastIndexedUnix     prometheus.Gauge
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biblio_records_indexed_total",
				Help: "Total records accepted by the search engine.",
			},
		),
		RecordsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biblio_records_skipped_total",
				Help: "Total chunks that did not produce a document, by reason (empty, component, malformed, no_identity).",
			},
			[]string{"reason"},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biblio_bulk_batches_total",
				Help: "Total bulk submissions by status.",
			},
			[]string{"status"},
		),
		BulkRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biblio_bulk_retries_total",
				Help: "Total bulk resubmissions after a rejected response.",
			},
		),
		BulkLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "biblio_bulk_latency_seconds",
				Help:    "Bulk request latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"final"},
		),
		Throughput: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biblio_ingest_records_per_second",
				Help: "Records per second of the most recent batch.",
			},
		),
		SourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biblio_sources_total",
				Help: "Dump sources processed by outcome (complete, abandoned).",
			},
			[]string{"outcome"},
		),
		LastIndexedUnix: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biblio_last_indexed_timestamp_seconds",
				Help: "Latest indexed.date-time seen in the dump, as a Unix timestamp.",
			},
		),
	}

	reg.MustRegister(
		m.RecordsIndexedTotal,
		m.RecordsSkippedTotal,
		m.BatchesTotal,
		m.BulkRetriesTotal,
		m.BulkLatency,
		m.Throughput,
		m.SourcesTotal,
		m.LastIndexedUnix,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
