// Package progress tracks how many records a run has indexed and reports
// throughput after every completed bulk submission.
package progress

import (
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/metrics"
)

// RunCounters is the progress state of one run.
type RunCounters struct {
	Indexed int64
	Elapsed time.Duration
	Source  string
	Started time.Time
}

// Reporter owns the RunCounters of a run. It is driven by the single
// ingestion sequence and is not safe for concurrent use.
type Reporter struct {
	counters RunCounters
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewReporter starts the run clock. m may be nil.
func NewReporter(m *metrics.Metrics) *Reporter {
	return &Reporter{
		counters: RunCounters{Started: time.Now()},
		metrics:  m,
		logger:   slog.Default().With("component", "progress"),
	}
}

// SetSource records the name of the source being streamed.
func (r *Reporter) SetSource(name string) {
	r.counters.Source = name
}

// Accumulate adds a completed batch of n records that was submitted at start
// and acknowledged at end. The logged rate covers this batch only.
func (r *Reporter) Accumulate(n int, start, end time.Time) {
	r.counters.Indexed += int64(n)
	r.counters.Elapsed = end.Sub(r.counters.Started)

	rate := Rate(n, end.Sub(start))
	if r.metrics != nil {
		r.metrics.Throughput.Set(rate)
	}
	r.logger.Info("batch indexed",
		"source", r.counters.Source,
		"indexed", r.counters.Indexed,
		"elapsed_s", int64(r.counters.Elapsed.Seconds()),
		"records_per_s", int64(rate),
	)
}

// Snapshot returns a copy of the current counters.
func (r *Reporter) Snapshot() RunCounters {
	return r.counters
}

// Rate returns n per second over d. A non-positive d yields n.
func Rate(n int, d time.Duration) float64 {
	if d <= 0 {
		return float64(n)
	}
	return float64(n) / d.Seconds()
}
