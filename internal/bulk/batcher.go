package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/metrics"
)

// BatchSubmitter delivers one batch and returns its completion time.
type BatchSubmitter interface {
	Submit(ctx context.Context, batch Batch, final bool) (time.Time, error)
}

// Observer is told about every successfully submitted batch.
type Observer interface {
	Accumulate(n int, start, end time.Time)
}

// Batcher accumulates records and submits a batch synchronously as soon as
// it reaches the configured size, so the caller stops producing records
// while a submission is in flight.
type Batcher struct {
	size      int
	submitter BatchSubmitter
	observer  Observer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	batch     Batch
	submitted int64
	dropped   int64
	latest    time.Time
}

// NewBatcher creates a Batcher. observer and m may be nil.
func NewBatcher(size int, submitter BatchSubmitter, observer Observer, m *metrics.Metrics) *Batcher {
	if size <= 0 {
		size = 1
	}
	return &Batcher{
		size:      size,
		submitter: submitter,
		observer:  observer,
		metrics:   m,
		logger:    slog.Default().With("component", "batcher"),
		batch:     make(Batch, 0, size),
	}
}

// Append adds rec to the current batch. A record without identity is
// dropped and logged. A full batch is submitted before Append returns.
func (b *Batcher) Append(ctx context.Context, rec record.Record) error {
	id := rec.Identity()
	if id == "" {
		b.dropped++
		if b.metrics != nil {
			b.metrics.RecordsSkippedTotal.WithLabelValues("no_identity").Inc()
		}
		b.logger.Warn("dropping record", "error", apperrors.ErrMissingIdentity, "title", rec.Title)
		return nil
	}
	doc, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", id, err)
	}
	b.batch = append(b.batch, Item{ID: id, Doc: doc})
	if rec.IndexedAt.After(b.latest) {
		b.latest = rec.IndexedAt
	}
	if len(b.batch) >= b.size {
		return b.submit(ctx, false)
	}
	return nil
}

// Flush submits the pending records, if any.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.batch) == 0 {
		return nil
	}
	return b.submit(ctx, true)
}

func (b *Batcher) submit(ctx context.Context, final bool) error {
	start := time.Now()
	end, err := b.submitter.Submit(ctx, b.batch, final)
	if err != nil {
		return err
	}
	n := len(b.batch)
	b.submitted += int64(n)
	if b.metrics != nil {
		b.metrics.RecordsIndexedTotal.Add(float64(n))
	}
	if b.observer != nil {
		b.observer.Accumulate(n, start, end)
	}
	b.batch = make(Batch, 0, b.size)
	return nil
}

// Pending returns the number of records waiting for the next submission.
func (b *Batcher) Pending() int { return len(b.batch) }

// Submitted returns the number of records acknowledged by the engine.
func (b *Batcher) Submitted() int64 { return b.submitted }

// Dropped returns the number of records discarded for lack of identity.
func (b *Batcher) Dropped() int64 { return b.dropped }

// LatestIndexed returns the newest source indexing timestamp among appended
// records.
func (b *Batcher) LatestIndexed() time.Time { return b.latest }
