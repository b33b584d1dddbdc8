package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/elastic"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/resilience"
)

// maxLoggedRejections caps the per-item reasons logged for one response.
const maxLoggedRejections = 10

// Client is the bulk endpoint of the search engine.
type Client interface {
	Bulk(ctx context.Context, body []byte) (*elastic.BulkResponse, error)
}

// Submitter sends batches to one index. A response reporting rejected items
// is resubmitted once after a fixed backoff; a second rejection is fatal.
// Transport errors are never retried here.
type Submitter struct {
	client  Client
	index   string
	backoff time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter. m may be nil.
func NewSubmitter(client Client, index string, backoff, timeout time.Duration, m *metrics.Metrics) *Submitter {
	return &Submitter{
		client:  client,
		index:   index,
		backoff: backoff,
		timeout: timeout,
		metrics: m,
		logger:  slog.Default().With("component", "bulk-submitter", "index", index),
	}
}

// Submit sends batch and returns the time the engine acknowledged it. final
// marks the last batch of a source; every request is sent with refresh
// disabled regardless.
func (s *Submitter) Submit(ctx context.Context, batch Batch, final bool) (time.Time, error) {
	body, err := batch.Encode(s.index)
	if err != nil {
		return time.Time{}, err
	}

	cfg := resilience.FixedRetry(2, s.backoff, func(err error) bool {
		return errors.Is(err, apperrors.ErrBulkFailure)
	})
	cfg.OnRetry = func(attempt int, err error) {
		s.logger.Warn("bulk rejected, resubmitting after backoff",
			"batch_size", len(batch),
			"backoff", s.backoff,
		)
		if s.metrics != nil {
			s.metrics.BulkRetriesTotal.Inc()
		}
	}

	err = resilience.Retry(ctx, "bulk", cfg, func() error {
		return s.send(ctx, body, len(batch), final)
	})
	if err != nil {
		var timeout *resilience.TimeoutError
		if errors.As(err, &timeout) {
			err = fmt.Errorf("%w: %v", apperrors.ErrTransport, timeout)
		}
		s.count("error")
		return time.Time{}, err
	}
	s.count("ok")
	return time.Now(), nil
}

func (s *Submitter) send(ctx context.Context, body []byte, size int, final bool) error {
	start := time.Now()
	var resp *elastic.BulkResponse
	err := resilience.WithTimeout(ctx, s.timeout, "bulk", func(ctx context.Context) error {
		var err error
		resp, err = s.client.Bulk(ctx, body)
		return err
	})
	if s.metrics != nil {
		s.metrics.BulkLatency.WithLabelValues(strconv.FormatBool(final)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if !resp.Errors {
		s.logger.Debug("bulk accepted", "batch_size", size, "took_ms", resp.Took, "final", final)
		return nil
	}

	s.count("rejected")
	failed := resp.Failed()
	for i, item := range failed {
		if i == maxLoggedRejections {
			s.logger.Warn("further rejections not logged", "remaining", len(failed)-i)
			break
		}
		s.logger.Warn("document rejected",
			"id", item.ID,
			"status", item.Status,
			"type", item.Error.Type,
			"reason", item.Error.Reason,
		)
	}
	return fmt.Errorf("%w: %d of %d documents rejected", apperrors.ErrBulkFailure, len(failed), size)
}

func (s *Submitter) count(status string) {
	if s.metrics != nil {
		s.metrics.BatchesTotal.WithLabelValues(status).Inc()
	}
}
