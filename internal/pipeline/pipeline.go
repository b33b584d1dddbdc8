// Package pipeline runs one ingestion: it resolves the dump, prepares the
// index, streams every source through splitter, extractor and batcher in
// order, and finishes with a single refresh on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/bulk"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/dump"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/lifecycle"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/tracing"
)

// Source outcomes.
const (
	OutcomeComplete  = "complete"
	OutcomeAbandoned = "abandoned"
	OutcomeFailed    = "failed"
)

const previewBytes = 120

// RunJournal persists one row per run.
type RunJournal interface {
	StartRun(ctx context.Context, run postgres.Run) (int64, error)
	FinishRun(ctx context.Context, run postgres.Run) error
}

// Checkpoint remembers what has been loaded into an index.
type Checkpoint interface {
	AdvanceWatermark(ctx context.Context, index string, t time.Time) (bool, error)
	MarkSource(ctx context.Context, index, source string, records int64) error
	ResetIndex(ctx context.Context, index string) error
}

// EventPublisher announces completed sources and runs.
type EventPublisher interface {
	Emit(ctx context.Context, ev kafka.IngestEvent) error
}

// Config holds the per-run settings.
type Config struct {
	Index          string
	DumpPath       string
	Format         string
	BatchSize      int
	RefreshTimeout time.Duration
}

// Summary describes a finished run.
type Summary struct {
	Kind     dump.Kind
	Indexed  int64
	Skipped  map[string]int64
	Sources  []postgres.SourceResult
	Latest   time.Time
	Duration time.Duration
}

// SkippedTotal sums the skip counters.
func (s Summary) SkippedTotal() int64 {
	var n int64
	for _, v := range s.Skipped {
		n += v
	}
	return n
}

// Option configures optional collaborators.
type Option func(*Pipeline)

func WithJournal(j RunJournal) Option { return func(p *Pipeline) { p.journal = j } }

func WithCheckpoint(c Checkpoint) Option { return func(p *Pipeline) { p.checkpoint = c } }

func WithEvents(e EventPublisher) Option { return func(p *Pipeline) { p.events = e } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// Pipeline wires the ingestion components for one index.
type Pipeline struct {
	cfg        Config
	resolver   *dump.Resolver
	splitter   *dump.Splitter
	lifecycle  *lifecycle.Manager
	submitter  bulk.BatchSubmitter
	metrics    *metrics.Metrics
	journal    RunJournal
	checkpoint Checkpoint
	events     EventPublisher
}

func New(cfg Config, resolver *dump.Resolver, splitter *dump.Splitter, lc *lifecycle.Manager, submitter bulk.BatchSubmitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		resolver:  resolver,
		splitter:  splitter,
		lifecycle: lc,
		submitter: submitter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type runState struct {
	started  time.Time
	action   lifecycle.Action
	journal  postgres.Run
	reporter *progress.Reporter
	summary  Summary
	span     *tracing.Span
	prepared bool
}

// Run ingests the configured dump with the index or extend action. Path and
// format problems are reported before the search engine is contacted. Once
// the index is prepared, the final refresh runs whatever the outcome.
func (p *Pipeline) Run(ctx context.Context, action lifecycle.Action) (summary Summary, err error) {
	if !action.Ingests() {
		return Summary{}, apperrors.Newf(apperrors.ErrInvalidInput, apperrors.ExitUsage, "action %s does not ingest", action)
	}
	kind, sources, err := p.resolver.Resolve(p.cfg.DumpPath)
	if err != nil {
		return Summary{}, err
	}
	if kind, err = dump.Override(kind, p.cfg.Format); err != nil {
		return Summary{}, err
	}

	st := &runState{
		started:  time.Now(),
		action:   action,
		reporter: progress.NewReporter(p.metrics),
		summary:  Summary{Kind: kind, Skipped: map[string]int64{}},
	}
	runID := strconv.FormatInt(st.started.UnixNano(), 36)
	ctx = logger.WithRunID(ctx, runID)
	ctx, st.span = tracing.StartSpan(ctx, "ingest", runID)
	st.span.SetAttr("index", p.cfg.Index)
	st.span.SetAttr("kind", kind.String())
	log := logger.FromContext(ctx).With("component", "pipeline", "index", p.cfg.Index)
	log.Info("run starting", "action", action, "dump", p.cfg.DumpPath, "kind", kind, "sources", len(sources))

	p.startJournal(ctx, st, log)
	defer func() {
		err = p.finalize(ctx, st, err, log)
		summary = st.summary
	}()

	created, err := p.lifecycle.Prepare(ctx, action)
	if err != nil {
		return st.summary, err
	}
	st.prepared = true
	if created && p.checkpoint != nil {
		if err := p.checkpoint.ResetIndex(ctx, p.cfg.Index); err != nil {
			log.Warn("resetting checkpoint failed", "error", err)
		}
	}

	for _, src := range sources {
		res, err := p.processSource(ctx, st, src, kind, log)
		st.summary.Sources = append(st.summary.Sources, res)
		if err != nil {
			return st.summary, fmt.Errorf("source %s: %w", src.Name, err)
		}
	}
	return st.summary, nil
}

func (p *Pipeline) processSource(ctx context.Context, st *runState, src dump.Source, kind dump.Kind, log *slog.Logger) (postgres.SourceResult, error) {
	ctx, span := tracing.StartChildSpan(ctx, "source")
	defer span.End()
	span.SetAttr("source", src.Name)
	result := postgres.SourceResult{Name: src.Name, Outcome: OutcomeComplete}
	log = log.With("source", src.Name)

	st.reporter.SetSource(src.Name)
	batcher := bulk.NewBatcher(p.cfg.BatchSize, p.submitter, st.reporter, p.metrics)
	chunks := 0
	splitErr := p.splitter.Split(ctx, src, kind, func(c dump.Chunk) error {
		chunks++
		rec, err := record.Extract(c)
		switch {
		case err == nil:
			return batcher.Append(ctx, rec)
		case errors.Is(err, record.ErrEmptyChunk):
			p.skip(st, "empty")
		case errors.Is(err, record.ErrComponent):
			p.skip(st, "component")
		case errors.Is(err, apperrors.ErrMalformedRecord):
			p.skip(st, "malformed")
			log.Warn("skipping malformed record", "chunk", chunks, "error", err, "preview", preview(c))
		default:
			return err
		}
		return nil
	})

	if splitErr != nil && !apperrors.Recoverable(splitErr) {
		return p.failSource(st, span, batcher, result, splitErr)
	}
	if splitErr != nil {
		log.Error("abandoning source", "error", splitErr, "chunks", chunks)
		result.Outcome = OutcomeAbandoned
		span.SetError(splitErr)
	}
	if err := batcher.Flush(ctx); err != nil {
		return p.failSource(st, span, batcher, result, err)
	}

	p.collect(st, batcher, &result)
	log.Info("source finished", "outcome", result.Outcome, "chunks", chunks, "indexed", result.Records, "dropped", batcher.Dropped())
	if p.metrics != nil {
		p.metrics.SourcesTotal.WithLabelValues(result.Outcome).Inc()
	}
	p.checkpointSource(ctx, batcher, result, log)
	p.emit(ctx, kafka.IngestEvent{
		Type:    kafka.EventSourceCompleted,
		Index:   p.cfg.Index,
		Source:  src.Name,
		Records: result.Records,
		Outcome: result.Outcome,
	}, log)
	return result, nil
}

func (p *Pipeline) failSource(st *runState, span *tracing.Span, batcher *bulk.Batcher, result postgres.SourceResult, err error) (postgres.SourceResult, error) {
	result.Outcome = OutcomeFailed
	p.collect(st, batcher, &result)
	span.SetError(err)
	if p.metrics != nil {
		p.metrics.SourcesTotal.WithLabelValues(result.Outcome).Inc()
	}
	return result, err
}

func (p *Pipeline) collect(st *runState, batcher *bulk.Batcher, result *postgres.SourceResult) {
	result.Records = batcher.Submitted()
	st.summary.Indexed += batcher.Submitted()
	if d := batcher.Dropped(); d > 0 {
		st.summary.Skipped["no_identity"] += d
	}
	if batcher.LatestIndexed().After(st.summary.Latest) {
		st.summary.Latest = batcher.LatestIndexed()
	}
}

func (p *Pipeline) skip(st *runState, reason string) {
	st.summary.Skipped[reason]++
	if p.metrics != nil {
		p.metrics.RecordsSkippedTotal.WithLabelValues(reason).Inc()
	}
}

func (p *Pipeline) checkpointSource(ctx context.Context, batcher *bulk.Batcher, result postgres.SourceResult, log *slog.Logger) {
	if p.checkpoint == nil || result.Outcome != OutcomeComplete {
		return
	}
	if err := p.checkpoint.MarkSource(ctx, p.cfg.Index, result.Name, result.Records); err != nil {
		log.Warn("recording source checkpoint failed", "error", err)
	}
	latest := batcher.LatestIndexed()
	if latest.IsZero() {
		return
	}
	advanced, err := p.checkpoint.AdvanceWatermark(ctx, p.cfg.Index, latest)
	if err != nil {
		log.Warn("advancing watermark failed", "error", err)
		return
	}
	if advanced {
		log.Debug("watermark advanced", "indexed_at", latest)
	}
}

func (p *Pipeline) startJournal(ctx context.Context, st *runState, log *slog.Logger) {
	st.journal = postgres.Run{
		Action:    string(st.action),
		Dump:      p.cfg.DumpPath,
		Index:     p.cfg.Index,
		Status:    postgres.RunRunning,
		StartedAt: st.started,
	}
	if p.journal == nil {
		return
	}
	id, err := p.journal.StartRun(ctx, st.journal)
	if err != nil {
		log.Warn("journal start failed", "error", err)
		return
	}
	st.journal.ID = id
}

// finalize runs on every exit path once sources are resolved. It refreshes
// the prepared index with a context detached from cancellation, then closes
// the journal, the trace and the run log.
func (p *Pipeline) finalize(ctx context.Context, st *runState, runErr error, log *slog.Logger) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.refreshTimeout())
	defer cancel()

	if st.prepared {
		if err := p.lifecycle.Refresh(fctx); err != nil {
			log.Error("final refresh failed", "error", err)
			if runErr == nil {
				runErr = fmt.Errorf("final refresh: %w", err)
			}
		}
	}

	st.summary.Duration = time.Since(st.started)
	if p.metrics != nil && !st.summary.Latest.IsZero() {
		p.metrics.LastIndexedUnix.Set(float64(st.summary.Latest.Unix()))
	}

	status := postgres.RunSucceeded
	errText := ""
	if runErr != nil {
		status = postgres.RunFailed
		errText = runErr.Error()
		st.span.SetError(runErr)
	}
	if p.journal != nil && st.journal.ID != 0 {
		st.journal.Status = status
		st.journal.Records = st.summary.Indexed
		st.journal.Skipped = st.summary.SkippedTotal()
		st.journal.FinishedAt = time.Now()
		st.journal.Error = errText
		st.journal.Sources = st.summary.Sources
		if err := p.journal.FinishRun(fctx, st.journal); err != nil {
			log.Warn("journal finish failed", "error", err)
		}
	}
	p.emit(fctx, kafka.IngestEvent{
		Type:    kafka.EventRunCompleted,
		Index:   p.cfg.Index,
		Records: st.summary.Indexed,
		Outcome: status,
		Error:   errText,
	}, log)

	st.span.SetAttr("indexed", st.summary.Indexed)
	st.span.End()
	st.span.Log(log)

	counters := st.reporter.Snapshot()
	log.Info("run finished",
		"status", status,
		"indexed", counters.Indexed,
		"skipped", st.summary.SkippedTotal(),
		"sources", len(st.summary.Sources),
		"execution_time", st.summary.Duration.Round(time.Millisecond),
	)
	return runErr
}

func (p *Pipeline) emit(ctx context.Context, ev kafka.IngestEvent, log *slog.Logger) {
	if p.events == nil {
		return
	}
	if err := p.events.Emit(ctx, ev); err != nil {
		log.Warn("publishing event failed", "type", ev.Type, "error", err)
	}
}

func (p *Pipeline) refreshTimeout() time.Duration {
	if p.cfg.RefreshTimeout > 0 {
		return p.cfg.RefreshTimeout
	}
	return 2 * time.Minute
}

func preview(c dump.Chunk) string {
	if len(c) > previewBytes {
		return string(c[:previewBytes]) + "..."
	}
	return string(c)
}
