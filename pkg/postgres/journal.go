package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id           BIGSERIAL PRIMARY KEY,
	action       TEXT        NOT NULL,
	dump_path    TEXT        NOT NULL,
	index_name   TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	records      BIGINT      NOT NULL DEFAULT 0,
	skipped      BIGINT      NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	error        TEXT
);
CREATE TABLE IF NOT EXISTS ingest_sources (
	run_id   BIGINT NOT NULL REFERENCES ingest_runs(id) ON DELETE CASCADE,
	name     TEXT   NOT NULL,
	records  BIGINT NOT NULL,
	outcome  TEXT   NOT NULL,
	PRIMARY KEY (run_id, name)
);`

// Run statuses stored in ingest_runs.status.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one row of the ingestion journal.
type Run struct {
	ID         int64
	Action     string
	Dump       string
	Index      string
	Status     string
	Records    int64
	Skipped    int64
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Sources    []SourceResult
}

// SourceResult is the outcome of loading a single dump source.
type SourceResult struct {
	Name    string
	Records int64
	Outcome string
}

// EnsureSchema creates the journal tables if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, journalSchema); err != nil {
		return fmt.Errorf("creating journal schema: %w", err)
	}
	return nil
}

// StartRun inserts a running journal row and returns its id.
func (c *Client) StartRun(ctx context.Context, run Run) (int64, error) {
	var id int64
	err := c.DB.QueryRowContext(ctx,
		`INSERT INTO ingest_runs (action, dump_path, index_name, status, started_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		run.Action, run.Dump, run.Index, RunRunning, run.StartedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	return id, nil
}

// FinishRun closes the journal row for run.ID and stores its per-source
// results in one transaction.
func (c *Client) FinishRun(ctx context.Context, run Run) error {
	return c.InTx(ctx, func(tx *sql.Tx) error {
		var errText sql.NullString
		if run.Error != "" {
			errText = sql.NullString{String: run.Error, Valid: true}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE ingest_runs
			 SET status = $2, records = $3, skipped = $4, finished_at = $5, error = $6
			 WHERE id = $1`,
			run.ID, run.Status, run.Records, run.Skipped, run.FinishedAt, errText,
		)
		if err != nil {
			return fmt.Errorf("updating run %d: %w", run.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %d not found", run.ID)
		}
		for _, src := range run.Sources {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ingest_sources (run_id, name, records, outcome)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (run_id, name) DO UPDATE SET records = EXCLUDED.records, outcome = EXCLUDED.outcome`,
				run.ID, src.Name, src.Records, src.Outcome,
			); err != nil {
				return fmt.Errorf("recording source %s: %w", src.Name, err)
			}
		}
		return nil
	})
}

// LastRun returns the most recent finished run for index, or nil.
func (c *Client) LastRun(ctx context.Context, index string) (*Run, error) {
	var (
		run      Run
		finished sql.NullTime
		errText  sql.NullString
	)
	err := c.DB.QueryRowContext(ctx,
		`SELECT id, action, dump_path, index_name, status, records, skipped, started_at, finished_at, error
		 FROM ingest_runs WHERE index_name = $1 AND finished_at IS NOT NULL
		 ORDER BY finished_at DESC LIMIT 1`,
		index,
	).Scan(&run.ID, &run.Action, &run.Dump, &run.Index, &run.Status, &run.Records, &run.Skipped, &run.StartedAt, &finished, &errText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last run: %w", err)
	}
	run.FinishedAt = finished.Time
	run.Error = errText.String
	return &run, nil
}
