package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/bulk"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/dump"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/lifecycle"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/elastic"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/postgres"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeEngine struct {
	exists   bool
	calls    []string
	ids      [][]string
	rejectAt map[int]bool
}

func (f *fakeEngine) IndexExists(context.Context, string) (bool, error) {
	f.calls = append(f.calls, "exists")
	return f.exists, nil
}

func (f *fakeEngine) CreateIndex(context.Context, string, []byte) error {
	f.calls = append(f.calls, "create")
	f.exists = true
	return nil
}

func (f *fakeEngine) DeleteIndex(context.Context, string) error {
	f.calls = append(f.calls, "delete")
	f.exists = false
	return nil
}

func (f *fakeEngine) Refresh(context.Context, string) error {
	f.calls = append(f.calls, "refresh")
	return nil
}

func (f *fakeEngine) ClusterHealth(context.Context) (*elastic.ClusterHealth, error) {
	return &elastic.ClusterHealth{Status: "green"}, nil
}

func (f *fakeEngine) ListIndices(context.Context) ([]elastic.IndexInfo, error) {
	return nil, nil
}

func (f *fakeEngine) Bulk(_ context.Context, body []byte) (*elastic.BulkResponse, error) {
	n := len(f.ids)
	f.calls = append(f.calls, "bulk")
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for line := 0; sc.Scan(); line++ {
		if line%2 != 0 {
			continue
		}
		var action struct {
			Index struct {
				ID string `json:"_id"`
			} `json:"index"`
		}
		if err := json.Unmarshal(sc.Bytes(), &action); err != nil {
			return nil, err
		}
		ids = append(ids, action.Index.ID)
	}
	f.ids = append(f.ids, ids)
	if f.rejectAt[n] {
		return &elastic.BulkResponse{
			Errors: true,
			Items: []map[string]elastic.BulkItem{
				{"index": {ID: ids[0], Status: 400, Error: &elastic.ErrorCause{Type: "mapper_parsing_exception", Reason: "bad year"}}},
			},
		}, nil
	}
	return &elastic.BulkResponse{}, nil
}

func (f *fakeEngine) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeJournal struct {
	started  int
	finished []postgres.Run
}

func (j *fakeJournal) StartRun(context.Context, postgres.Run) (int64, error) {
	j.started++
	return 42, nil
}

func (j *fakeJournal) FinishRun(_ context.Context, run postgres.Run) error {
	j.finished = append(j.finished, run)
	return nil
}

type fakeCheckpoint struct {
	sources   map[string]int64
	watermark time.Time
	resets    int
}

func (c *fakeCheckpoint) AdvanceWatermark(_ context.Context, _ string, t time.Time) (bool, error) {
	if t.After(c.watermark) {
		c.watermark = t
		return true, nil
	}
	return false, nil
}

func (c *fakeCheckpoint) MarkSource(_ context.Context, _ string, source string, records int64) error {
	if c.sources == nil {
		c.sources = map[string]int64{}
	}
	c.sources[source] = records
	return nil
}

func (c *fakeCheckpoint) ResetIndex(context.Context, string) error {
	c.resets++
	return nil
}

type fakeEvents struct {
	events []kafka.IngestEvent
}

func (e *fakeEvents) Emit(_ context.Context, ev kafka.IngestEvent) error {
	e.events = append(e.events, ev)
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newPipeline(engine *fakeEngine, path string, batchSize int, opts ...Option) *Pipeline {
	schema := lifecycle.Schema{Settings: json.RawMessage(`{}`), Mappings: json.RawMessage(`{}`)}
	cfg := Config{Index: "crossref", DumpPath: path, BatchSize: batchSize, RefreshTimeout: time.Second}
	return New(cfg,
		dump.NewResolver(),
		dump.NewSplitter(dump.DefaultRules([]string{"D"}), 0),
		lifecycle.NewManager(engine, cfg.Index, schema),
		bulk.NewSubmitter(engine, cfg.Index, time.Millisecond, time.Second, nil),
		opts...,
	)
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(s))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const mixedLines = `{"DOI":"10.1/A","title":"One","indexed":{"date-time":"2022-01-01T00:00:00Z"}}
{"DOI":"10.1/part","type":"component"}

{"title":"no identity"}
{"DOI":"10.1/broken", "title":
{"_id":{"$oid":"abc"},"DOI":"10.1/B","title":"Two","indexed":{"date-time":"2023-06-01T00:00:00Z"}}
{"DOI":"10.1/C","title":"Three"}
`

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestRunIndexesJSONLines(t *testing.T) {
	path := writeFile(t, t.TempDir(), "works.json", []byte(mixedLines))
	engine := &fakeEngine{exists: true}
	journal := &fakeJournal{}
	checkpoint := &fakeCheckpoint{}
	events := &fakeEvents{}

	p := newPipeline(engine, path, 2, WithJournal(journal), WithCheckpoint(checkpoint), WithEvents(events))
	summary, err := p.Run(context.Background(), lifecycle.ActionIndex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantCalls := []string{"exists", "delete", "create", "bulk", "bulk", "refresh"}
	if strings.Join(engine.calls, ",") != strings.Join(wantCalls, ",") {
		t.Errorf("calls = %v, want %v", engine.calls, wantCalls)
	}
	wantIDs := [][]string{{"10.1/a", "abc"}, {"10.1/c"}}
	for i, ids := range wantIDs {
		if strings.Join(engine.ids[i], ",") != strings.Join(ids, ",") {
			t.Errorf("batch %d ids = %v, want %v", i, engine.ids[i], ids)
		}
	}
	if summary.Indexed != 3 {
		t.Errorf("indexed = %d, want 3", summary.Indexed)
	}
	for reason, want := range map[string]int64{"component": 1, "no_identity": 1, "malformed": 1} {
		if summary.Skipped[reason] != want {
			t.Errorf("skipped[%s] = %d, want %d", reason, summary.Skipped[reason], want)
		}
	}
	if summary.Kind != dump.KindJSONLines {
		t.Errorf("kind = %s", summary.Kind)
	}

	if journal.started != 1 || len(journal.finished) != 1 {
		t.Fatalf("journal started %d, finished %d", journal.started, len(journal.finished))
	}
	if run := journal.finished[0]; run.ID != 42 || run.Status != postgres.RunSucceeded || run.Records != 3 || run.Skipped != 3 {
		t.Errorf("journal run = %+v", run)
	}
	if checkpoint.resets != 1 || checkpoint.sources["works.json"] != 3 {
		t.Errorf("checkpoint = %+v", checkpoint)
	}
	if !checkpoint.watermark.Equal(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("watermark = %v", checkpoint.watermark)
	}
	if len(events.events) != 2 || events.events[0].Type != kafka.EventSourceCompleted || events.events[1].Type != kafka.EventRunCompleted {
		t.Errorf("events = %+v", events.events)
	}
}

func TestRunExtendKeepsExistingIndex(t *testing.T) {
	path := writeFile(t, t.TempDir(), "works.json", []byte(`{"DOI":"10.1/x"}`+"\n"))
	engine := &fakeEngine{exists: true}
	checkpoint := &fakeCheckpoint{}
	if _, err := newPipeline(engine, path, 10, WithCheckpoint(checkpoint)).Run(context.Background(), lifecycle.ActionExtend); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if engine.count("delete") != 0 || engine.count("create") != 0 {
		t.Errorf("extend recreated the index: %v", engine.calls)
	}
	if checkpoint.resets != 0 {
		t.Error("extend reset the checkpoint")
	}
	if engine.count("refresh") != 1 {
		t.Errorf("refresh count = %d, want 1", engine.count("refresh"))
	}
}

func TestRunInvalidPathTouchesNothing(t *testing.T) {
	engine := &fakeEngine{}
	journal := &fakeJournal{}
	_, err := newPipeline(engine, filepath.Join(t.TempDir(), "missing.json"), 10, WithJournal(journal)).
		Run(context.Background(), lifecycle.ActionIndex)
	if !errors.Is(err, apperrors.ErrInvalidPath) {
		t.Fatalf("got %v, want ErrInvalidPath", err)
	}
	if len(engine.calls) != 0 || journal.started != 0 {
		t.Errorf("engine calls = %v, journal started = %d", engine.calls, journal.started)
	}
}

func TestRunBulkFailureIsFatalButRefreshes(t *testing.T) {
	var lines strings.Builder
	for i := 0; i < 6; i++ {
		lines.WriteString(`{"DOI":"10.1/` + string(rune('a'+i)) + `"}` + "\n")
	}
	path := writeFile(t, t.TempDir(), "works.json", []byte(lines.String()))
	engine := &fakeEngine{rejectAt: map[int]bool{1: true, 2: true}}
	journal := &fakeJournal{}

	summary, err := newPipeline(engine, path, 2, WithJournal(journal)).Run(context.Background(), lifecycle.ActionIndex)
	if !errors.Is(err, apperrors.ErrBulkFailure) {
		t.Fatalf("got %v, want ErrBulkFailure", err)
	}
	if engine.count("bulk") != 3 {
		t.Errorf("bulk calls = %d, want 3 (first batch, rejected second, its single retry)", engine.count("bulk"))
	}
	if engine.calls[len(engine.calls)-1] != "refresh" || engine.count("refresh") != 1 {
		t.Errorf("calls = %v, want exactly one trailing refresh", engine.calls)
	}
	if summary.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", summary.Indexed)
	}
	if run := journal.finished[0]; run.Status != postgres.RunFailed || run.Error == "" {
		t.Errorf("journal run = %+v", run)
	}
	if apperrors.ExitCode(err) != apperrors.ExitFailure {
		t.Errorf("exit code = %d", apperrors.ExitCode(err))
	}
}

func TestRunAbandonsCorruptShardAndContinues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0.json.gz", gz(t, "{\"DOI\":\"10.1/a\"},\n{\"DOI\":\"10.1/b\"}\n"))
	writeFile(t, dir, "1.json.gz", []byte("not gzip at all"))
	writeFile(t, dir, "D2.json", []byte("{\"DOI\":\"10.1/c\"}\n{\"DOI\":\"10.1/d\"}\n"))
	writeFile(t, dir, "notes.txt", []byte("ignored"))
	engine := &fakeEngine{}
	checkpoint := &fakeCheckpoint{}

	summary, err := newPipeline(engine, dir, 100, WithCheckpoint(checkpoint)).Run(context.Background(), lifecycle.ActionIndex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Indexed != 4 {
		t.Errorf("indexed = %d, want 4", summary.Indexed)
	}
	if len(summary.Sources) != 3 {
		t.Fatalf("sources = %+v", summary.Sources)
	}
	wantOutcomes := []string{OutcomeComplete, OutcomeAbandoned, OutcomeComplete}
	for i, want := range wantOutcomes {
		if summary.Sources[i].Outcome != want {
			t.Errorf("source %s outcome = %s, want %s", summary.Sources[i].Name, summary.Sources[i].Outcome, want)
		}
	}
	if _, ok := checkpoint.sources["1.json.gz"]; ok {
		t.Error("abandoned source was checkpointed")
	}
	if engine.count("refresh") != 1 {
		t.Errorf("refresh count = %d, want 1", engine.count("refresh"))
	}
}

func TestRunCancelledStillRefreshes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "works.json", []byte(`{"DOI":"10.1/x"}`+"\n"))
	engine := &fakeEngine{}
	p := newPipeline(engine, path, 10)

	ctx, cancel := context.WithCancel(context.Background())
	p.lifecycle = lifecycle.NewManager(&cancellingEngine{fakeEngine: engine, cancel: cancel}, "crossref", lifecycle.Schema{})
	_, err := p.Run(ctx, lifecycle.ActionIndex)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if engine.count("bulk") != 0 {
		t.Errorf("bulk calls after cancel = %d", engine.count("bulk"))
	}
	if engine.count("refresh") != 1 {
		t.Errorf("refresh count = %d, want 1", engine.count("refresh"))
	}
}

// cancellingEngine cancels the run as soon as the index is created.
type cancellingEngine struct {
	*fakeEngine
	cancel context.CancelFunc
}

func (c *cancellingEngine) CreateIndex(ctx context.Context, index string, body []byte) error {
	err := c.fakeEngine.CreateIndex(ctx, index, body)
	c.cancel()
	return err
}
