package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/elastic"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/metrics"
)

type scriptedClient struct {
	responses []*elastic.BulkResponse
	errs      []error
	bodies    [][]byte
}

func (c *scriptedClient) Bulk(_ context.Context, body []byte) (*elastic.BulkResponse, error) {
	i := len(c.bodies)
	c.bodies = append(c.bodies, append([]byte(nil), body...))
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return &elastic.BulkResponse{}, nil
}

func rejected() *elastic.BulkResponse {
	return &elastic.BulkResponse{
		Errors: true,
		Items: []map[string]elastic.BulkItem{
			{"index": {ID: "a", Status: 201}},
			{"index": {ID: "b", Status: 429, Error: &elastic.ErrorCause{Type: "es_rejected_execution_exception", Reason: "queue full"}}},
		},
	}
}

func sampleBatch() Batch {
	return Batch{
		{ID: "a", Doc: []byte(`{"DOI":"a"}`)},
		{ID: "b", Doc: []byte(`{"DOI":"b"}`)},
	}
}

func TestBatchEncode(t *testing.T) {
	body, err := sampleBatch().Encode("crossref")
	if err != nil {
		t.Fatal(err)
	}
	want := `{"index":{"_index":"crossref","_id":"a"}}` + "\n" + `{"DOI":"a"}` + "\n" +
		`{"index":{"_index":"crossref","_id":"b"}}` + "\n" + `{"DOI":"b"}` + "\n"
	if string(body) != want {
		t.Errorf("body =\n%s\nwant\n%s", body, want)
	}
}

func TestSubmitSuccess(t *testing.T) {
	client := &scriptedClient{}
	s := NewSubmitter(client, "crossref", time.Millisecond, time.Second, nil)
	before := time.Now()
	done, err := s.Submit(context.Background(), sampleBatch(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Before(before) {
		t.Errorf("completion time %v precedes submission", done)
	}
	if len(client.bodies) != 1 {
		t.Errorf("got %d requests, want 1", len(client.bodies))
	}
}

func TestSubmitRetriesRejectionOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	client := &scriptedClient{responses: []*elastic.BulkResponse{rejected(), {}}}
	s := NewSubmitter(client, "crossref", 5*time.Millisecond, time.Second, m)

	start := time.Now()
	if _, err := s.Submit(context.Background(), sampleBatch(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.bodies) != 2 {
		t.Fatalf("got %d requests, want 2", len(client.bodies))
	}
	if !bytes.Equal(client.bodies[0], client.bodies[1]) {
		t.Error("retry did not resend the identical batch")
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("retry happened after %v, want at least the backoff", elapsed)
	}
	if got := testutil.ToFloat64(m.BulkRetriesTotal); got != 1 {
		t.Errorf("retries metric = %v, want 1", got)
	}
}

func TestSubmitFailsAfterSecondRejection(t *testing.T) {
	client := &scriptedClient{responses: []*elastic.BulkResponse{rejected(), rejected(), {}}}
	s := NewSubmitter(client, "crossref", time.Millisecond, time.Second, nil)
	_, err := s.Submit(context.Background(), sampleBatch(), false)
	if !errors.Is(err, apperrors.ErrBulkFailure) {
		t.Fatalf("got %v, want ErrBulkFailure", err)
	}
	if len(client.bodies) != 2 {
		t.Errorf("got %d requests, want exactly 2", len(client.bodies))
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("error %q does not report the rejected count", err)
	}
}

func TestSubmitDoesNotRetryTransportErrors(t *testing.T) {
	transport := fmt.Errorf("%w: connection refused", apperrors.ErrTransport)
	client := &scriptedClient{errs: []error{transport}}
	s := NewSubmitter(client, "crossref", time.Millisecond, time.Second, nil)
	_, err := s.Submit(context.Background(), sampleBatch(), false)
	if !errors.Is(err, apperrors.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	if len(client.bodies) != 1 {
		t.Errorf("got %d requests, want 1", len(client.bodies))
	}
}

func TestSubmitBackoffHonoursCancellation(t *testing.T) {
	client := &scriptedClient{responses: []*elastic.BulkResponse{rejected(), {}}}
	s := NewSubmitter(client, "crossref", time.Hour, time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Submit(ctx, sampleBatch(), false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context deadline", err)
	}
	if len(client.bodies) != 1 {
		t.Errorf("got %d requests, want 1", len(client.bodies))
	}
}

type stalledClient struct{ calls int }

func (c *stalledClient) Bulk(ctx context.Context, _ []byte) (*elastic.BulkResponse, error) {
	c.calls++
	<-ctx.Done()
	return nil, fmt.Errorf("%w: bulk request: %v", apperrors.ErrTransport, ctx.Err())
}

func TestSubmitRequestTimeoutIsTransportError(t *testing.T) {
	client := &stalledClient{}
	s := NewSubmitter(client, "crossref", time.Millisecond, 10*time.Millisecond, nil)

	_, err := s.Submit(context.Background(), sampleBatch(), true)
	if !errors.Is(err, apperrors.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	if !strings.Contains(err.Error(), "bulk: no answer within 10ms") {
		t.Errorf("error %q does not name the operation and limit", err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}
