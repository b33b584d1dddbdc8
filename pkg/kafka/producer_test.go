package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/resilience"
)

type recordingWriter struct {
	msgs  []kafka.Message
	err   error
	calls int
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestEmitKeysByIndex(t *testing.T) {
	w := &recordingWriter{}
	p := newProducer(w, "ingest-events")

	err := p.Emit(context.Background(), IngestEvent{
		Type:    EventSourceCompleted,
		Index:   "crossref",
		Source:  "0.json.gz",
		Records: 5000,
		Outcome: "completed",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "crossref" {
		t.Errorf("key = %q", msg.Key)
	}
	var ev IngestEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("decoding value: %v", err)
	}
	if ev.Source != "0.json.gz" || ev.Records != 5000 || ev.Timestamp.IsZero() {
		t.Errorf("event = %+v", ev)
	}
}

func TestEmitStopsAfterRepeatedFailures(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker unreachable")}
	p := newProducer(w, "ingest-events")

	for i := 0; i < 5; i++ {
		if err := p.Emit(context.Background(), IngestEvent{Type: EventRunCompleted, Index: "crossref"}); err == nil {
			t.Fatal("expected an error")
		}
	}
	if w.calls != 3 {
		t.Errorf("writer calls = %d, want 3", w.calls)
	}
	err := p.Emit(context.Background(), IngestEvent{Type: EventRunCompleted, Index: "crossref"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
}
