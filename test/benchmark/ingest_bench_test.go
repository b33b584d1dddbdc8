// Package benchmark contains Go benchmarks for the hot path of an ingestion
// run: splitting dump containers into chunks, extracting records from them,
// and encoding bulk bodies.
package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/bulk"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/dump"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/record"
)

func sampleRecord(i int) string {
	return fmt.Sprintf(`{"DOI":"10.1000/bench.%d","title":["Benchmark title %d"],`+
		`"author":[{"given":"Ada","family":"Lovelace"},{"given":"Charles","family":"Babbage"}],`+
		`"container-title":["Journal of Benchmarks"],"short-container-title":["J. Bench."],`+
		`"volume":"12","issue":"3","page":"100-110","type":"journal-article",`+
		`"issued":{"date-parts":[[2019,5,1]]},"indexed":{"date-time":"2023-01-01T00:00:00Z"}}`, i, i)
}

// BenchmarkExtract measures record extraction from a well-formed chunk.
func BenchmarkExtract(b *testing.B) {
	chunk := []byte(sampleRecord(1))
	b.ReportAllocs()
	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := record.Extract(chunk); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExtractRepair measures extraction from an array element that
// needs its separator and trailing brackets repaired.
func BenchmarkExtractRepair(b *testing.B) {
	chunk := []byte(`{"items":[` + sampleRecord(1) + `]},`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := record.Extract(chunk); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSplitGzipArray measures splitting a gzip-compressed array shard
// of 10 000 records.
func BenchmarkSplitGzipArray(b *testing.B) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for i := 0; i < 10000; i++ {
		if i > 0 {
			zw.Write([]byte(dump.SeparatorArrayElement))
		}
		zw.Write([]byte(sampleRecord(i)))
	}
	zw.Close()

	path := filepath.Join(b.TempDir(), "dump.json.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		b.Fatal(err)
	}
	splitter := dump.NewSplitter(dump.DefaultRules(nil), 0)
	src := dump.Source{Path: path, Name: "dump.json.gz"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n := 0
		err := splitter.Split(context.Background(), src, dump.KindGzip, func(dump.Chunk) error {
			n++
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
		if n != 10000 {
			b.Fatalf("chunks = %d, want 10000", n)
		}
	}
}

// BenchmarkEncodeBatch measures NDJSON encoding of a 1000-document batch.
func BenchmarkEncodeBatch(b *testing.B) {
	batch := make(bulk.Batch, 0, 1000)
	for i := 0; i < 1000; i++ {
		rec, err := record.Extract([]byte(sampleRecord(i)))
		if err != nil {
			b.Fatal(err)
		}
		doc, err := json.Marshal(rec)
		if err != nil {
			b.Fatal(err)
		}
		batch = append(batch, bulk.Item{ID: rec.Identity(), Doc: doc})
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := batch.Encode("crossref"); err != nil {
			b.Fatal(err)
		}
	}
}
