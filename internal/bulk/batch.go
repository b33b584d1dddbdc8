// Package bulk accumulates normalized records into fixed-size batches and
// submits them to the search engine one at a time.
package bulk

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Item is one document keyed by its identity.
type Item struct {
	ID  string
	Doc json.RawMessage
}

// Batch is an ordered run of items submitted in a single bulk request.
type Batch []Item

type actionMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type action struct {
	Index actionMeta `json:"index"`
}

// Encode renders the batch as an NDJSON bulk body: one index action line
// followed by the document line, for every item in order.
func (b Batch) Encode(index string) ([]byte, error) {
	var buf bytes.Buffer
	for _, it := range b {
		header, err := json.Marshal(action{Index: actionMeta{Index: index, ID: it.ID}})
		if err != nil {
			return nil, fmt.Errorf("encoding action for %s: %w", it.ID, err)
		}
		buf.Write(header)
		buf.WriteByte('\n')
		if err := json.Compact(&buf, it.Doc); err != nil {
			return nil, fmt.Errorf("encoding document %s: %w", it.ID, err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
