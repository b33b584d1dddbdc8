package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
)

var (
	// ErrEmptyChunk is returned for whitespace-only chunks.
	ErrEmptyChunk = errors.New("empty chunk")
	// ErrComponent is returned for records describing a part of a publication.
	ErrComponent = errors.New("component record")
)

const componentType = "component"

// itemsOpener matches the wrapper left at the head of the first element of an
// {"items": [...]} dump.
var itemsOpener = regexp.MustCompile(`^\{\s*"items"\s*:\s*\[\s*`)

// Extract parses one chunk into a Record. It returns ErrEmptyChunk,
// ErrComponent or an error wrapping errors.ErrMalformedRecord when the chunk
// yields no document.
func Extract(chunk []byte) (Record, error) {
	text := bytes.TrimSpace(chunk)
	if len(text) == 0 {
		return Record{}, ErrEmptyChunk
	}
	text = repair(text)

	var raw rawRecord
	if err := json.Unmarshal(text, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if string(raw.Type) == componentType {
		return Record{}, ErrComponent
	}
	return raw.normalize(), nil
}

// repair strips array framing left behind by separator splitting so the
// chunk holds exactly one JSON object.
func repair(text []byte) []byte {
	text = itemsOpener.ReplaceAll(text, nil)
	text = bytes.TrimSpace(text)
	text = bytes.TrimSuffix(text, []byte(","))
	text = bytes.TrimSpace(text)
	if len(text) > 0 && text[0] == '[' {
		text = bytes.TrimSpace(text[1:])
	}

	braces, brackets := balance(text)
	for len(text) > 0 {
		last := text[len(text)-1]
		if last == '}' && braces < 0 {
			braces++
		} else if last == ']' && brackets < 0 {
			brackets++
		} else if last != ',' {
			break
		}
		text = bytes.TrimSpace(text[:len(text)-1])
	}

	if len(text) > 0 && text[0] != '{' {
		text = append([]byte{'{'}, text...)
		braces++
	}
	for ; braces > 0; braces-- {
		text = append(text, '}')
	}
	return text
}

// balance returns open-minus-close counts of braces and brackets outside
// string literals.
func balance(text []byte) (braces, brackets int) {
	inString, escaped := false, false
	for _, c := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			braces++
		case '}':
			braces--
		case '[':
			brackets++
		case ']':
			brackets--
		}
	}
	return braces, brackets
}

type rawRecord struct {
	ID                  rawID       `json:"_id"`
	DOI                 flexString  `json:"DOI"`
	Title               flexStrings `json:"title"`
	Author              []rawAuthor `json:"author"`
	Page                flexString  `json:"page"`
	ContainerTitle      flexStrings `json:"container-title"`
	ShortContainerTitle flexStrings `json:"short-container-title"`
	Volume              flexString  `json:"volume"`
	Issue               flexString  `json:"issue"`
	Issued              *rawDate    `json:"issued"`
	PublishedOnline     *rawDate    `json:"published-online"`
	PublishedPrint      *rawDate    `json:"published-print"`
	Created             *rawDate    `json:"created"`
	Indexed             *rawDate    `json:"indexed"`
	Type                flexString  `json:"type"`
}

type rawAuthor struct {
	Family   flexString `json:"family"`
	Sequence flexString `json:"sequence"`
}

type rawDate struct {
	DateParts [][]any    `json:"date-parts"`
	DateTime  flexString `json:"date-time"`
}

func (r *rawRecord) normalize() Record {
	rec := Record{
		ID:                 string(r.ID),
		DOI:                strings.TrimSpace(string(r.DOI)),
		Journal:            r.ContainerTitle.joined(),
		AbbreviatedJournal: r.ShortContainerTitle.joined(),
		Volume:             strings.TrimSpace(string(r.Volume)),
		Issue:              strings.TrimSpace(string(r.Issue)),
		FirstPage:          firstPage(string(r.Page)),
		RecordType:         string(r.Type),
	}
	for _, t := range r.Title {
		if t = normalizeSpace(t); t != "" {
			rec.Title = append(rec.Title, t)
		}
	}
	rec.Author, rec.FirstAuthor = resolveAuthors(r.Author)
	rec.Year = resolveYear(r.Issued, r.PublishedOnline, r.PublishedPrint, r.Created)
	if r.Indexed != nil && r.Indexed.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, string(r.Indexed.DateTime)); err == nil {
			rec.IndexedAt = t.UTC()
		}
	}
	rec.Bibliographic = BuildBibliographic(&rec)
	return rec
}

// resolveAuthors returns the space-joined family names and the first author:
// the one flagged sequence=first, else the first listed author.
func resolveAuthors(authors []rawAuthor) (all, first string) {
	families := make([]string, 0, len(authors))
	for _, a := range authors {
		family := strings.TrimSpace(string(a.Family))
		if family == "" {
			continue
		}
		if first == "" && a.Sequence == "first" {
			first = family
		}
		families = append(families, family)
	}
	if first == "" && len(authors) > 0 {
		first = strings.TrimSpace(string(authors[0].Family))
	}
	return strings.TrimSpace(strings.Join(families, " ")), first
}

// resolveYear returns the first year found in dates, in argument order.
func resolveYear(dates ...*rawDate) int {
	for _, d := range dates {
		if y := d.year(); y != 0 {
			return y
		}
	}
	return 0
}

func (d *rawDate) year() int {
	if d == nil || len(d.DateParts) == 0 || len(d.DateParts[0]) == 0 {
		return 0
	}
	switch v := d.DateParts[0][0].(type) {
	case float64:
		return int(v)
	case string:
		y, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return y
	default:
		return 0
	}
}

// rawID accepts either a plain string or a {"$oid": "..."} object. Any other
// shape leaves the id empty so identity falls back to the DOI.
type rawID string

func (id *rawID) UnmarshalJSON(data []byte) error {
	*id = ""
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = rawID(s)
		return nil
	}
	var oid struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(data, &oid); err == nil {
		*id = rawID(oid.OID)
	}
	return nil
}

// flexString accepts a string, a number or an array, keeping the first
// non-empty element of an array. Objects decode to the empty string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var list flexStrings
	if err := list.UnmarshalJSON(data); err != nil {
		return err
	}
	*f = flexString(list.first())
	return nil
}

// flexStrings accepts a string, a number or an array of either. Values of
// any other shape are dropped rather than failing the record.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = nil
		return nil
	}
	if data[0] != '[' {
		s, err := scalar(data)
		if err != nil {
			return err
		}
		*f = flexStrings{s}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make(flexStrings, 0, len(items))
	for _, item := range items {
		s, err := scalar(item)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	*f = out
	return nil
}

// joined returns the non-empty elements separated by single spaces.
func (f flexStrings) joined() string {
	parts := make([]string, 0, len(f))
	for _, s := range f {
		if s = normalizeSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (f flexStrings) first() string {
	for _, s := range f {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func scalar(data []byte) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", nil
	}
}
