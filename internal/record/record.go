// Package record turns one raw dump chunk into the document stored in the
// search index. Extraction is a pure function of the chunk bytes.
package record

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Record is the normalized, indexable form of one bibliographic entry. Fields
// tagged "-" steer the pipeline and are never part of the stored document.
type Record struct {
	ID                 string    `json:"-"`
	Title              []string  `json:"title,omitempty"`
	DOI                string    `json:"DOI,omitempty"`
	Author             string    `json:"author,omitempty"`
	FirstAuthor        string    `json:"first_author,omitempty"`
	FirstPage          string    `json:"first_page,omitempty"`
	Journal            string    `json:"journal,omitempty"`
	AbbreviatedJournal string    `json:"abbreviated_journal,omitempty"`
	Volume             string    `json:"volume,omitempty"`
	Issue              string    `json:"issue,omitempty"`
	Year               int       `json:"year,omitempty"`
	Bibliographic      string    `json:"bibliographic,omitempty"`
	RecordType         string    `json:"-"`
	IndexedAt          time.Time `json:"-"`
}

// Identity returns the key the record is stored under: the explicit internal
// identifier when present, otherwise the lower-cased DOI. An empty result
// means the record cannot be indexed.
func (r *Record) Identity() string {
	if r.ID != "" {
		return r.ID
	}
	return strings.ToLower(r.DOI)
}

// BuildBibliographic concatenates the citation fields of r in a fixed order,
// separated by single spaces and skipping empty values. Author falls back to
// FirstAuthor when no author list was resolved.
func BuildBibliographic(r *Record) string {
	parts := make([]string, 0, 8)
	switch {
	case r.Author != "":
		parts = append(parts, r.Author)
	case r.FirstAuthor != "":
		parts = append(parts, r.FirstAuthor)
	}
	if title := strings.Join(r.Title, " "); title != "" {
		parts = append(parts, title)
	}
	for _, v := range []string{r.Journal, r.AbbreviatedJournal, r.Volume, r.Issue, r.FirstPage} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	if r.Year != 0 {
		parts = append(parts, strconv.Itoa(r.Year))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func isPageBreak(r rune) bool {
	return r == ',' || r == '-' || unicode.IsSpace(r)
}

// normalizeSpace collapses newlines and runs of whitespace to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// firstPage returns the leading token of a page range such as "123-130",
// "45, 46" or "e12 e13".
func firstPage(page string) string {
	page = strings.TrimSpace(page)
	if i := strings.IndexFunc(page, isPageBreak); i >= 0 {
		page = page[:i]
	}
	return page
}
