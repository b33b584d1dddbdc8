package dump

import (
	"path"
	"strings"
)

// Compression is the stream encoding a rule strips before splitting.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionXZ
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionXZ:
		return "xz"
	default:
		return "none"
	}
}

// Record separators.
const (
	SeparatorLine         = "\n"
	SeparatorArrayElement = ",\n"
	SeparatorSnapshot     = "\n  }, {\n"
)

// ContainerRule decides how one file, or one archive entry, is framed. A
// rule applies when the dump kind is listed in Kinds, the base name ends with
// Suffix and, when Prefixes is set, starts with one of them.
type ContainerRule struct {
	Name        string
	Kinds       []Kind
	Suffix      string
	Prefixes    []string
	Compression Compression
	Separator   string
	// Rewrap restores the braces the separator consumed.
	Rewrap bool
}

// Matches reports whether the rule applies to a file called name inside a
// dump of the given kind.
func (r ContainerRule) Matches(kind Kind, name string) bool {
	if !r.hasKind(kind) {
		return false
	}
	base := path.Base(name)
	if r.Suffix != "" && !strings.HasSuffix(strings.ToLower(base), r.Suffix) {
		return false
	}
	if len(r.Prefixes) == 0 {
		return true
	}
	for _, p := range r.Prefixes {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

func (r ContainerRule) hasKind(kind Kind) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultRules returns the rule set for the known dump layouts. Shards whose
// name starts with one of incrementalPrefixes are incremental update files
// holding one record per line; other shards hold the elements of one JSON
// array. The first matching rule wins.
func DefaultRules(incrementalPrefixes []string) []ContainerRule {
	rules := []ContainerRule{
		{
			Name:        "snapshot-gz-entry",
			Kinds:       []Kind{KindTar},
			Suffix:      ".gz",
			Compression: CompressionGzip,
			Separator:   SeparatorSnapshot,
			Rewrap:      true,
		},
		{
			Name:      "snapshot-entry",
			Kinds:     []Kind{KindTar},
			Separator: SeparatorSnapshot,
			Rewrap:    true,
		},
		{
			Name:        "xz-lines",
			Kinds:       []Kind{KindXZ},
			Compression: CompressionXZ,
			Separator:   SeparatorLine,
		},
		{
			Name:      "json-lines",
			Kinds:     []Kind{KindJSONLines},
			Separator: SeparatorLine,
		},
		{
			Name:      "json-array",
			Kinds:     []Kind{KindSingleJSONArray},
			Separator: SeparatorArrayElement,
		},
	}
	if len(incrementalPrefixes) > 0 {
		rules = append(rules, ContainerRule{
			Name:        "incremental-gz",
			Kinds:       []Kind{KindGzip, KindDirectory},
			Suffix:      ".gz",
			Prefixes:    incrementalPrefixes,
			Compression: CompressionGzip,
			Separator:   SeparatorLine,
		})
	}
	rules = append(rules, ContainerRule{
		Name:        "array-gz",
		Kinds:       []Kind{KindGzip, KindDirectory},
		Suffix:      ".gz",
		Compression: CompressionGzip,
		Separator:   SeparatorArrayElement,
	})
	if len(incrementalPrefixes) > 0 {
		rules = append(rules, ContainerRule{
			Name:      "incremental-json",
			Kinds:     []Kind{KindDirectory},
			Suffix:    ".json",
			Prefixes:  incrementalPrefixes,
			Separator: SeparatorLine,
		})
	}
	rules = append(rules, ContainerRule{
		Name:      "array-json",
		Kinds:     []Kind{KindDirectory},
		Suffix:    ".json",
		Separator: SeparatorArrayElement,
	})
	return rules
}

// Select returns the first rule in rules matching kind and name.
func Select(rules []ContainerRule, kind Kind, name string) (ContainerRule, bool) {
	for _, r := range rules {
		if r.Matches(kind, name) {
			return r, true
		}
	}
	return ContainerRule{}, false
}
