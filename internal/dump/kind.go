// Package dump resolves a dump path into an ordered list of sources and
// splits each source into raw record chunks according to its container
// format.
package dump

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
)

// Kind is the container format of a dump. It is decided once per run.
type Kind int

const (
	KindUnknown Kind = iota
	KindSingleJSONArray
	KindJSONLines
	KindGzip
	KindXZ
	KindTar
	KindDirectory
)

var kindNames = map[Kind]string{
	KindSingleJSONArray: "single-json-array",
	KindJSONLines:       "json-lines",
	KindGzip:            "gzip-framed",
	KindXZ:              "xz-framed",
	KindTar:             "tar-of-shards",
	KindDirectory:       "directory-of-shards",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, apperrors.Newf(apperrors.ErrInvalidInput, apperrors.ExitUsage, "unknown container format %q", name)
}

// Override applies an operator-forced format to a resolved kind. Only a
// single .json file may be switched between line-delimited and array
// framing; an empty forced value keeps the resolved kind.
func Override(resolved Kind, forced string) (Kind, error) {
	if forced == "" {
		return resolved, nil
	}
	k, err := ParseKind(forced)
	if err != nil {
		return KindUnknown, err
	}
	if k == resolved {
		return k, nil
	}
	if resolved == KindJSONLines && k == KindSingleJSONArray {
		return k, nil
	}
	return KindUnknown, apperrors.Newf(apperrors.ErrInvalidInput, apperrors.ExitUsage,
		"format %s cannot be forced on a %s dump", k, resolved)
}

// Source is one file streamed by the splitter.
type Source struct {
	Path string
	Name string
}

func (s Source) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.Path)
}

// Chunk is the serialized text of one candidate record. The backing array is
// only valid until the yield callback returns.
type Chunk []byte
