package dump

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
)

const (
	initialBufSize = 64 << 10
	// DefaultMaxChunk bounds the size of a single record chunk.
	DefaultMaxChunk = 64 << 20
)

// Splitter streams a source and yields one chunk per candidate record. Chunks
// are produced only as fast as yield returns.
type Splitter struct {
	rules    []ContainerRule
	maxChunk int
	logger   *slog.Logger
}

// NewSplitter creates a Splitter over rules. A non-positive maxChunk uses
// DefaultMaxChunk.
func NewSplitter(rules []ContainerRule, maxChunk int) *Splitter {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	return &Splitter{
		rules:    rules,
		maxChunk: maxChunk,
		logger:   slog.Default().With("component", "splitter"),
	}
}

// Split reads src as a dump of the given kind and calls yield for every
// chunk. Read and decompression failures wrap errors.ErrSplitterIO; an error
// returned by yield stops the split and is returned unchanged.
func (s *Splitter) Split(ctx context.Context, src Source, kind Kind, yield func(Chunk) error) error {
	f, err := os.Open(src.Path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", apperrors.ErrSplitterIO, src.Path, err)
	}
	defer f.Close()

	if kind == KindTar {
		return s.splitArchive(ctx, f, src, yield)
	}
	rule, ok := Select(s.rules, kind, src.Name)
	if !ok {
		return fmt.Errorf("%w: no framing rule for %s in %s dump", apperrors.ErrSplitterIO, src.Name, kind)
	}
	s.logger.Debug("splitting source", "source", src.Name, "rule", rule.Name, "compression", rule.Compression)
	return s.splitStream(ctx, f, src.Name, rule, yield)
}

func (s *Splitter) splitArchive(ctx context.Context, r io.Reader, src Source, yield func(Chunk) error) error {
	gz, err := gzip.NewReader(bufio.NewReaderSize(r, initialBufSize))
	if err != nil {
		return fmt.Errorf("%w: opening archive %s: %v", apperrors.ErrSplitterIO, src.Name, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading archive %s: %v", apperrors.ErrSplitterIO, src.Name, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rule, ok := Select(s.rules, KindTar, hdr.Name)
		if !ok {
			s.logger.Warn("skipping archive entry without framing rule", "source", src.Name, "entry", hdr.Name)
			continue
		}
		entries++
		s.logger.Debug("splitting archive entry", "source", src.Name, "entry", hdr.Name, "rule", rule.Name)
		if err := s.splitStream(ctx, tr, hdr.Name, rule, yield); err != nil {
			return err
		}
	}
	s.logger.Info("archive exhausted", "source", src.Name, "entries", entries)
	return nil
}

func (s *Splitter) splitStream(ctx context.Context, r io.Reader, name string, rule ContainerRule, yield func(Chunk) error) error {
	body, closeBody, err := decompress(r, rule.Compression)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrSplitterIO, name, err)
	}
	defer closeBody()

	sc := bufio.NewScanner(body)
	// Scanner never enforces a limit below its initial buffer capacity.
	sc.Buffer(make([]byte, 0, min(initialBufSize, s.maxChunk)), s.maxChunk)
	sc.Split(splitOn([]byte(rule.Separator)))
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		token := sc.Bytes()
		if len(bytes.TrimSpace(token)) == 0 {
			continue
		}
		if rule.Rewrap {
			token = rewrap(token)
		}
		if err := yield(Chunk(token)); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: %s: chunk exceeds %d bytes", apperrors.ErrSplitterIO, name, s.maxChunk)
		}
		return fmt.Errorf("%w: %s: %v", apperrors.ErrSplitterIO, name, err)
	}
	return nil
}

func decompress(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case CompressionXZ:
		xr, err := xz.NewReader(bufio.NewReaderSize(r, initialBufSize))
		if err != nil {
			return nil, nil, fmt.Errorf("xz: %w", err)
		}
		return xr, func() {}, nil
	default:
		return r, func() {}, nil
	}
}

// splitOn returns a bufio.SplitFunc cutting the stream at every occurrence
// of sep. The separator is not part of the token.
func splitOn(sep []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// rewrap restores the enclosing braces a snapshot separator strips from the
// neighbouring elements.
func rewrap(token []byte) []byte {
	trimmed := bytes.TrimSpace(token)
	out := make([]byte, 0, len(trimmed)+2)
	if trimmed[0] != '{' && trimmed[0] != '[' {
		out = append(out, '{')
	}
	out = append(out, trimmed...)
	for depth := openBraces(out); depth > 0; depth-- {
		out = append(out, '}')
	}
	return out
}

// openBraces counts braces left open outside string literals.
func openBraces(text []byte) int {
	depth := 0
	inString, escaped := false, false
	for _, c := range text {
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
		}
	}
	return depth
}
