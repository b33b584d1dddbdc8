package dump

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
)

// Resolver inspects a dump path and enumerates its sources.
type Resolver struct {
	logger *slog.Logger
}

func NewResolver() *Resolver {
	return &Resolver{
		logger: slog.Default().With("component", "resolver"),
	}
}

// Resolve decides the container kind of path and lists the sources to
// stream, in processing order. Directory entries are taken in lexical order;
// entries that are not .json or .json.gz shards are skipped with a warning.
func (r *Resolver) Resolve(path string) (Kind, []Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return KindUnknown, nil, apperrors.Newf(apperrors.ErrInvalidPath, apperrors.ExitUsage, "%s: %v", path, err)
	}

	switch {
	case info.IsDir():
		sources, err := r.listShards(path)
		if err != nil {
			return KindUnknown, nil, err
		}
		r.logger.Info("dump resolved", "path", path, "kind", KindDirectory, "sources", len(sources))
		return KindDirectory, sources, nil
	case info.Mode().IsRegular():
		kind := kindBySuffix(info.Name())
		if kind == KindUnknown {
			return KindUnknown, nil, apperrors.Newf(apperrors.ErrUnrecognizedFormat, apperrors.ExitUsage, "%s: unsupported file extension", path)
		}
		r.logger.Info("dump resolved", "path", path, "kind", kind)
		return kind, []Source{{Path: path, Name: info.Name()}}, nil
	default:
		return KindUnknown, nil, apperrors.Newf(apperrors.ErrInvalidPath, apperrors.ExitUsage, "%s is neither a regular file nor a directory", path)
	}
}

func (r *Resolver) listShards(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidPath, apperrors.ExitUsage, "listing %s: %v", dir, err)
	}
	sources := make([]Source, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isShard(name) {
			r.logger.Warn("skipping unrecognized directory entry", "dir", dir, "entry", name)
			continue
		}
		sources = append(sources, Source{Path: filepath.Join(dir, name), Name: name})
	}
	return sources, nil
}

func isShard(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".json.gz")
}

func kindBySuffix(name string) Kind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return KindTar
	case strings.HasSuffix(lower, ".gz"):
		return KindGzip
	case strings.HasSuffix(lower, ".xz"):
		return KindXZ
	case strings.HasSuffix(lower, ".json"):
		return KindJSONLines
	default:
		return KindUnknown
	}
}
