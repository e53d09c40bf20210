package tap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
)

// Resolver turns the configured input selection into an ordered list of sources.
type Resolver struct {
	cfg    Config
	s3     *S3Source
	logger *slog.Logger
}

// NewResolver creates a resolver for cfg. s3 is required only for the S3 input mode.
func NewResolver(cfg Config, s3 *S3Source, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		s3:     s3,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve returns the sources sorted by path. It fails with a configuration
// error when nothing matches or a file exceeds the size limit.
func (r *Resolver) Resolve(ctx context.Context) ([]Source, error) {
	var paths []string
	var err error

	switch r.cfg.Mode() {
	case InputFile:
		paths, err = r.resolveFile(r.cfg.FilePath)
	case InputDirectory:
		paths, err = r.resolveDirectory(r.cfg.DirectoryPath, r.cfg.FilePattern)
	case InputPattern:
		paths, err = r.resolvePattern(r.cfg.FilePattern)
	case InputS3:
		if r.s3 == nil {
			return nil, NewConfigurationError("s3_bucket is set but no S3 client is configured")
		}
		return r.s3.Resolve(ctx)
	default:
		return nil, NewConfigurationError("no input selection configured")
	}
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, NewConfigurationError("no files matched the input selection")
	}

	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		src, err := r.inspect(p)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Path < sources[j].Path })

	r.logger.Info("Resolved input sources.", "count", len(sources))
	return sources, nil
}

func (r *Resolver) resolveFile(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigurationError(fmt.Sprintf("file does not exist: %s", path))
		}
		return nil, NewConfigurationError(fmt.Sprintf("cannot access file %s: %v", path, err))
	}
	if info.IsDir() {
		return nil, NewConfigurationError(fmt.Sprintf("path is a directory, not a file: %s", path))
	}
	return []string{path}, nil
}

func (r *Resolver) resolveDirectory(dir, pattern string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigurationError(fmt.Sprintf("directory does not exist: %s", dir))
		}
		return nil, NewConfigurationError(fmt.Sprintf("cannot access directory %s: %v", dir, err))
	}
	if !info.IsDir() {
		return nil, NewConfigurationError(fmt.Sprintf("path is not a directory: %s", dir))
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, NewConfigurationError(fmt.Sprintf("invalid file_pattern: %s", pattern))
	}

	r.logger.Debug("Scanning directory.", "path", dir, "pattern", pattern)
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("error scanning directory %s: %v", dir, err))
	}
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = filepath.Join(dir, filepath.FromSlash(m))
	}
	return paths, nil
}

func (r *Resolver) resolvePattern(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
		return nil, NewConfigurationError(fmt.Sprintf("invalid file_pattern: %s", pattern))
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("error matching %s: %v", pattern, err))
	}
	return matches, nil
}

// inspect stats path, enforces the size limit and sniffs compression and encoding.
func (r *Resolver) inspect(path string) (Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Source{}, NewConfigurationError(fmt.Sprintf("cannot resolve path %s: %v", path, err))
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Source{}, NewConfigurationError(fmt.Sprintf("cannot access file %s: %v", abs, err))
	}
	if err := checkSize(abs, info.Size(), r.cfg.MaxFileSizeBytes()); err != nil {
		return Source{}, err
	}

	compressed, enc, err := inspectFile(abs, r.cfg.Encoding)
	if err != nil {
		return Source{}, NewConfigurationError(fmt.Sprintf("cannot read file %s: %v", abs, err))
	}
	return Source{
		ID:         abs,
		Path:       abs,
		Encoding:   enc,
		Size:       info.Size(),
		Compressed: compressed,
	}, nil
}

func checkSize(name string, size, limit int64) error {
	if limit > 0 && size > limit {
		return NewConfigurationError(fmt.Sprintf("file %s is %s, larger than the %s limit",
			name, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit))))
	}
	return nil
}
