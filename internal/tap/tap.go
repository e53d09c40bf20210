// Package tap extracts entries from LDIF files and streams them as SCHEMA,
// RECORD and STATE messages with per-source resume bookmarks.
package tap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Tap wires the engine components for one run.
type Tap struct {
	cfg      Config
	resolver SourceLister
	errs     *ErrorHandler
	filter   *Filter
	metrics  *Metrics
	logger   *slog.Logger
}

// New validates cfg and creates a tap reading from resolver.
func New(cfg Config, resolver SourceLister, logger *slog.Logger) (*Tap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	errs := NewErrorHandler(logger, cfg.MaxDecodeErrors)
	return &Tap{
		cfg:      cfg,
		resolver: resolver,
		errs:     errs,
		filter:   NewFilter(FilterConfigFrom(cfg), errs, logger),
		metrics:  NewMetrics(),
		logger:   logger,
	}, nil
}

// Errors returns the run's error handler.
func (t *Tap) Errors() *ErrorHandler { return t.errs }

// Metrics returns the run's metrics.
func (t *Tap) Metrics() *Metrics { return t.metrics }

func (t *Tap) decoderOptions() DecoderOptions {
	return DecoderOptions{
		Encoding: t.cfg.Encoding,
		Strict:   t.cfg.StrictParsing,
		Errors:   t.errs,
	}
}

// Discover samples the sources and returns the catalog.
func (t *Tap) Discover(ctx context.Context) (*Catalog, error) {
	sources, err := t.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := InferSchema(ctx, sources, t.decoderOptions(), t.filter, t.cfg.SampleSize, t.cfg.SampleSources)
	if err != nil {
		return nil, err
	}
	t.logger.Info("Discovery completed.", "sources", len(sources), "fields", len(schema.Fields()))
	return NewCatalog(schema), nil
}

// SyncOptions carry the inputs of a sync run beyond the configuration.
type SyncOptions struct {
	// Catalog, when set, supplies the schema and stream selection.
	Catalog *Catalog
	// State is the bookmark state handed in by the caller.
	State State
	// Store, when set, is merged into State at start and written at every checkpoint.
	Store BookmarkStore
}

// Sync streams every source to out, resuming from the supplied bookmarks.
func (t *Tap) Sync(ctx context.Context, out MessageWriter, opts SyncOptions) (*RunSummary, error) {
	initial := opts.State
	if opts.Store != nil {
		stored, err := opts.Store.Load(ctx)
		if err != nil {
			return nil, NewStateError("", fmt.Errorf("failed to load bookmarks: %w", err))
		}
		initial = initial.Merge(NewState(stored))
	}
	state := NewStateManager(initial)

	var schema *Schema
	if opts.Catalog != nil {
		stream, ok := opts.Catalog.Stream(StreamName)
		if !ok || !stream.Selected() {
			t.logger.Warn("Stream is not selected in the catalog, nothing to sync.", "stream", StreamName)
			if err := out.WriteState(state.Snapshot()); err != nil {
				return nil, err
			}
			return &RunSummary{}, nil
		}
		schema = stream.Schema
	}

	sources, err := t.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		// Malformed input is reported by the stream itself, so sampling skips it quietly.
		quiet := slog.New(slog.DiscardHandler)
		sampleOpts := DecoderOptions{Encoding: t.cfg.Encoding}
		filter := NewFilter(FilterConfigFrom(t.cfg), NewErrorHandler(quiet, 0), quiet)
		schema, err = InferSchema(ctx, sources, sampleOpts, filter, t.cfg.SampleSize, t.cfg.SampleSources)
		if err != nil {
			return nil, err
		}
	}

	streamer := NewStreamer(t.cfg, out, state, t.filter, t.errs, t.metrics, t.logger)
	if opts.Store != nil {
		streamer.WithStore(opts.Store)
	}
	summary, err := streamer.Run(ctx, sources, schema)
	t.metrics.RecordErrors(t.errs.Summary())
	if err == nil {
		t.logger.Info("Sync completed.", "summary", summary.String())
	}
	return summary, err
}

// SourceInfo summarizes one source without emitting anything.
type SourceInfo struct {
	Source    Source
	Entries   int64
	Matched   int64
	Malformed int64
	Lines     int
	SizeP50   int64
	SizeP99   int64
	SizeMax   int64
}

// Resolve returns the configured sources.
func (t *Tap) Resolve(ctx context.Context) ([]Source, error) {
	return t.resolver.Resolve(ctx)
}

// Inspect decodes src, counting entries, filter matches and entry sizes.
func (t *Tap) Inspect(ctx context.Context, src Source) (*SourceInfo, error) {
	opts := t.decoderOptions()
	opts.Strict = false
	opts.Errors = nil

	d, err := OpenDecoder(src, opts)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	sizes := hdrhistogram.New(1, maxTrackedEntrySize, 3)
	info := &SourceInfo{Source: src}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		info.Entries++
		_ = sizes.RecordValue(min(max(e.RawByteLength, 1), maxTrackedEntrySize))
		if _, ok := t.filter.Apply(e); ok {
			info.Matched++
		}
	}

	info.Malformed = d.Skipped()
	info.Lines = d.Line()
	if sizes.TotalCount() > 0 {
		info.SizeP50 = sizes.ValueAtQuantile(50)
		info.SizeP99 = sizes.ValueAtQuantile(99)
		info.SizeMax = sizes.Max()
	}
	return info, nil
}
