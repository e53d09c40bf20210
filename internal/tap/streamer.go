package tap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// batchesAhead bounds how many decoded batches a producer may hold before the
// sequencer catches up.
const batchesAhead = 2

// Streamer turns sources into batches and writes them with a state checkpoint
// after each one. Sources may be decoded concurrently, but output always
// follows resolver order and a batch never spans two sources.
type Streamer struct {
	cfg     Config
	out     MessageWriter
	state   *StateManager
	store   BookmarkStore
	filter  *Filter
	errs    *ErrorHandler
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewStreamer creates a streamer. metrics may be nil.
func NewStreamer(cfg Config, out MessageWriter, state *StateManager, filter *Filter, errs *ErrorHandler, metrics *Metrics, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Streamer{
		cfg:     cfg,
		out:     out,
		state:   state,
		filter:  filter,
		errs:    errs,
		metrics: metrics,
		logger:  logger.With("component", "streamer"),
		now:     time.Now,
	}
}

// WithStore persists every checkpoint to store as well as emitting it.
func (s *Streamer) WithStore(store BookmarkStore) *Streamer {
	s.store = store
	return s
}

// sourceEvent is sent from a producer to the sequencer.
type sourceEvent struct {
	batch *Batch
	err   error
	end   *sourceTotals
}

// sourceTotals describes an exhausted source.
type sourceTotals struct {
	ordinal int64
	decoded int64
	dropped int64
	resumed int64
	skipped int64
	bytes   int64
}

// Run streams sources in order. The schema is written before anything else and
// a final STATE is written when the run ends, successfully or not.
func (s *Streamer) Run(ctx context.Context, sources []Source, schema *Schema) (summary *RunSummary, err error) {
	summary = &RunSummary{StartTime: time.Now(), Sources: len(sources)}
	defer func() {
		summary.UpdateDuration()
		if s.errs != nil {
			summary.DecodeErrors = s.errs.Count(ErrorTypeDecode)
			summary.FilterErrors = s.errs.Count(ErrorTypeFilter)
		}
		if ferr := s.checkpoint(context.WithoutCancel(ctx), s.state.Snapshot()); ferr != nil {
			if err == nil {
				err = ferr
			} else {
				s.logger.Error("Failed to write final state.", "error", ferr)
			}
		}
	}()

	if err := s.out.WriteSchema(StreamName, schema, KeyProperties); err != nil {
		return summary, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	channels := make([]chan sourceEvent, len(sources))
	for i := range channels {
		channels[i] = make(chan sourceEvent, batchesAhead)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.SourceParallelism)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, src := range sources {
			g.Go(func() error {
				s.produce(runCtx, src, channels[i])
				return nil
			})
		}
	}()
	defer func() {
		cancel()
		<-launched
		_ = g.Wait()
	}()

	for i, src := range sources {
		if err := s.drain(ctx, src, channels[i], schema, summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// drain emits everything produced for src, in order.
func (s *Streamer) drain(ctx context.Context, src Source, events <-chan sourceEvent, schema *Schema, summary *RunSummary) error {
	for ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case ev.err != nil:
			return ev.err
		case ev.batch != nil:
			if err := s.emitBatch(ctx, ev.batch, schema, summary); err != nil {
				return err
			}
		case ev.end != nil:
			return s.finishSource(ctx, src, ev.end, summary)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("decoding of %s stopped before the end of the file", src.ID)
}

func (s *Streamer) emitBatch(ctx context.Context, b *Batch, schema *Schema, summary *RunSummary) error {
	start := time.Now()
	processedAt := s.now()
	for _, e := range b.Entries {
		if err := s.out.WriteRecord(StreamName, BuildRecord(e, schema, processedAt)); err != nil {
			return err
		}
	}

	state, _ := s.state.Advance(b.Source.ID, b.Offset)
	if err := s.checkpoint(ctx, state); err != nil {
		return err
	}

	s.metrics.ObserveBatch(b.Len(), time.Since(start))
	summary.RecordsEmitted += int64(b.Len())
	summary.Batches++
	s.logger.Debug("Batch emitted.", "source", b.Source.ID, "records", b.Len(), "offset", b.Offset)
	return nil
}

// finishSource moves the bookmark to the end of the exhausted source.
func (s *Streamer) finishSource(ctx context.Context, src Source, totals *sourceTotals, summary *RunSummary) error {
	summary.EntriesDecoded += totals.decoded
	summary.EntriesDropped += totals.dropped
	summary.EntriesSkipped += totals.resumed
	summary.BytesDecoded += totals.bytes

	if state, changed := s.state.Advance(src.ID, totals.ordinal); changed {
		if err := s.checkpoint(ctx, state); err != nil {
			return err
		}
	}

	s.logger.Info("Processed source.",
		"source", src.ID,
		"entries", totals.ordinal,
		"decoded", totals.decoded,
		"filtered_out", totals.dropped,
		"resumed_past", totals.resumed,
		"malformed", totals.skipped,
	)
	return nil
}

// checkpoint emits state and persists it to the store, if any.
func (s *Streamer) checkpoint(ctx context.Context, state State) error {
	if err := s.out.WriteState(state); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.Save(ctx, state.Map()); err != nil {
			return NewStateError("", fmt.Errorf("failed to persist bookmarks: %w", err))
		}
	}
	return nil
}

// produce decodes, filters and batches one source. It always closes out.
func (s *Streamer) produce(ctx context.Context, src Source, out chan<- sourceEvent) {
	defer close(out)

	send := func(ev sourceEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var skip int64
	if bm, ok := s.state.BookmarkFor(src.ID); ok {
		skip = bm.Offset
	}

	d, err := OpenDecoder(src, DecoderOptions{
		Encoding:    s.cfg.Encoding,
		Strict:      s.cfg.StrictParsing,
		Errors:      s.errs,
		SkipThrough: skip,
	})
	if err != nil {
		send(sourceEvent{err: NewDecodeError(src.ID, 0, err)})
		return
	}
	defer d.Close()

	totals := &sourceTotals{}
	batch := &Batch{Source: src}
	for {
		if ctx.Err() != nil {
			return
		}
		e, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(sourceEvent{err: err})
			return
		}

		totals.decoded++
		s.metrics.ObserveEntry(e.RawByteLength)

		kept, ok := s.filter.Apply(e)
		if !ok {
			totals.dropped++
			s.metrics.ObserveDropped()
			continue
		}

		batch.Entries = append(batch.Entries, kept)
		batch.Offset = kept.Ordinal
		if batch.Len() >= s.cfg.BatchSize {
			if !send(sourceEvent{batch: batch}) {
				return
			}
			batch = &Batch{Source: src}
		}
	}

	if batch.Len() > 0 {
		if !send(sourceEvent{batch: batch}) {
			return
		}
	}

	totals.ordinal = d.Ordinal()
	totals.resumed = d.Resumed()
	totals.skipped = d.Skipped()
	totals.bytes = d.Offset()
	send(sourceEvent{end: totals})
}
