package main

import (
	"github.com/spf13/cobra"

	"github.com/tracertea/ldiftap/internal/state"
	"github.com/tracertea/ldiftap/internal/tap"
)

func runTap(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	ctx, cancel := signalContext(logger)
	defer cancel()

	tp, err := newTap(ctx, rt.cfg, logger)
	if err != nil {
		return fail(logger, err)
	}

	out := tap.NewProtocolEmitter(cmd.OutOrStdout())
	defer out.Flush()

	if discover {
		catalog, err := tp.Discover(ctx)
		if err != nil {
			return fail(logger, err)
		}
		if err := out.WriteCatalog(catalog); err != nil {
			return fail(logger, err)
		}
		return nil
	}

	opts := tap.SyncOptions{}
	if statePath != "" {
		if opts.State, err = loadStateFile(statePath); err != nil {
			return fail(logger, err)
		}
	}
	if catalogPath != "" {
		if opts.Catalog, err = loadCatalogFile(catalogPath); err != nil {
			return fail(logger, err)
		}
	}
	if rt.cfg.StateStore != "" {
		store, err := state.Open(rt.cfg.StateStore, rt.cfg.StateBackend, logger)
		if err != nil {
			return fail(logger, tap.NewStateError("", err))
		}
		defer store.Close()
		opts.Store = store
	}

	logger.Info("tap-ldif starting.",
		"version", version,
		"batch_size", rt.cfg.BatchSize,
		"strict_parsing", rt.cfg.StrictParsing,
		"resume_bookmarks", opts.State.Len(),
	)

	summary, err := tp.Sync(ctx, out, opts)
	if rt.cfg.MetricsFile != "" {
		if merr := tp.Metrics().WriteTextfile(rt.cfg.MetricsFile); merr != nil {
			logger.Warn("Failed to write metrics file.", "path", rt.cfg.MetricsFile, "error", merr)
		}
	}
	if err != nil {
		return fail(logger, err)
	}

	errs := tp.Errors().Summary()
	if errs.TotalErrors > 0 {
		logger.Warn("Run finished with skipped input.", "errors", errs.String())
	}
	p50, p99, largest := tp.Metrics().EntrySizes()
	records, states := out.Counts()
	logger.Info("tap-ldif finished.",
		"records", records,
		"state_messages", states,
		"batches", summary.Batches,
		"entry_size_p50", p50,
		"entry_size_p99", p99,
		"entry_size_max", largest,
	)
	return nil
}
