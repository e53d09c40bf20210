package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tracertea/ldiftap/internal/tap"
)

var infoCmd = &cobra.Command{
	Use:   "info [file...]",
	Short: "Display information about LDIF files",
	Long: `Display information about LDIF input without emitting any messages.
For every source this reports the entry count, how many entries pass the
configured filters, malformed blocks and entry size percentiles.

Without file arguments the input selection from the config file is used.

Examples:
  tap-ldif info export.ldif
  tap-ldif info export1.ldif export2.ldif.gz
  tap-ldif info --config config.yaml`,
	RunE: runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd, len(args) == 0)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext(rt.logger)
	defer cancel()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "LDIF File Information\n")
	fmt.Fprintf(w, "=====================\n\n")

	var sources []tap.Source
	var inspectors []*tap.Tap
	if len(args) > 0 {
		for _, path := range args {
			cfg := *rt.cfg
			cfg.FilePath, cfg.DirectoryPath, cfg.FilePattern, cfg.S3Bucket = path, "", "", ""
			tp, err := newTap(ctx, &cfg, rt.logger)
			if err != nil {
				fmt.Fprintf(w, "%s\n  Error: %v\n\n", path, err)
				continue
			}
			resolved, err := tp.Resolve(ctx)
			if err != nil {
				fmt.Fprintf(w, "%s\n  Error: %v\n\n", path, err)
				continue
			}
			for _, src := range resolved {
				sources = append(sources, src)
				inspectors = append(inspectors, tp)
			}
		}
	} else {
		tp, err := newTap(ctx, rt.cfg, rt.logger)
		if err != nil {
			return fail(rt.logger, err)
		}
		resolved, err := tp.Resolve(ctx)
		if err != nil {
			return fail(rt.logger, err)
		}
		for _, src := range resolved {
			sources = append(sources, src)
			inspectors = append(inspectors, tp)
		}
	}

	var totalEntries, totalMatched int64
	successful := 0
	start := time.Now()
	for i, src := range sources {
		fmt.Fprintf(w, "File %d/%d: %s\n", i+1, len(sources), src.ID)

		info, err := inspectors[i].Inspect(ctx, src)
		if err != nil {
			fmt.Fprintf(w, "  Error: %v\n\n", err)
			continue
		}

		encoding := src.Encoding
		if src.Compressed {
			encoding += ", gzip"
		}
		fmt.Fprintf(w, "  Size:       %s (%s)\n", humanize.IBytes(uint64(src.Size)), encoding)
		fmt.Fprintf(w, "  Lines:      %s\n", humanize.Comma(int64(info.Lines)))
		fmt.Fprintf(w, "  Entries:    %s\n", humanize.Comma(info.Entries))
		fmt.Fprintf(w, "  Matched:    %s\n", humanize.Comma(info.Matched))
		if info.Malformed > 0 {
			fmt.Fprintf(w, "  Malformed:  %s\n", humanize.Comma(info.Malformed))
		}
		if info.Entries > 0 {
			fmt.Fprintf(w, "  Entry size: p50 %s, p99 %s, max %s\n",
				humanize.IBytes(uint64(info.SizeP50)),
				humanize.IBytes(uint64(info.SizeP99)),
				humanize.IBytes(uint64(info.SizeMax)))
		}
		fmt.Fprintln(w)

		totalEntries += info.Entries
		totalMatched += info.Matched
		successful++
	}

	if successful > 0 {
		fmt.Fprintf(w, "Summary\n")
		fmt.Fprintf(w, "=======\n")
		fmt.Fprintf(w, "Files inspected: %d/%d\n", successful, len(sources))
		fmt.Fprintf(w, "Total entries:   %s\n", humanize.Comma(totalEntries))
		fmt.Fprintf(w, "Total matched:   %s\n", humanize.Comma(totalMatched))
		if successful > 1 {
			fmt.Fprintf(w, "Average per file: %s\n", humanize.Comma(totalEntries/int64(successful)))
		}
		fmt.Fprintf(w, "Inspected in:    %s\n", time.Since(start).Round(time.Millisecond))
	}
	return nil
}
