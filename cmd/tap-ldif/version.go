package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display detailed version information including build details and runtime information.`,
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "tap-ldif\n")
	fmt.Fprintf(w, "========\n\n")

	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", commit)
	fmt.Fprintf(w, "Build Date: %s\n", date)
	fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(w, "Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)

	fmt.Fprintf(w, "\nFeatures:\n")
	fmt.Fprintf(w, "  ✓ Line folding, base64 values and change records\n")
	fmt.Fprintf(w, "  ✓ Gzip and UTF-16 input\n")
	fmt.Fprintf(w, "  ✓ S3 input with local caching\n")
	fmt.Fprintf(w, "  ✓ Resumable bookmarks (JSON or pebble)\n")
	fmt.Fprintf(w, "  ✓ Prometheus textfile metrics\n")
}
