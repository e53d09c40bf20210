package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

var (
	configPath  string
	statePath   string
	catalogPath string
	discover    bool
	logLevel    string
	logFilePath string
)

var rootCmd = &cobra.Command{
	Use:   "tap-ldif",
	Short: "LDIF extraction and streaming tap",
	Long: `tap-ldif reads LDAP directory exports in LDIF format and writes them to stdout as
a stream of SCHEMA, RECORD and STATE messages. Runs can be resumed from the last
STATE message, so large exports can be processed incrementally.

Features:
  - Local files, directories with glob patterns, or objects in an S3 bucket
  - Gzip-compressed and UTF-16 input detected automatically
  - Base DN, objectClass and attribute filtering
  - Schema discovery by sampling
  - Strict or lenient parsing with an error threshold
  - Per-source bookmarks, optionally persisted to a JSON file or pebble database

Examples:
  tap-ldif --config config.yaml --discover > catalog.json
  tap-ldif --config config.yaml --catalog catalog.json
  tap-ldif --config config.yaml --state state.json
  tap-ldif info --config config.yaml
  tap-ldif version`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTap,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the JSON or YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides log_level)")
	rootCmd.PersistentFlags().StringVar(&logFilePath, "log-file", "", "Also append logs to this file (overrides log_file)")

	rootCmd.Flags().StringVarP(&statePath, "state", "s", "", "Path to a state file written by a previous run")
	rootCmd.Flags().StringVar(&catalogPath, "catalog", "", "Path to a catalog produced by --discover")
	rootCmd.Flags().BoolVarP(&discover, "discover", "d", false, "Sample the input and print the catalog instead of syncing")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !alreadyReported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
