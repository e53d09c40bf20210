package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracertea/ldiftap/internal/config"
	"github.com/tracertea/ldiftap/internal/logging"
	"github.com/tracertea/ldiftap/internal/tap"
)

// session is what every command needs before it can do work.
type session struct {
	cfg     *config.File
	logger  *slog.Logger
	logFile *os.File
}

func (rt *session) close() {
	if rt.logFile != nil {
		rt.logFile.Close()
	}
}

// setup loads the configuration and initializes the logger. Flags given on
// the command line override the config file. The configuration is validated
// only when validate is set.
func setup(cmd *cobra.Command, validate bool) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.LogFile = logFilePath
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, tap.NewConfigurationError(err.Error())
	}
	logger, logFile := logging.New(level, cfg.LogFile)
	rt := &session{cfg: cfg, logger: logger, logFile: logFile}

	if !validate {
		return rt, nil
	}
	if err := cfg.Validate(); err != nil {
		rt.close()
		return nil, fail(logger, err)
	}
	return rt, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-shutdownChan:
			logger.Warn("Shutdown signal received, stopping after the current batch.", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(shutdownChan)
		cancel()
	}
}

// newTap builds the resolver for the configured input mode and the tap around it.
func newTap(ctx context.Context, cfg *config.File, logger *slog.Logger) (*tap.Tap, error) {
	tc := cfg.ToTapConfig()

	var s3Source *tap.S3Source
	if tc.Mode() == tap.InputS3 {
		api, err := tap.NewS3API(ctx, tc.S3Region)
		if err != nil {
			return nil, tap.NewConfigurationError(err.Error())
		}
		s3Source = tap.NewS3Source(api, tc, logger)
	}

	return tap.New(tc, tap.NewResolver(tc, s3Source, logger), logger)
}

// reportedError marks an error whose terminal log line has been written.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// alreadyReported reports whether fail has logged err.
func alreadyReported(err error) bool {
	var reported *reportedError
	return errors.As(err, &reported)
}

// fail writes the terminal log line for err and returns it marked as reported.
func fail(logger *slog.Logger, err error) error {
	if alreadyReported(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn("Run interrupted, resume from the last emitted state.")
		return &reportedError{err: err}
	}

	attrs := []any{"error", err}
	var pe *tap.ProcessingError
	if errors.As(err, &pe) {
		attrs = append(attrs, "type", pe.Type.String())
		if pe.File != "" {
			attrs = append(attrs, "file", pe.File)
		}
		if pe.Line > 0 {
			attrs = append(attrs, "line", pe.Line)
		}
	}
	logger.Error("Run failed.", attrs...)
	return &reportedError{err: err}
}

func loadStateFile(path string) (tap.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return tap.State{}, tap.NewStateError("", fmt.Errorf("cannot open state file %s: %w", path, err))
	}
	defer f.Close()
	return tap.LoadState(f)
}

func loadCatalogFile(path string) (*tap.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tap.NewConfigurationError(fmt.Sprintf("cannot read catalog file %s: %v", path, err))
	}
	return tap.ParseCatalog(data)
}
