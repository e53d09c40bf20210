package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ParseLevel maps a level name to a slog level. An empty name means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New initializes a JSON logger on stderr, since stdout carries the message
// stream. When logPath is set the log is also appended to that file. Every
// line carries the run_id.
func New(level slog.Level, logPath string) (*slog.Logger, *os.File) {
	var logWriter io.Writer = os.Stderr
	var logFile *os.File

	handlerOpts := &slog.HandlerOptions{
		Level: level,
	}

	if logPath != "" {
		var err error
		if err = os.MkdirAll(filepath.Dir(logPath), 0755); err == nil {
			logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		}
		if err != nil {
			slog.Error("Failed to open log file, continuing with stderr only", "error", err, "path", logPath)
		} else {
			logWriter = io.MultiWriter(os.Stderr, logFile)
		}
	}

	logger := slog.New(slog.NewJSONHandler(logWriter, handlerOpts)).With("run_id", uuid.NewString())
	slog.SetDefault(logger)

	return logger, logFile
}
