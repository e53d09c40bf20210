package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	jsoniter "github.com/json-iterator/go"
)

const (
	stateFileName = "bookmarks.json"
	lockFileName  = ".lock"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrCorrupt is returned when persisted bookmarks cannot be decoded.
var ErrCorrupt = errors.New("bookmark store is corrupt")

// Store persists per-source bookmark offsets.
type Store interface {
	Load(ctx context.Context) (map[string]int64, error)
	Save(ctx context.Context, bookmarks map[string]int64) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendPebble = "pebble"
)

// Open creates the store for backend inside dir.
func Open(dir, backend string, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendJSON:
		return NewFileStore(dir, logger)
	case BackendPebble:
		return NewPebbleStore(dir, nil, logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q (want %s or %s)", backend, BackendJSON, BackendPebble)
	}
}

// FileStore keeps bookmarks in a JSON file guarded by a lock file, so two
// runs cannot share a state directory.
type FileStore struct {
	lock      *flock.Flock
	statePath string
	logger    *slog.Logger
}

// NewFileStore creates the state directory and acquires its lock. It returns
// an error if the lock is already held.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create state directory %s: %w", dir, err)
	}

	lockPath := filepath.Join(dir, lockFileName)
	fileLock := flock.New(lockPath)

	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("could not acquire file lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state directory %s is locked by another tap-ldif instance", dir)
	}

	logger = logger.With("component", "state")
	logger.Info("Acquired file lock.", "path", lockPath)

	return &FileStore{
		lock:      fileLock,
		statePath: filepath.Join(dir, stateFileName),
		logger:    logger,
	}, nil
}

// Load reads the saved bookmarks. A missing or empty file yields no bookmarks.
func (s *FileStore) Load(ctx context.Context) (map[string]int64, error) {
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		s.logger.Info("State file not found, starting without bookmarks.", "path", s.statePath)
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read state file: %w", err)
	}

	if strings.TrimSpace(string(data)) == "" {
		s.logger.Info("State file is empty, starting without bookmarks.")
		return map[string]int64{}, nil
	}

	var bookmarks map[string]int64
	if err := json.Unmarshal(data, &bookmarks); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.statePath, err)
	}
	for source, offset := range bookmarks {
		if offset < 0 {
			return nil, fmt.Errorf("%w: negative offset for %s", ErrCorrupt, source)
		}
	}
	if bookmarks == nil {
		bookmarks = map[string]int64{}
	}
	return bookmarks, nil
}

// Save atomically replaces the state file.
func (s *FileStore) Save(ctx context.Context, bookmarks map[string]int64) error {
	data, err := json.MarshalIndent(bookmarks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode bookmarks: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.statePath), "state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temp state file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tempFile.Name(), s.statePath); err != nil {
		return fmt.Errorf("failed to atomically move state file: %w", err)
	}
	return nil
}

// Close releases the file lock.
func (s *FileStore) Close() error {
	if err := s.lock.Unlock(); err != nil {
		s.logger.Error("Failed to release file lock.", "error", err)
		return err
	}
	s.logger.Info("Released file lock.")
	return nil
}
