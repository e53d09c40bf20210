package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble"
)

var bookmarkPrefix = []byte("bookmark:")

// PebbleStore keeps one key per source in a pebble database. Offsets are
// stored as 8-byte big-endian integers.
type PebbleStore struct {
	db     *pebble.DB
	logger *slog.Logger
}

// NewPebbleStore opens (or creates) the database in dir. opts may be nil.
func NewPebbleStore(dir string, opts *pebble.Options, logger *slog.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts == nil {
		opts = &pebble.Options{}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("could not create state directory %s: %w", dir, err)
		}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("could not open bookmark database %s: %w", dir, err)
	}
	logger = logger.With("component", "state", "backend", BackendPebble)
	logger.Info("Opened bookmark database.", "path", dir)
	return &PebbleStore{db: db, logger: logger}, nil
}

func bookmarkKey(source string) []byte {
	key := make([]byte, 0, len(bookmarkPrefix)+len(source))
	key = append(key, bookmarkPrefix...)
	return append(key, source...)
}

// Load returns every stored bookmark.
func (s *PebbleStore) Load(ctx context.Context) (map[string]int64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: bookmarkPrefix})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	bookmarks := map[string]int64{}
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, bookmarkPrefix) {
			break
		}
		source := string(k[len(bookmarkPrefix):])
		v := it.Value()
		if len(v) != 8 {
			return nil, fmt.Errorf("%w: value for %s has %d bytes", ErrCorrupt, source, len(v))
		}
		offset := int64(binary.BigEndian.Uint64(v))
		if offset < 0 {
			return nil, fmt.Errorf("%w: negative offset for %s", ErrCorrupt, source)
		}
		bookmarks[source] = offset
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return bookmarks, nil
}

// Save writes all bookmarks in one synced batch.
func (s *PebbleStore) Save(ctx context.Context, bookmarks map[string]int64) error {
	b := s.db.NewBatch()
	defer b.Close()

	var value [8]byte
	for source, offset := range bookmarks {
		binary.BigEndian.PutUint64(value[:], uint64(offset))
		if err := b.Set(bookmarkKey(source), value[:], nil); err != nil {
			return fmt.Errorf("failed to stage bookmark for %s: %w", source, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit bookmarks: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close bookmark database.", "error", err)
		return err
	}
	return nil
}
