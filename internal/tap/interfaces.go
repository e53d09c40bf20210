package tap

import "context"

// MessageWriter receives the protocol stream
type MessageWriter interface {
	WriteSchema(stream string, schema *Schema, keyProperties []string) error
	WriteRecord(stream string, record Record) error
	WriteState(state State) error
	Flush() error
}

// BookmarkStore persists bookmarks between runs
type BookmarkStore interface {
	Load(ctx context.Context) (map[string]int64, error)
	Save(ctx context.Context, bookmarks map[string]int64) error
	Close() error
}

// SourceLister resolves the configured input into sources
type SourceLister interface {
	Resolve(ctx context.Context) ([]Source, error)
}
