package tap

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	j "github.com/goccy/go-json"
)

// Bookmark is the resume position within one source.
type Bookmark struct {
	SourceFile string
	Offset     int64
}

// State maps source identifiers to the ordinal of the last emitted entry.
// A State is never modified after construction; updates return a new value.
type State struct {
	offsets map[string]int64
}

// NewState copies offsets into a new State.
func NewState(offsets map[string]int64) State {
	m := make(map[string]int64, len(offsets))
	for k, v := range offsets {
		m[k] = v
	}
	return State{offsets: m}
}

// Offset returns the bookmark offset for source.
func (s State) Offset(source string) (int64, bool) {
	off, ok := s.offsets[source]
	return off, ok
}

// Len returns the number of bookmarked sources.
func (s State) Len() int {
	return len(s.offsets)
}

// Map returns a copy of the bookmarks.
func (s State) Map() map[string]int64 {
	return NewState(s.offsets).offsets
}

// Sources returns the bookmarked source identifiers in sorted order.
func (s State) Sources() []string {
	keys := make([]string, 0, len(s.offsets))
	for k := range s.offsets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// with returns a copy of s with source set to offset.
func (s State) with(source string, offset int64) State {
	next := NewState(s.offsets)
	next.offsets[source] = offset
	return next
}

// Merge returns a State holding the larger offset for every source in s or other.
func (s State) Merge(other State) State {
	merged := NewState(s.offsets)
	for k, v := range other.offsets {
		if cur, ok := merged.offsets[k]; !ok || v > cur {
			merged.offsets[k] = v
		}
	}
	return merged
}

// Equal reports whether both states hold the same bookmarks.
func (s State) Equal(other State) bool {
	if len(s.offsets) != len(other.offsets) {
		return false
	}
	for k, v := range s.offsets {
		if ov, ok := other.offsets[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalJSON renders the state as {"sourceFile": offset} with sorted keys.
func (s State) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.Sources() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := j.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", s.offsets[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseState decodes a {"sourceFile": offset} document. Offsets must be
// non-negative integers; anything else is a state error.
func ParseState(data []byte) (State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewState(nil), nil
	}

	var raw map[string]j.RawMessage
	if err := j.Unmarshal(data, &raw); err != nil {
		return State{}, NewStateError("", fmt.Errorf("state is not a JSON object: %w", err))
	}
	// A full STATE message is accepted as well as its bare value.
	if inner, ok := raw["value"]; ok && bytes.HasPrefix(bytes.TrimSpace(inner), []byte("{")) {
		return ParseState(inner)
	}

	offsets := make(map[string]int64, len(raw))
	for source, value := range raw {
		var off int64
		if err := j.Unmarshal(value, &off); err != nil {
			return State{}, NewStateError(source, fmt.Errorf("offset %s is not an integer: %w", string(value), err))
		}
		if off < 0 {
			return State{}, NewStateError(source, fmt.Errorf("offset %d is negative", off))
		}
		offsets[source] = off
	}
	return State{offsets: offsets}, nil
}

// LoadState reads a state document from r.
func LoadState(r io.Reader) (State, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return State{}, NewStateError("", fmt.Errorf("failed to read state: %w", err))
	}
	return ParseState(data)
}

// StateManager owns the current State and applies replace-if-greater updates.
type StateManager struct {
	mu      sync.RWMutex
	current State
}

// NewStateManager starts from initial.
func NewStateManager(initial State) *StateManager {
	return &StateManager{current: NewState(initial.offsets)}
}

// BookmarkFor returns the bookmark for source, if one exists.
func (m *StateManager) BookmarkFor(source string) (Bookmark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, ok := m.current.Offset(source)
	if !ok {
		return Bookmark{}, false
	}
	return Bookmark{SourceFile: source, Offset: off}, true
}

// Advance moves the bookmark of source to offset when offset is greater than
// the recorded one, or when no bookmark exists. It returns the resulting State
// and whether it changed.
func (m *StateManager) Advance(source string, offset int64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.current.Offset(source); ok && offset <= cur {
		return m.current, false
	}
	m.current = m.current.with(source, offset)
	return m.current, true
}

// Snapshot returns the current State.
func (m *StateManager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
