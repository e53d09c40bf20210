package tap

import (
	"errors"
	"strings"
	"sync"
	"testing"

	j "github.com/goccy/go-json"
)

func TestState_Immutable(t *testing.T) {
	src := map[string]int64{"a.ldif": 3}
	s := NewState(src)
	src["a.ldif"] = 99

	if off, _ := s.Offset("a.ldif"); off != 3 {
		t.Errorf("NewState() should copy its input, got offset %d", off)
	}

	m := s.Map()
	m["b.ldif"] = 1
	if s.Len() != 1 {
		t.Errorf("Map() should return a copy, state now has %d sources", s.Len())
	}

	next := s.with("b.ldif", 5)
	if s.Len() != 1 || next.Len() != 2 {
		t.Errorf("with() should leave the receiver untouched: receiver=%d next=%d", s.Len(), next.Len())
	}
}

func TestState_Merge(t *testing.T) {
	a := NewState(map[string]int64{"x": 5, "y": 1})
	b := NewState(map[string]int64{"x": 2, "y": 7, "z": 3})

	got := a.Merge(b)
	want := NewState(map[string]int64{"x": 5, "y": 7, "z": 3})
	if !got.Equal(want) {
		t.Errorf("Merge() = %v, want %v", got.Map(), want.Map())
	}
}

func TestState_MarshalJSON(t *testing.T) {
	s := NewState(map[string]int64{"/data/b.ldif": 10, "/data/a.ldif": 0, "s3://bucket/c.ldif": 7})
	data, err := j.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"/data/a.ldif":0,"/data/b.ldif":10,"s3://bucket/c.ldif":7}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]int64
		wantErr bool
	}{
		{name: "empty input", input: "", want: map[string]int64{}},
		{name: "whitespace", input: "  \n", want: map[string]int64{}},
		{name: "empty object", input: "{}", want: map[string]int64{}},
		{name: "bookmarks", input: `{"a.ldif": 4, "b.ldif": 0}`, want: map[string]int64{"a.ldif": 4, "b.ldif": 0}},
		{name: "state message", input: `{"type":"STATE","value":{"a.ldif":12}}`, want: map[string]int64{"a.ldif": 12}},
		{name: "not json", input: "garbage", wantErr: true},
		{name: "array", input: "[1,2]", wantErr: true},
		{name: "string offset", input: `{"a.ldif": "12"}`, wantErr: true},
		{name: "fractional offset", input: `{"a.ldif": 1.5}`, wantErr: true},
		{name: "negative offset", input: `{"a.ldif": -1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseState([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseState() expected error, got %v", got.Map())
				}
				if !errors.Is(err, ErrState) {
					t.Errorf("ParseState() error should be a state error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseState() unexpected error: %v", err)
			}
			if !got.Equal(NewState(tt.want)) {
				t.Errorf("ParseState() = %v, want %v", got.Map(), tt.want)
			}
		})
	}
}

func TestLoadState(t *testing.T) {
	s, err := LoadState(strings.NewReader(`{"a.ldif": 2}`))
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if off, ok := s.Offset("a.ldif"); !ok || off != 2 {
		t.Errorf("LoadState() offset = %d, %v; want 2, true", off, ok)
	}
}

func TestStateManager_AdvanceIsMonotonic(t *testing.T) {
	m := NewStateManager(NewState(map[string]int64{"a.ldif": 10}))

	tests := []struct {
		source      string
		offset      int64
		wantChanged bool
		wantOffset  int64
	}{
		{"a.ldif", 5, false, 10},
		{"a.ldif", 10, false, 10},
		{"a.ldif", 11, true, 11},
		{"b.ldif", 0, true, 0},
		{"b.ldif", 0, false, 0},
		{"b.ldif", 3, true, 3},
	}

	for _, tt := range tests {
		state, changed := m.Advance(tt.source, tt.offset)
		if changed != tt.wantChanged {
			t.Errorf("Advance(%s, %d) changed = %v, want %v", tt.source, tt.offset, changed, tt.wantChanged)
		}
		if off, _ := state.Offset(tt.source); off != tt.wantOffset {
			t.Errorf("Advance(%s, %d) offset = %d, want %d", tt.source, tt.offset, off, tt.wantOffset)
		}
	}

	bm, ok := m.BookmarkFor("a.ldif")
	if !ok || bm.Offset != 11 || bm.SourceFile != "a.ldif" {
		t.Errorf("BookmarkFor() = %+v, %v", bm, ok)
	}
	if _, ok := m.BookmarkFor("missing.ldif"); ok {
		t.Error("BookmarkFor() should report absent sources")
	}
}

func TestStateManager_Concurrent(t *testing.T) {
	m := NewStateManager(NewState(nil))
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(off int64) {
			defer wg.Done()
			m.Advance("a.ldif", off)
			_ = m.Snapshot()
		}(int64(i))
	}
	wg.Wait()

	if off, _ := m.Snapshot().Offset("a.ldif"); off != 50 {
		t.Errorf("final offset = %d, want 50", off)
	}
}
