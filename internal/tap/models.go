package tap

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// StreamName is the single logical stream produced by the tap.
const StreamName = "ldif_entries"

// KeyProperties is the primary key declared for StreamName.
var KeyProperties = []string{"dn"}

// ChangeType tags an entry with the LDIF change record it came from.
type ChangeType int

const (
	ChangeNone ChangeType = iota
	ChangeAdd
	ChangeDelete
	ChangeModify
	ChangeModDN
)

// String returns the LDIF spelling of the change type.
func (ct ChangeType) String() string {
	switch ct {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeModify:
		return "modify"
	case ChangeModDN:
		return "moddn"
	default:
		return ""
	}
}

// ParseChangeType maps a changetype value to a ChangeType. modrdn is accepted as moddn.
func ParseChangeType(value string) (ChangeType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "add":
		return ChangeAdd, nil
	case "delete":
		return ChangeDelete, nil
	case "modify":
		return ChangeModify, nil
	case "moddn", "modrdn":
		return ChangeModDN, nil
	default:
		return ChangeNone, fmt.Errorf("unknown changetype %q", value)
	}
}

// Attribute is one attribute of an entry with its values in file order.
type Attribute struct {
	Name   string
	Values []string
}

// Attributes is an ordered multimap keyed by case-insensitive attribute name.
// The first spelling of a name is kept.
type Attributes struct {
	items []Attribute
	index map[string]int
}

// Add appends value to the attribute called name, creating it if needed.
func (a *Attributes) Add(name, value string) {
	key := strings.ToLower(name)
	if a.index == nil {
		a.index = make(map[string]int)
	}
	if i, ok := a.index[key]; ok {
		a.items[i].Values = append(a.items[i].Values, value)
		return
	}
	a.index[key] = len(a.items)
	a.items = append(a.items, Attribute{Name: name, Values: []string{value}})
}

// Get returns the values of name and whether it is present.
func (a *Attributes) Get(name string) ([]string, bool) {
	i, ok := a.index[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return a.items[i].Values, true
}

// Has reports whether name is present.
func (a *Attributes) Has(name string) bool {
	_, ok := a.index[strings.ToLower(name)]
	return ok
}

// Len returns the number of distinct attributes.
func (a *Attributes) Len() int {
	return len(a.items)
}

// All returns the attributes in first-seen order. The slice must not be modified.
func (a *Attributes) All() []Attribute {
	return a.items
}

// Names returns the attribute names in first-seen order.
func (a *Attributes) Names() []string {
	names := make([]string, len(a.items))
	for i, item := range a.items {
		names[i] = item.Name
	}
	return names
}

// Retain returns a copy holding only the attributes for which keep returns true.
func (a *Attributes) Retain(keep func(name string) bool) Attributes {
	var out Attributes
	for _, item := range a.items {
		if !keep(item.Name) {
			continue
		}
		for _, v := range item.Values {
			out.Add(item.Name, v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (a *Attributes) Clone() Attributes {
	return a.Retain(func(string) bool { return true })
}

// Modification is one operation of a changetype: modify record.
type Modification struct {
	Op        string
	Attribute string
}

// String renders the modification as op:attribute.
func (m Modification) String() string {
	return m.Op + ":" + m.Attribute
}

// Entry is one decoded LDIF record.
type Entry struct {
	DN            string
	ObjectClass   []string
	Attributes    Attributes
	ChangeType    ChangeType
	Modifications []Modification

	SourceFile    string
	LineNumber    int
	RawByteLength int64
	// Ordinal is the 1-based position of the block within its source, malformed blocks included.
	Ordinal int64
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.ObjectClass = append([]string(nil), e.ObjectClass...)
	c.Attributes = e.Attributes.Clone()
	c.Modifications = append([]Modification(nil), e.Modifications...)
	return &c
}

// Source is one resolved input file.
type Source struct {
	// ID keys the source in State. Absolute path for local files, s3://bucket/key for objects.
	ID         string
	Path       string
	Encoding   string
	Size       int64
	Compressed bool
}

// String returns the source identifier.
func (s Source) String() string {
	return s.ID
}

// Batch is a bounded run of filtered entries from a single source.
type Batch struct {
	Source  Source
	Entries []*Entry
	// Offset is the ordinal of the last entry included.
	Offset int64
}

// Len returns the number of entries in the batch.
func (b *Batch) Len() int {
	return len(b.Entries)
}

// RunSummary tracks run statistics.
type RunSummary struct {
	Sources        int
	EntriesDecoded int64
	EntriesSkipped int64
	EntriesDropped int64
	RecordsEmitted int64
	Batches        int64
	DecodeErrors   int64
	FilterErrors   int64
	BytesDecoded   int64
	StartTime      time.Time
	Duration       time.Duration
}

// UpdateDuration updates the run duration.
func (rs *RunSummary) UpdateDuration() {
	rs.Duration = time.Since(rs.StartTime)
}

// String returns a string representation of the run statistics.
func (rs *RunSummary) String() string {
	return fmt.Sprintf("Sources: %d, Decoded: %s (%s), Resumed past: %s, Filtered out: %s, Records: %s in %s batches, Decode errors: %d, Filter errors: %d, Duration: %v",
		rs.Sources,
		humanize.Comma(rs.EntriesDecoded), humanize.Bytes(uint64(rs.BytesDecoded)),
		humanize.Comma(rs.EntriesSkipped),
		humanize.Comma(rs.EntriesDropped),
		humanize.Comma(rs.RecordsEmitted), humanize.Comma(rs.Batches),
		rs.DecodeErrors, rs.FilterErrors, rs.Duration)
}
