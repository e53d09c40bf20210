package tap

import (
	"bytes"
	"strings"
	"time"

	j "github.com/goccy/go-json"
)

// Message types written to the protocol stream.
const (
	MessageSchema = "SCHEMA"
	MessageRecord = "RECORD"
	MessageState  = "STATE"
)

// SchemaMessage declares the record shape of a stream.
type SchemaMessage struct {
	Type          string   `json:"type"`
	Stream        string   `json:"stream"`
	Schema        *Schema  `json:"schema"`
	KeyProperties []string `json:"key_properties"`
}

// RecordMessage carries one record.
type RecordMessage struct {
	Type          string `json:"type"`
	Stream        string `json:"stream"`
	Record        Record `json:"record"`
	TimeExtracted string `json:"time_extracted,omitempty"`
}

// StateMessage carries the bookmark snapshot after a batch.
type StateMessage struct {
	Type  string `json:"type"`
	Value State  `json:"value"`
}

// RecordField is one key of a record.
type RecordField struct {
	Key   string
	Value any
}

// Record is a JSON object whose keys keep insertion order.
type Record []RecordField

// Get returns the value stored under key.
func (r Record) Get(key string) (any, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes the fields in order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := j.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := j.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// BuildRecord shapes e for emission. Attributes typed as arrays in schema, or
// holding several values, become arrays; others become strings. Attribute keys
// take the schema's spelling when one matches. Attributes whose names clash
// with dn, objectClass or the metadata keys are left out, so no key repeats.
func BuildRecord(e *Entry, schema *Schema, processedAt time.Time) Record {
	rec := make(Record, 0, e.Attributes.Len()+8)
	rec = append(rec, RecordField{Key: "dn", Value: e.DN})

	objectClass := e.ObjectClass
	if objectClass == nil {
		objectClass = []string{}
	}
	rec = append(rec, RecordField{Key: "objectClass", Value: objectClass})

	for _, attr := range e.Attributes.All() {
		if reservedRecordKey(attr.Name) {
			continue
		}
		key := attr.Name
		array := len(attr.Values) > 1
		if schema != nil {
			if f, ok := schema.Lookup(attr.Name); ok {
				key = f.Name
				array = array || f.Type == FieldStringArray
			}
		}
		if array {
			rec = append(rec, RecordField{Key: key, Value: attr.Values})
		} else {
			rec = append(rec, RecordField{Key: key, Value: attr.Values[0]})
		}
	}

	rec = append(rec,
		RecordField{Key: FieldSourceFile, Value: e.SourceFile},
		RecordField{Key: FieldProcessingTimestamp, Value: processedAt.UTC().Format(time.RFC3339Nano)},
	)
	if e.LineNumber > 0 {
		rec = append(rec, RecordField{Key: FieldLineNumber, Value: e.LineNumber})
	}
	if e.RawByteLength > 0 {
		rec = append(rec, RecordField{Key: FieldEntrySize, Value: e.RawByteLength})
	}
	if e.ChangeType != ChangeNone {
		rec = append(rec, RecordField{Key: FieldChangeType, Value: e.ChangeType.String()})
	}
	if len(e.Modifications) > 0 {
		mods := make([]string, len(e.Modifications))
		for i, m := range e.Modifications {
			mods[i] = m.String()
		}
		rec = append(rec, RecordField{Key: FieldModifications, Value: mods})
	}
	return rec
}

// reservedRecordKey reports whether an attribute name would collide with a key
// BuildRecord writes itself.
func reservedRecordKey(name string) bool {
	return strings.EqualFold(name, "dn") || strings.EqualFold(name, "objectClass") || strings.HasPrefix(name, "_")
}

// Catalog is the discovery output.
type Catalog struct {
	Streams []CatalogStream `json:"streams"`
}

// CatalogStream describes one stream and its selection metadata.
type CatalogStream struct {
	TapStreamID   string            `json:"tap_stream_id"`
	Stream        string            `json:"stream"`
	Schema        *Schema           `json:"schema"`
	KeyProperties []string          `json:"key_properties"`
	Metadata      []CatalogMetadata `json:"metadata,omitempty"`
}

// CatalogMetadata attaches metadata to a breadcrumb within a stream.
type CatalogMetadata struct {
	Breadcrumb []string       `json:"breadcrumb"`
	Metadata   map[string]any `json:"metadata"`
}

// NewCatalog returns the catalog for the single entries stream.
func NewCatalog(schema *Schema) *Catalog {
	return &Catalog{Streams: []CatalogStream{{
		TapStreamID:   StreamName,
		Stream:        StreamName,
		Schema:        schema,
		KeyProperties: KeyProperties,
		Metadata: []CatalogMetadata{{
			Breadcrumb: []string{},
			Metadata: map[string]any{
				"inclusion":            "available",
				"selected":             true,
				"table-key-properties": KeyProperties,
			},
		}},
	}}}
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := j.Unmarshal(data, &c); err != nil {
		return nil, NewConfigurationError("invalid catalog: " + err.Error())
	}
	return &c, nil
}

// Stream returns the stream with the given id.
func (c *Catalog) Stream(id string) (*CatalogStream, bool) {
	for i := range c.Streams {
		if c.Streams[i].TapStreamID == id || c.Streams[i].Stream == id {
			return &c.Streams[i], true
		}
	}
	return nil, false
}

// Selected reports the stream-level selection flag. Streams without one are selected.
func (cs *CatalogStream) Selected() bool {
	for _, md := range cs.Metadata {
		if len(md.Breadcrumb) != 0 {
			continue
		}
		if v, ok := md.Metadata["selected"].(bool); ok {
			return v
		}
	}
	return true
}
