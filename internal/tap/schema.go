package tap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	j "github.com/goccy/go-json"
)

// FieldType is the inferred JSON type of a record property.
type FieldType string

const (
	FieldString      FieldType = "string"
	FieldStringArray FieldType = "array"
	FieldDateTime    FieldType = "date-time"
	FieldInteger     FieldType = "integer"
)

// Metadata fields added to every record.
const (
	FieldSourceFile          = "_sourceFile"
	FieldProcessingTimestamp = "_processingTimestamp"
	FieldLineNumber          = "_lineNumber"
	FieldEntrySize           = "_entrySize"
	FieldChangeType          = "_changeType"
	FieldModifications       = "_modifications"
)

// Field is one property of the stream schema.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema describes the records of a stream. Fields keep first-observed order.
type Schema struct {
	fields []Field
	index  map[string]int
	raw    j.RawMessage
}

// NewSchema returns a schema holding only the fixed dn and objectClass fields.
func NewSchema() *Schema {
	s := &Schema{index: make(map[string]int)}
	s.set(Field{Name: "dn", Type: FieldString, Required: true})
	s.set(Field{Name: "objectClass", Type: FieldStringArray})
	return s
}

func (s *Schema) set(f Field) {
	key := strings.ToLower(f.Name)
	if i, ok := s.index[key]; ok {
		if f.Type == FieldStringArray {
			s.fields[i].Type = FieldStringArray
		}
		return
	}
	s.index[key] = len(s.fields)
	s.fields = append(s.fields, f)
}

// Fields returns the attribute fields in order, excluding record metadata.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Lookup returns the field matching name case-insensitively.
func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[strings.ToLower(name)]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// MarshalJSON renders the schema as JSON Schema with properties in field order.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if len(s.raw) > 0 {
		return s.raw, nil
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":"object","additionalProperties":true,"required":["dn"],"properties":{`)
	props := append([]Field(nil), s.fields...)
	props = append(props,
		Field{Name: FieldSourceFile, Type: FieldString},
		Field{Name: FieldProcessingTimestamp, Type: FieldDateTime},
		Field{Name: FieldLineNumber, Type: FieldInteger},
		Field{Name: FieldEntrySize, Type: FieldInteger},
		Field{Name: FieldChangeType, Type: FieldString},
		Field{Name: FieldModifications, Type: FieldStringArray},
	)
	for i, f := range props {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := j.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(propertySchema(f.Type))
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

func propertySchema(t FieldType) string {
	switch t {
	case FieldStringArray:
		return `{"type":"array","items":{"type":"string"}}`
	case FieldDateTime:
		return `{"type":"string","format":"date-time"}`
	case FieldInteger:
		return `{"type":"integer"}`
	default:
		return `{"type":"string"}`
	}
}

// UnmarshalJSON loads a schema produced by discovery. The document is kept
// verbatim for re-emission; array-typed properties drive record shaping.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var doc struct {
		Properties map[string]struct {
			Type j.RawMessage `json:"type"`
		} `json:"properties"`
	}
	if err := j.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	fresh := NewSchema()
	for name, prop := range doc.Properties {
		if strings.HasPrefix(name, "_") {
			continue
		}
		t := FieldString
		if bytes.Contains(prop.Type, []byte(`"array"`)) {
			t = FieldStringArray
		}
		fresh.set(Field{Name: name, Type: t, Required: name == "dn"})
	}
	*s = *fresh
	s.raw = append(j.RawMessage(nil), data...)
	return nil
}

// Inferencer builds a Schema from a bounded sample of filtered entries.
type Inferencer struct {
	schema     *Schema
	maxEntries int
	maxSources int
	entries    int
	sources    map[string]bool
}

// NewInferencer samples at most maxEntries entries from at most maxSources sources.
func NewInferencer(maxEntries, maxSources int) *Inferencer {
	if maxEntries <= 0 {
		maxEntries = DefaultSampleSize
	}
	if maxSources <= 0 {
		maxSources = DefaultSampleSources
	}
	return &Inferencer{
		schema:     NewSchema(),
		maxEntries: maxEntries,
		maxSources: maxSources,
		sources:    make(map[string]bool),
	}
}

// Observe adds e to the sample. It returns false once the sample is full.
func (in *Inferencer) Observe(e *Entry) bool {
	if in.Full() {
		return false
	}
	in.entries++
	in.sources[e.SourceFile] = true
	for _, attr := range e.Attributes.All() {
		if reservedRecordKey(attr.Name) {
			continue
		}
		t := FieldString
		if len(attr.Values) > 1 {
			t = FieldStringArray
		}
		in.schema.set(Field{Name: attr.Name, Type: t})
	}
	return !in.Full()
}

// Full reports whether the entry budget is spent.
func (in *Inferencer) Full() bool {
	return in.entries >= in.maxEntries
}

// Schema returns the inferred schema.
func (in *Inferencer) Schema() *Schema {
	return in.schema
}

var errSampleComplete = errors.New("sample complete")

// InferSchema decodes and filters sources in order until the sample bounds are reached.
func InferSchema(ctx context.Context, sources []Source, opts DecoderOptions, filter *Filter, maxEntries, maxSources int) (*Schema, error) {
	in := NewInferencer(maxEntries, maxSources)
	for i, src := range sources {
		if i >= in.maxSources || in.Full() {
			break
		}
		err := DecodeFile(ctx, src, opts, func(e *Entry) error {
			kept, ok := filter.Apply(e)
			if !ok {
				return nil
			}
			if !in.Observe(kept) {
				return errSampleComplete
			}
			return nil
		})
		if err != nil && !errors.Is(err, errSampleComplete) {
			return nil, err
		}
	}
	return in.Schema(), nil
}
