package tap

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	j "github.com/goccy/go-json"
)

// ProtocolEmitter writes SCHEMA, RECORD and STATE messages as JSON lines.
type ProtocolEmitter struct {
	mu         sync.Mutex
	w          *bufio.Writer
	encoder    *j.Encoder
	schemaSent map[string]bool
	now        func() time.Time

	records int64
	states  int64
}

// NewProtocolEmitter writes to w, typically stdout.
func NewProtocolEmitter(w io.Writer) *ProtocolEmitter {
	bw := bufio.NewWriterSize(w, 256*1024)
	encoder := j.NewEncoder(bw)
	encoder.SetEscapeHTML(false)
	return &ProtocolEmitter{
		w:          bw,
		encoder:    encoder,
		schemaSent: make(map[string]bool),
		now:        time.Now,
	}
}

// WriteSchema emits the schema for stream. Repeated calls for a stream are no-ops.
func (pe *ProtocolEmitter) WriteSchema(stream string, schema *Schema, keyProperties []string) error {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.schemaSent[stream] {
		return nil
	}
	msg := SchemaMessage{Type: MessageSchema, Stream: stream, Schema: schema, KeyProperties: keyProperties}
	if err := pe.encoder.Encode(msg); err != nil {
		return NewOutputError("schema message", err)
	}
	pe.schemaSent[stream] = true
	return nil
}

// WriteRecord emits one record. A record for a stream without a schema is refused.
func (pe *ProtocolEmitter) WriteRecord(stream string, record Record) error {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if !pe.schemaSent[stream] {
		return fmt.Errorf("%w: record for stream %q before its schema", ErrInvariantViolation, stream)
	}
	msg := RecordMessage{
		Type:          MessageRecord,
		Stream:        stream,
		Record:        record,
		TimeExtracted: pe.now().UTC().Format(time.RFC3339Nano),
	}
	if err := pe.encoder.Encode(msg); err != nil {
		return NewOutputError("record message", err)
	}
	pe.records++
	return nil
}

// WriteState emits state and flushes, so downstream sees every batch boundary.
func (pe *ProtocolEmitter) WriteState(state State) error {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if err := pe.encoder.Encode(StateMessage{Type: MessageState, Value: state}); err != nil {
		return NewOutputError("state message", err)
	}
	pe.states++
	return pe.flushLocked()
}

// WriteCatalog emits a discovery catalog.
func (pe *ProtocolEmitter) WriteCatalog(catalog *Catalog) error {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if err := pe.encoder.Encode(catalog); err != nil {
		return NewOutputError("catalog", err)
	}
	return pe.flushLocked()
}

// Flush writes any buffered output.
func (pe *ProtocolEmitter) Flush() error {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.flushLocked()
}

func (pe *ProtocolEmitter) flushLocked() error {
	if err := pe.w.Flush(); err != nil {
		return NewOutputError("output", err)
	}
	return nil
}

// Counts returns the number of records and state messages written.
func (pe *ProtocolEmitter) Counts() (records, states int64) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.records, pe.states
}
