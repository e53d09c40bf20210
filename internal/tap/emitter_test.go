package tap

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	j "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

// protocolLines splits emitter output into decoded JSON objects.
func protocolLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, j.Unmarshal(sc.Bytes(), &m), "line: %s", sc.Text())
		msgs = append(msgs, m)
	}
	require.NoError(t, sc.Err())
	return msgs
}

func messageTypes(msgs []map[string]any) []string {
	types := make([]string, len(msgs))
	for i, m := range msgs {
		types[i], _ = m["type"].(string)
	}
	return types
}

func TestBuildRecord(t *testing.T) {
	schema := NewSchema()
	schema.set(Field{Name: "mail", Type: FieldStringArray})
	schema.set(Field{Name: "displayName", Type: FieldString})

	e := testEntry("dc=test,dc=com", []string{"organization"}, "dc", "test", "MAIL", "a@x", "displayname", "Test")
	e.SourceFile = "/data/test.ldif"
	e.LineNumber = 12
	e.RawByteLength = 80

	rec := BuildRecord(e, schema, testTime)
	data, err := j.Marshal(rec)
	require.NoError(t, err)

	want := `{"dn":"dc=test,dc=com","objectClass":["organization"],"dc":"test","mail":["a@x"],"displayName":"Test",` +
		`"_sourceFile":"/data/test.ldif","_processingTimestamp":"2024-03-01T12:30:00Z","_lineNumber":12,"_entrySize":80}`
	assert.Equal(t, want, string(data), "keys keep record order and take the schema spelling")

	t.Run("multi-valued without schema", func(t *testing.T) {
		rec := BuildRecord(testEntry("cn=a", nil, "mail", "a", "mail", "b"), nil, testTime)
		v, ok := rec.Get("mail")
		require.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, v)
		oc, _ := rec.Get("objectClass")
		assert.Equal(t, []string{}, oc)
	})

	t.Run("no key is written twice", func(t *testing.T) {
		e := testEntry("cn=a,dc=x", nil, "cn", "a", "DN", "cn=b,dc=x", "_sourceFile", "forged", "objectclass", "top")
		rec := BuildRecord(e, nil, testTime)

		seen := make(map[string]bool)
		for _, f := range rec {
			key := strings.ToLower(f.Key)
			assert.False(t, seen[key], "duplicate key %s", f.Key)
			seen[key] = true
		}
		dn, _ := rec.Get("dn")
		assert.Equal(t, "cn=a,dc=x", dn)
		src, _ := rec.Get(FieldSourceFile)
		assert.Equal(t, "test.ldif", src)

		data, err := j.Marshal(rec)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, j.Unmarshal(data, &decoded))
		assert.Equal(t, "cn=a,dc=x", decoded["dn"])
	})

	t.Run("change metadata", func(t *testing.T) {
		e := testEntry("cn=a,dc=x", nil, "mail", "a@x")
		e.ChangeType = ChangeModify
		e.Modifications = []Modification{{Op: "replace", Attribute: "mail"}}
		rec := BuildRecord(e, nil, testTime)

		ct, _ := rec.Get(FieldChangeType)
		assert.Equal(t, "modify", ct)
		mods, _ := rec.Get(FieldModifications)
		assert.Equal(t, []string{"replace:mail"}, mods)
	})
}

func TestProtocolEmitter_SchemaBeforeRecord(t *testing.T) {
	var buf bytes.Buffer
	pe := NewProtocolEmitter(&buf)

	err := pe.WriteRecord(StreamName, BuildRecord(testEntry("cn=a", nil), nil, testTime))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	require.NoError(t, pe.WriteSchema(StreamName, NewSchema(), KeyProperties))
	require.NoError(t, pe.WriteSchema(StreamName, NewSchema(), KeyProperties))
	require.NoError(t, pe.WriteRecord(StreamName, BuildRecord(testEntry("cn=a", nil), nil, testTime)))
	require.NoError(t, pe.WriteState(NewState(map[string]int64{"a.ldif": 1})))

	msgs := protocolLines(t, buf.String())
	assert.Equal(t, []string{MessageSchema, MessageRecord, MessageState}, messageTypes(msgs), "schema is written once")

	assert.Equal(t, StreamName, msgs[0]["stream"])
	assert.Equal(t, []any{"dn"}, msgs[0]["key_properties"])
	assert.Equal(t, StreamName, msgs[1]["stream"])
	assert.NotEmpty(t, msgs[1]["time_extracted"])
	assert.Equal(t, map[string]any{"a.ldif": float64(1)}, msgs[2]["value"])

	records, states := pe.Counts()
	assert.Equal(t, int64(1), records)
	assert.Equal(t, int64(1), states)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestProtocolEmitter_WriteFailure(t *testing.T) {
	pe := NewProtocolEmitter(failingWriter{})
	require.NoError(t, pe.WriteSchema(StreamName, NewSchema(), KeyProperties), "schema stays buffered")

	err := pe.WriteState(NewState(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutput)
	assert.Contains(t, err.Error(), "broken pipe")

	var procErr *ProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, ErrorTypeOutput, procErr.Type)
}

func TestProtocolEmitter_StateFlushes(t *testing.T) {
	var buf bytes.Buffer
	pe := NewProtocolEmitter(&buf)
	require.NoError(t, pe.WriteSchema(StreamName, NewSchema(), KeyProperties))
	assert.Zero(t, buf.Len(), "schema stays buffered until the next flush")

	require.NoError(t, pe.WriteState(NewState(nil)))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

func TestCatalog(t *testing.T) {
	in := NewInferencer(10, 1)
	in.Observe(testEntry("cn=a", nil, "cn", "a"))
	catalog := NewCatalog(in.Schema())

	var buf bytes.Buffer
	pe := NewProtocolEmitter(&buf)
	require.NoError(t, pe.WriteCatalog(catalog))

	parsed, err := ParseCatalog(buf.Bytes())
	require.NoError(t, err)
	stream, ok := parsed.Stream(StreamName)
	require.True(t, ok)
	assert.True(t, stream.Selected())
	assert.Equal(t, KeyProperties, stream.KeyProperties)
	_, ok = stream.Schema.Lookup("cn")
	assert.True(t, ok)

	_, err = ParseCatalog([]byte("{not json"))
	assert.ErrorIs(t, err, ErrConfiguration)
}
