package tap

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	j "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeGzipFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

// decodeString decodes every entry of content, stopping at the first error.
func decodeString(t *testing.T, content string, opts DecoderOptions) ([]*Entry, *Decoder, error) {
	t.Helper()
	d := NewDecoder(strings.NewReader(content), Source{ID: "test.ldif", Path: "test.ldif"}, opts)
	var entries []*Entry
	for {
		e, err := d.Next()
		if err == io.EOF {
			return entries, d, nil
		}
		if err != nil {
			return entries, d, err
		}
		entries = append(entries, e)
	}
}

// ldifEntries renders n simple person entries under dc=example,dc=com.
func ldifEntries(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "dn: uid=user%d,ou=people,dc=example,dc=com\nobjectClass: person\nobjectClass: inetOrgPerson\nuid: user%d\ncn: User %d\n\n", i, i, i)
	}
	return b.String()
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := j.Marshal(v)
	require.NoError(t, err)
	return data
}
