package tap

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
	gzipMagic  = []byte{0x1F, 0x8B}
)

// LookupEncoding resolves an IANA encoding name. UTF-8 resolves to nil.
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	if enc == unicode.UTF8 {
		return nil, nil
	}
	return enc, nil
}

// sniffBOM returns the encoding implied by a byte order mark at the start of head.
func sniffBOM(head []byte) string {
	switch {
	case bytes.HasPrefix(head, bomUTF8):
		return "utf-8"
	case bytes.HasPrefix(head, bomUTF16LE):
		return "utf-16le"
	case bytes.HasPrefix(head, bomUTF16BE):
		return "utf-16be"
	default:
		return ""
	}
}

// inspectFile sniffs compression and encoding of the file at path. configured
// wins over a detected BOM unless it is the default.
func inspectFile(path, configured string) (compressed bool, enc string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, "", err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(2)
	var r io.Reader = br
	if bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return false, "", fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		defer gz.Close()
		compressed = true
		r = gz
	}

	buf := make([]byte, 4)
	n, _ := io.ReadFull(r, buf)
	enc = resolveEncoding(configured, buf[:n])
	return compressed, enc, nil
}

func resolveEncoding(configured string, head []byte) string {
	c := strings.ToLower(strings.TrimSpace(configured))
	if c != "" && c != DefaultEncoding && c != "utf8" {
		return configured
	}
	if bom := sniffBOM(head); bom != "" {
		return bom
	}
	return DefaultEncoding
}

// newTextReader wraps r so it yields UTF-8 text in the given encoding.
func newTextReader(r io.Reader, encName string) (io.Reader, error) {
	name := strings.ToLower(encName)
	switch name {
	case "utf-16le":
		return transform.NewReader(r, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()), nil
	case "utf-16be":
		return transform.NewReader(r, unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()), nil
	}
	enc, err := LookupEncoding(encName)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return r, nil
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
