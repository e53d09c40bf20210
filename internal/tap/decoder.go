package tap

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DecoderOptions control encoding and malformed-input handling.
type DecoderOptions struct {
	// Encoding is used when the source carries none.
	Encoding string
	Strict   bool
	// Errors counts skipped blocks in lenient mode. May be nil.
	Errors *ErrorHandler
	// SkipThrough suppresses blocks with an ordinal at or below it without parsing them.
	SkipThrough int64
}

// Decoder reads LDIF entries from a single source, one block at a time.
type Decoder struct {
	src     Source
	opts    DecoderOptions
	r       *bufio.Reader
	closers []io.Closer

	line    int
	offset  int64
	ordinal int64
	resumed int64
	skipped int64
	started bool
	eof     bool
}

type physicalLine struct {
	text   string
	number int
}

type logicalLine struct {
	parts  []string
	number int
}

func (l logicalLine) text() string {
	if len(l.parts) == 1 {
		return l.parts[0]
	}
	return strings.Join(l.parts, "")
}

// lineError is a parse failure tied to the line where it occurred.
type lineError struct {
	line int
	err  error
}

func lineErrorf(line int, format string, args ...any) *lineError {
	return &lineError{line: line, err: fmt.Errorf(format, args...)}
}

// OpenDecoder opens src for decoding. The caller must Close the decoder.
func OpenDecoder(src Source, opts DecoderOptions) (*Decoder, error) {
	file, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", src.Path, err)
	}
	closers := []io.Closer{file}

	var r io.Reader = file
	if src.Compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create gzip reader for %s: %w", src.Path, err)
		}
		closers = append(closers, gz)
		r = gz
	}

	enc := src.Encoding
	if enc == "" {
		enc = opts.Encoding
	}
	text, err := newTextReader(r, enc)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	d := NewDecoder(text, src, opts)
	d.closers = closers
	return d, nil
}

// NewDecoder decodes UTF-8 LDIF text from r.
func NewDecoder(r io.Reader, src Source, opts DecoderOptions) *Decoder {
	return &Decoder{
		src:  src,
		opts: opts,
		r:    bufio.NewReaderSize(r, 64*1024),
	}
}

// Close releases the underlying file handles.
func (d *Decoder) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Ordinal returns the number of entry blocks consumed so far.
func (d *Decoder) Ordinal() int64 { return d.ordinal }

// Line returns the number of physical lines consumed so far.
func (d *Decoder) Line() int { return d.line }

// Offset returns the number of decoded bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.offset }

// Resumed returns how many blocks were passed over because of SkipThrough.
func (d *Decoder) Resumed() int64 { return d.resumed }

// Skipped returns how many malformed blocks were dropped in lenient mode.
func (d *Decoder) Skipped() int64 { return d.skipped }

// Next returns the next entry, or io.EOF when the source is exhausted.
func (d *Decoder) Next() (*Entry, error) {
	for {
		lines, size, err := d.readBlock()
		if err != nil {
			return nil, NewDecodeError(d.src.ID, d.line, fmt.Errorf("read failed: %w", err))
		}
		if len(lines) == 0 {
			return nil, io.EOF
		}

		logical, lerr := unfold(lines)
		if lerr == nil && len(logical) == 0 {
			continue
		}

		// Only the first block with content may carry the version header.
		first := !d.started
		d.started = true
		if lerr == nil && first && hasPrefixFold(logical[0].text(), "version:") {
			logical = logical[1:]
			if len(logical) == 0 {
				continue
			}
		}

		d.ordinal++
		if d.ordinal <= d.opts.SkipThrough {
			d.resumed++
			continue
		}

		var entry *Entry
		if lerr == nil {
			entry, lerr = parseBlock(logical)
		}
		if lerr != nil {
			derr := NewDecodeError(d.src.ID, lerr.line, lerr.err)
			if d.opts.Strict {
				return nil, derr
			}
			d.skipped++
			if d.opts.Errors != nil && !d.opts.Errors.HandleError(derr) {
				return nil, fmt.Errorf("%w: %w", ErrTooManyErrors, derr)
			}
			continue
		}

		entry.SourceFile = d.src.ID
		entry.LineNumber = lines[0].number
		entry.RawByteLength = size
		entry.Ordinal = d.ordinal
		return entry, nil
	}
}

// readBlock collects the physical lines of the next block, skipping leading blank lines.
func (d *Decoder) readBlock() ([]physicalLine, int64, error) {
	var lines []physicalLine
	var size int64
	for !d.eof {
		raw, err := d.r.ReadString('\n')
		if len(raw) > 0 {
			d.line++
			d.offset += int64(len(raw))

			text := strings.TrimSuffix(raw, "\n")
			text = strings.TrimSuffix(text, "\r")
			if d.line == 1 {
				text = strings.TrimPrefix(text, "\ufeff")
			}

			if strings.TrimSpace(text) == "" {
				if len(lines) > 0 {
					return lines, size, nil
				}
			} else {
				lines = append(lines, physicalLine{text: text, number: d.line})
				size += int64(len(raw))
			}
		}
		if err != nil {
			if err == io.EOF {
				d.eof = true
				break
			}
			return nil, 0, err
		}
	}
	return lines, size, nil
}

// unfold joins continuation lines onto their predecessor and drops comments.
func unfold(lines []physicalLine) ([]logicalLine, *lineError) {
	var out []logicalLine
	inComment := false
	for _, pl := range lines {
		switch {
		case strings.HasPrefix(pl.text, " "):
			if inComment {
				continue
			}
			if len(out) == 0 {
				return nil, lineErrorf(pl.number, "continuation line without a preceding line")
			}
			last := &out[len(out)-1]
			last.parts = append(last.parts, pl.text[1:])
		case strings.HasPrefix(pl.text, "#"):
			inComment = true
		default:
			inComment = false
			out = append(out, logicalLine{parts: []string{pl.text}, number: pl.number})
		}
	}
	return out, nil
}

// parseBlock turns the logical lines of one block into an Entry.
func parseBlock(logical []logicalLine) (*Entry, *lineError) {
	name, dn, lerr := parseLine(logical[0])
	if lerr != nil {
		return nil, lerr
	}
	if !strings.EqualFold(name, "dn") {
		return nil, lineErrorf(logical[0].number, "entry must start with dn, got %q", name)
	}
	if strings.TrimSpace(dn) == "" {
		return nil, lineErrorf(logical[0].number, "empty dn")
	}

	entry := &Entry{DN: dn}
	rest := logical[1:]

	controls := 0
	for controls < len(rest) && hasPrefixFold(rest[controls].text(), "control:") {
		controls++
	}
	if controls < len(rest) && hasPrefixFold(rest[controls].text(), "changetype:") {
		ll := rest[controls]
		_, value, lerr := parseLine(ll)
		if lerr != nil {
			return nil, lerr
		}
		ct, err := ParseChangeType(value)
		if err != nil {
			return nil, &lineError{line: ll.number, err: err}
		}
		entry.ChangeType = ct
		rest = rest[controls+1:]
	}

	switch entry.ChangeType {
	case ChangeModify:
		return parseModify(entry, rest)
	case ChangeDelete:
		if len(rest) > 0 {
			return nil, lineErrorf(rest[0].number, "unexpected content in delete record")
		}
		return entry, nil
	}

	for _, ll := range rest {
		name, value, lerr := parseLine(ll)
		if lerr != nil {
			return nil, lerr
		}
		if lerr := entry.addValue(ll, name, value); lerr != nil {
			return nil, lerr
		}
	}
	return entry, nil
}

func parseModify(entry *Entry, rest []logicalLine) (*Entry, *lineError) {
	inOp := false
	for _, ll := range rest {
		if ll.text() == "-" {
			inOp = false
			continue
		}
		name, value, lerr := parseLine(ll)
		if lerr != nil {
			return nil, lerr
		}
		if !inOp {
			op := strings.ToLower(name)
			switch op {
			case "add", "replace", "delete", "increment":
			default:
				return nil, lineErrorf(ll.number, "expected add, replace, delete or increment, got %q", name)
			}
			entry.Modifications = append(entry.Modifications, Modification{Op: op, Attribute: strings.TrimSpace(value)})
			inOp = true
			continue
		}
		if lerr := entry.addValue(ll, name, value); lerr != nil {
			return nil, lerr
		}
	}
	return entry, nil
}

// parseLine splits "name: value", "name:: base64" and rejects "name:< url".
func parseLine(ll logicalLine) (string, string, *lineError) {
	text := ll.text()
	i := strings.IndexByte(text, ':')
	if i <= 0 {
		return "", "", lineErrorf(ll.number, "missing ':' separator in %q", truncate(text, 50))
	}
	name := text[:i]
	if !validAttributeDescription(name) {
		return "", "", lineErrorf(ll.number, "invalid attribute description %q", truncate(name, 50))
	}

	rest := text[i+1:]
	switch {
	case strings.HasPrefix(rest, ":"):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest[1:]))
		if err != nil {
			return "", "", lineErrorf(ll.number, "invalid base64 value for %s: %v", name, err)
		}
		return name, renderValue(name, raw), nil
	case strings.HasPrefix(rest, "<"):
		return "", "", lineErrorf(ll.number, "URL-referenced value for %s is not supported", name)
	default:
		return name, strings.TrimLeft(rest, " "), nil
	}
}

// addValue stores one attribute line. A second dn line means two entries are
// missing their separating blank line.
func (e *Entry) addValue(ll logicalLine, name, value string) *lineError {
	switch {
	case strings.EqualFold(name, "dn"):
		return lineErrorf(ll.number, "second dn line in entry %q, entries must be separated by a blank line", truncate(e.DN, 50))
	case strings.EqualFold(name, "objectClass"):
		e.ObjectClass = append(e.ObjectClass, value)
	default:
		e.Attributes.Add(name, value)
	}
	return nil
}

// validAttributeDescription accepts a descriptor or OID with options. The
// first character must be a letter or digit.
func validAttributeDescription(name string) bool {
	for i, r := range name {
		if i == 0 && !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == ';', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// DecodeFile decodes every entry of src, calling handler for each. The file is
// closed when decoding ends, whether by exhaustion, error or cancellation.
func DecodeFile(ctx context.Context, src Source, opts DecoderOptions, handler func(*Entry) error) error {
	d, err := OpenDecoder(src, opts)
	if err != nil {
		return err
	}
	defer d.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := d.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}
