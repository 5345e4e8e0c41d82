// Package source reads benchmark inputs: NDJSON documents and plain-text query lists.
package source

import (
	"bufio"
	"bytes"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
)

// MaxLineSize bounds a single input line.
const MaxLineSize = 16 * 1024 * 1024

// numbers are kept as json.Number so that ids and epochs survive re-encoding untouched
var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Record is one input line.
type Record struct {
	Doc backend.Document
	// Line is the 1-based line number in the input.
	Line int
	// Size is the length of the raw line in bytes.
	Size int
}

// Documents lazily decodes an NDJSON stream, one line per Next call. It is not safe
// for concurrent use.
type Documents struct {
	reader  *bufio.Reader
	closer  io.Closer
	line    int
	buf     []byte
	maxLine int
}

// NewDocuments reads documents from r.
func NewDocuments(r io.Reader) *Documents {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	d := &Documents{reader: br, maxLine: MaxLineSize}
	if c, ok := r.(io.Closer); ok {
		d.closer = c
	}
	return d
}

// OpenDocuments opens the NDJSON file at path.
func OpenDocuments(path string) (*Documents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open data file")
	}
	d := NewDocuments(bufio.NewReaderSize(f, 1<<20))
	d.closer = f
	return d, nil
}

// Next returns the next document. Blank lines are skipped. A line that is not a JSON
// object, or that is longer than MaxLineSize, yields a KindParse error carrying its
// line number; reading may continue afterwards. io.EOF marks the end of the input.
func (d *Documents) Next() (Record, error) {
	for {
		raw, size, tooLong, err := d.readLine()
		if err != nil {
			if err == io.EOF {
				return Record{}, io.EOF
			}
			return Record{Line: d.line + 1}, errors.Wrap(err, "read input")
		}
		d.line++
		if tooLong {
			return Record{Line: d.line, Size: size}, backend.NewParseError("decode",
				errors.Errorf("line %d: longer than %d bytes", d.line, d.maxLine))
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		rec := Record{Line: d.line, Size: len(raw)}
		var doc backend.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return rec, backend.NewParseError("decode", errors.Wrapf(err, "line %d", d.line))
		}
		if doc == nil {
			return rec, backend.NewParseError("decode", errors.Errorf("line %d: not a JSON object", d.line))
		}
		rec.Doc = doc
		return rec, nil
	}
}

// readLine returns the next line without its terminator and the number of bytes it
// spanned. The remainder of a line longer than maxLine is read and dropped.
func (d *Documents) readLine() (line []byte, size int, tooLong bool, err error) {
	d.buf = d.buf[:0]
	for {
		chunk, rerr := d.reader.ReadSlice('\n')
		size += len(chunk)
		if !tooLong {
			if len(d.buf)+len(bytes.TrimSuffix(chunk, []byte{'\n'})) > d.maxLine {
				tooLong = true
				d.buf = d.buf[:0]
			} else {
				d.buf = append(d.buf, chunk...)
			}
		}
		switch {
		case rerr == bufio.ErrBufferFull:
			continue
		case rerr == io.EOF:
			if size == 0 {
				return nil, 0, false, io.EOF
			}
			return d.buf, size, tooLong, nil
		case rerr != nil:
			return nil, size, false, rerr
		}
		return bytes.TrimSuffix(d.buf, []byte{'\n'}), size, tooLong, nil
	}
}

// Line returns the number of lines consumed so far.
func (d *Documents) Line() int {
	return d.line
}

func (d *Documents) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// Sequence is the interface the ingestion engine reads from.
type Sequence interface {
	Next() (Record, error)
}
