package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxLineSize bounds a single extract line; polygon WKT lines can be large.
const maxLineSize = 64 * 1024 * 1024

// Registry reads fixed-field, pipe-delimited registry extracts.
//
// The first line declares the field names, the following lines carry the values
// in the same positions. Compound relation sub-fields are plain names containing
// slashes, e.g. "NUM/OPR/sleutelVerzendend" or "NUM/OPR/TijdvakRelatie/begindatumRelatie".
type Registry struct {
	Path      string
	Delimiter string   // Defaults to "|"
	Encoding  string   // Defaults to UTF-8
	Expect    []string // Fields that must be declared; checked at open
}

// Name implements Source.
func (s Registry) Name() string { return filepath.Base(s.Path) }

// Open implements Source.
func (s Registry) Open(ctx context.Context) (Reader, error) {
	lr, err := openLines(s.Path, s.Encoding)
	if err != nil {
		return nil, err
	}

	header, ok := lr.next()
	if !ok {
		err := lr.err()
		lr.Close()
		if err != nil {
			return nil, fmt.Errorf("read header %s: %w", s.Name(), err)
		}
		return nil, fmt.Errorf("read header %s: empty file", s.Name())
	}

	delim := s.Delimiter
	if delim == "" {
		delim = "|"
	}
	names := strings.Split(header, delim)
	for i := range names {
		names[i] = cleanCell(names[i])
	}
	schema := NewSchema(names)

	if len(s.Expect) > 0 {
		if _, err := schema.Fields(s.Expect...); err != nil {
			lr.Close()
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}

	return &registryReader{lines: lr, schema: schema, delim: delim}, nil
}

type registryReader struct {
	lines  *lineReader
	schema *Schema
	delim  string
}

func (r *registryReader) Schema() *Schema { return r.schema }

func (r *registryReader) Read(ctx context.Context) (Row, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Row{}, err
		}
		line, ok := r.lines.next()
		if !ok {
			if err := r.lines.err(); err != nil {
				return Row{}, err
			}
			return Row{}, io.EOF
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		values := strings.Split(line, r.delim)
		if len(values) != r.schema.Len() {
			return Row{}, &RowError{
				File:   r.lines.name,
				Line:   r.lines.line,
				Reason: fmt.Sprintf("expected %d fields, got %d", r.schema.Len(), len(values)),
				Data:   values,
			}
		}
		return NewRow(r.schema, r.lines.name, r.lines.line, values), nil
	}
}

func (r *registryReader) Progress() int { return r.lines.counter.Progress() }

func (r *registryReader) Close() error { return r.lines.Close() }

// WKTPairs reads "<naturalKey>|<WKT>" geometry files, one record per line.
// Rows carry the fields "key" and "wkt".
type WKTPairs struct {
	Path     string
	Encoding string
}

// WKTPairFields are the field names every WKTPairs row carries.
var WKTPairFields = []string{"key", "wkt"}

// Name implements Source.
func (s WKTPairs) Name() string { return filepath.Base(s.Path) }

// Open implements Source.
func (s WKTPairs) Open(ctx context.Context) (Reader, error) {
	lr, err := openLines(s.Path, s.Encoding)
	if err != nil {
		return nil, err
	}
	return &wktPairReader{lines: lr, schema: NewSchema(WKTPairFields)}, nil
}

type wktPairReader struct {
	lines  *lineReader
	schema *Schema
}

func (r *wktPairReader) Schema() *Schema { return r.schema }

func (r *wktPairReader) Read(ctx context.Context) (Row, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Row{}, err
		}
		line, ok := r.lines.next()
		if !ok {
			if err := r.lines.err(); err != nil {
				return Row{}, err
			}
			return Row{}, io.EOF
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		key, wkt, found := strings.Cut(line, "|")
		if !found {
			return Row{}, &RowError{
				File:   r.lines.name,
				Line:   r.lines.line,
				Reason: "missing '|' separator between key and geometry",
				Data:   []string{line},
			}
		}
		return NewRow(r.schema, r.lines.name, r.lines.line, []string{key, wkt}), nil
	}
}

func (r *wktPairReader) Progress() int { return r.lines.counter.Progress() }

func (r *wktPairReader) Close() error { return r.lines.Close() }

// Unpad strips the zero padding that geometry files add to natural keys.
// Keys longer than width keep their leading zeros beyond the padding.
func Unpad(key string, width int) string {
	key = strings.TrimSpace(key)
	for len(key) > width && strings.HasPrefix(key, "0") {
		key = key[1:]
	}
	return key
}

// lineReader scans decoded lines and tracks the current line number.
type lineReader struct {
	file    *os.File
	name    string
	counter *CountingReader
	scanner *bufio.Scanner
	line    int
}

func openLines(path, encoding string) (*lineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	counter := NewCountingReader(f, size)

	decoded, err := Decode(counter, encoding)
	if err != nil {
		f.Close()
		return nil, err
	}

	sc := bufio.NewScanner(decoded)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &lineReader{file: f, name: filepath.Base(path), counter: counter, scanner: sc}, nil
}

func (l *lineReader) next() (string, bool) {
	if !l.scanner.Scan() {
		return "", false
	}
	l.line++
	return strings.TrimRight(l.scanner.Text(), "\r"), true
}

func (l *lineReader) err() error {
	if err := l.scanner.Err(); err != nil {
		return fmt.Errorf("read %s after line %d: %w", l.name, l.line, err)
	}
	return nil
}

func (l *lineReader) Close() error { return l.file.Close() }
