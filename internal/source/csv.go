package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxHeaderSearchRows is the maximum number of rows scanned for the header.
var MaxHeaderSearchRows = 20

// CSV reads typed CSV extracts.
//
// The header is discovered within the first MaxHeaderSearchRows rows: the first row
// containing every Required column (case-insensitive, spreadsheet artifacts removed)
// is taken as the header and earlier rows are discarded. Field names are the
// cleaned header cells.
type CSV struct {
	Path      string
	Delimiter rune     // Defaults to ';'
	Encoding  string   // Defaults to UTF-8; BOM tolerated
	Required  []string // Columns that identify the header row
	Limit     int      // Maximum data rows to yield; 0 means unlimited
}

// Name implements Source.
func (s CSV) Name() string { return filepath.Base(s.Path) }

// Open implements Source.
func (s CSV) Open(ctx context.Context) (Reader, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	counter := NewCountingReader(f, size)

	decoded, err := Decode(counter, s.Encoding)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := csv.NewReader(decoded)
	r.Comma = s.Delimiter
	if r.Comma == 0 {
		r.Comma = ';'
	}
	if !utf8.ValidRune(r.Comma) {
		f.Close()
		return nil, fmt.Errorf("invalid delimiter %q", s.Delimiter)
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := findHeader(r, s.Required)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}

	names := make([]string, len(header))
	for i, h := range header {
		names[i] = cleanCell(h)
	}

	return &csvReader{
		file:    f,
		name:    s.Name(),
		counter: counter,
		csv:     r,
		schema:  NewSchema(names),
		limit:   s.Limit,
	}, nil
}

func findHeader(r *csv.Reader, required []string) ([]string, error) {
	for i := 0; i < MaxHeaderSearchRows; i++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if headerMatches(record, required) {
			return record, nil
		}
	}
	return nil, fmt.Errorf("header not found (expected: %v)", required)
}

func headerMatches(record, required []string) bool {
	if len(record) == 0 || (len(record) == 1 && cleanCell(record[0]) == "") {
		return false
	}
	have := make(map[string]bool, len(record))
	for _, h := range record {
		have[strings.ToLower(cleanCell(h))] = true
	}
	for _, name := range required {
		if !have[strings.ToLower(name)] {
			return false
		}
	}
	return true
}

type csvReader struct {
	file    *os.File
	name    string
	counter *CountingReader
	csv     *csv.Reader
	schema  *Schema
	limit   int
	emitted int
}

func (r *csvReader) Schema() *Schema { return r.schema }

func (r *csvReader) Read(ctx context.Context) (Row, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Row{}, err
		}
		if r.limit > 0 && r.emitted >= r.limit {
			return Row{}, io.EOF
		}

		record, err := r.csv.Read()
		if err == io.EOF {
			return Row{}, io.EOF
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return Row{}, &RowError{File: r.name, Line: perr.Line, Reason: perr.Err.Error(), Data: record}
			}
			return Row{}, fmt.Errorf("read %s: %w", r.name, err)
		}

		line, _ := r.csv.FieldPos(0)
		row := NewRow(r.schema, r.name, line, record)
		if row.IsEmpty() {
			continue
		}
		if len(record) < r.schema.Len() {
			return Row{}, &RowError{
				File:   r.name,
				Line:   line,
				Reason: fmt.Sprintf("expected %d columns, got %d", r.schema.Len(), len(record)),
				Data:   record,
			}
		}

		r.emitted++
		return row, nil
	}
}

func (r *csvReader) Progress() int { return r.counter.Progress() }

func (r *csvReader) Close() error { return r.file.Close() }
