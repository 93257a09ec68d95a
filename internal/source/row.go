// Package source provides row readers over the registry extract formats.
//
// Every adapter yields [Row] values: an ordered mapping of field name to raw string
// value scoped to one source record. Fields are addressed through [Field] handles
// resolved against the reader's [Schema] when a task is set up, so a renamed or
// missing column fails the task at load time instead of producing empty strings.
//
// Four formats are supported:
//
//   - [Registry]: pipe-delimited registry extracts with compound relation sub-fields
//   - [CSV]: typed CSV with header discovery, explicit encoding and BOM tolerance
//   - [WKTPairs]: "<naturalKey>|<WKT>" geometry files
//   - [Shapefile]: ESRI shapefiles, attributes plus feature geometry
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// ErrMissingField is returned when a task asks for a field the source does not declare.
var ErrMissingField = errors.New("field not declared by source")

// Schema is the ordered list of field names a reader produces.
type Schema struct {
	names []string
	index map[string]int
}

// NewSchema builds a schema from field names. Names are trimmed; lookups are exact.
func NewSchema(names []string) *Schema {
	s := &Schema{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		n = strings.TrimSpace(n)
		s.names[i] = n
		if _, dup := s.index[n]; !dup {
			s.index[n] = i
		}
	}
	return s
}

// Len returns the number of declared fields.
func (s *Schema) Len() int { return len(s.names) }

// Names returns the declared field names in source order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Has reports whether the field is declared.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Field resolves a field handle by name.
func (s *Schema) Field(name string) (Field, error) {
	pos, ok := s.index[name]
	if !ok {
		// CSV headers are matched case-insensitively, so fields are too.
		for i, n := range s.names {
			if strings.EqualFold(n, name) {
				return Field{name: n, pos: i, schema: s}, nil
			}
		}
		return Field{}, fmt.Errorf("%w: %q", ErrMissingField, name)
	}
	return Field{name: name, pos: pos, schema: s}, nil
}

// Fields resolves several handles at once, reporting every missing name.
func (s *Schema) Fields(names ...string) ([]Field, error) {
	out := make([]Field, 0, len(names))
	var missing []string
	for _, n := range names {
		f, err := s.Field(n)
		if err != nil {
			missing = append(missing, n)
			continue
		}
		out = append(out, f)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return out, nil
}

// Field is a resolved handle to one column of a schema.
type Field struct {
	name   string
	pos    int
	schema *Schema
}

// Name returns the source field name.
func (f Field) Name() string { return f.name }

// Valid reports whether the handle was resolved.
func (f Field) Valid() bool { return f.schema != nil }

// Row is one immutable source record.
type Row struct {
	File   string // Base name of the source file
	Line   int    // 1-based line or feature number
	schema *Schema
	values []string
	shape  orb.Geometry
}

// NewRow builds a row over a schema. Missing trailing values read as empty strings.
func NewRow(schema *Schema, file string, line int, values []string) Row {
	v := make([]string, schema.Len())
	copy(v, values)
	return Row{File: file, Line: line, schema: schema, values: v}
}

// Get returns the trimmed value of a resolved field.
// A handle from another schema falls back to a lookup by name.
func (r Row) Get(f Field) string {
	if f.schema == r.schema && f.pos < len(r.values) {
		return strings.TrimSpace(r.values[f.pos])
	}
	v, _ := r.Lookup(f.name)
	return v
}

// Lookup returns the trimmed value by field name.
func (r Row) Lookup(name string) (string, bool) {
	if r.schema == nil {
		return "", false
	}
	pos, ok := r.schema.index[name]
	if !ok || pos >= len(r.values) {
		return "", false
	}
	return strings.TrimSpace(r.values[pos]), true
}

// Schema returns the schema the row was read with.
func (r Row) Schema() *Schema { return r.schema }

// Names returns the field names in source order.
func (r Row) Names() []string { return r.schema.Names() }

// Values returns a copy of the raw values in source order.
func (r Row) Values() []string {
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// Shape returns the feature geometry for shapefile rows, nil otherwise.
func (r Row) Shape() orb.Geometry { return r.shape }

// IsEmpty reports whether every value is blank.
func (r Row) IsEmpty() bool {
	for _, v := range r.values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// String identifies the row for log messages.
func (r Row) String() string {
	return fmt.Sprintf("%s:%d", r.File, r.Line)
}

// RowError reports a malformed individual row. The reader stays usable and the
// owning task decides whether to skip the row.
type RowError struct {
	File   string
	Line   int
	Reason string
	Data   []string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.File, e.Line, e.Reason)
}

// Source opens a fresh reader for each run.
type Source interface {
	// Name identifies the source in logs and reports.
	Name() string
	// Open returns a reader positioned at the first row. A missing or unreadable
	// file is returned as an error and is fatal for the owning task.
	Open(ctx context.Context) (Reader, error)
}

// Reader produces rows lazily.
type Reader interface {
	// Schema returns the fields every row carries.
	Schema() *Schema
	// Read returns the next row, io.EOF at the end, or a *RowError for a malformed row.
	Read(ctx context.Context) (Row, error)
	// Close releases the underlying file.
	Close() error
}
