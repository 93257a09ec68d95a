// Package record defines the entity types the import engine stages and persists.
// This package has no storage dependencies and is shared by the cache, the store and the tasks.
package record

import (
	"fmt"
	"strings"
)

// Kind represents the stored data type of a column.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindDate
	KindBool
	KindGeometry
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindDate:
		return "date"
	case KindBool:
		return "bool"
	case KindGeometry:
		return "geometry"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Column describes a single persisted attribute.
type Column struct {
	Name string // Database column name
	Kind Kind   // Stored type
}

// EntityType describes one persisted table.
type EntityType struct {
	Name             string   // Unique identifier: "bag_nummeraanduiding"
	Table            string   // Database table (defaults to Name)
	KeyColumn        string   // Primary key column (defaults to "id")
	NaturalKeyColumn string   // Column holding the lookup key (defaults to KeyColumn)
	Columns          []Column // All columns including the key columns
	DependsOn        []string // Entity types referenced by this type
	ReplaceEachRun   bool     // Whole-table replacement: all rows deleted before each import
	Searchable       bool     // Included in the search index stage
	DisplayColumns   []string // Columns joined into the search display text
}

// TableName returns the table, falling back to the type name.
func (t *EntityType) TableName() string {
	if t.Table != "" {
		return t.Table
	}
	return t.Name
}

// Key returns the primary key column name.
func (t *EntityType) Key() string {
	if t.KeyColumn != "" {
		return t.KeyColumn
	}
	return "id"
}

// NaturalKey returns the column used for natural-key lookups.
func (t *EntityType) NaturalKey() string {
	if t.NaturalKeyColumn != "" {
		return t.NaturalKeyColumn
	}
	return t.Key()
}

// Column returns the column with the given name.
func (t *EntityType) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns all column names in declaration order.
func (t *EntityType) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasGeometry reports whether any column stores a geometry.
func (t *EntityType) HasGeometry() bool {
	for _, c := range t.Columns {
		if c.Kind == KindGeometry {
			return true
		}
	}
	return false
}

func (t *EntityType) validate() error {
	var errs []string
	if t.Name == "" {
		errs = append(errs, "name is required")
	}
	if _, ok := t.Column(t.Key()); !ok {
		errs = append(errs, fmt.Sprintf("key column %q is not declared", t.Key()))
	}
	if _, ok := t.Column(t.NaturalKey()); !ok {
		errs = append(errs, fmt.Sprintf("natural key column %q is not declared", t.NaturalKey()))
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c.Name] {
			errs = append(errs, fmt.Sprintf("duplicate column %q", c.Name))
		}
		seen[c.Name] = true
	}
	for _, c := range t.DisplayColumns {
		if !seen[c] {
			errs = append(errs, fmt.Sprintf("display column %q is not declared", c))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("entity type %q: %s", t.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Record is a staged or persisted entity.
type Record struct {
	Type       *EntityType
	ID         string         // Primary key value
	NaturalKey string         // Lookup key; equals ID unless the type declares a separate column
	Values     map[string]any // Column name -> value; nil values persist as NULL
}

// New creates a record whose primary and natural key are both id.
func New(t *EntityType, id string, values map[string]any) *Record {
	if values == nil {
		values = make(map[string]any)
	}
	values[t.Key()] = id
	if t.NaturalKey() != t.Key() {
		if _, ok := values[t.NaturalKey()]; !ok {
			values[t.NaturalKey()] = id
		}
	}
	nk, _ := values[t.NaturalKey()].(string)
	return &Record{Type: t, ID: id, NaturalKey: nk, Values: values}
}

// Apply copies updates into the record in place.
func (r *Record) Apply(updates map[string]any) {
	for k, v := range updates {
		r.Values[k] = v
	}
}

// Row returns the record's values in column declaration order.
func (r *Record) Row() []any {
	row := make([]any, len(r.Type.Columns))
	for i, c := range r.Type.Columns {
		row[i] = r.Values[c.Name]
	}
	return row
}

// Clone returns a copy with its own value map.
func (r *Record) Clone() *Record {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return &Record{Type: r.Type, ID: r.ID, NaturalKey: r.NaturalKey, Values: values}
}
