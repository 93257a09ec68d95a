// Package validity filters registry rows on temporal validity.
//
// Registry extracts carry historic and future versions of objects and relations.
// A row is imported only when its own validity window covers the effective date
// of the run, and every relation it carries is valid on that date as well.
package validity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Amsterdam/bag-services/internal/source"
)

// Date layouts seen in registry extracts, most specific first.
var layouts = []string{
	"20060102150405",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"2-1-2006",
}

// ParseDate parses a registry date. Blank input reports false.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsWithinValidity reports whether the window [begin, end] covers asOf.
// A zero begin means no begin date and is never valid; a zero end means open-ended.
func IsWithinValidity(begin, end, asOf time.Time) bool {
	if begin.IsZero() || begin.After(asOf) {
		return false
	}
	return end.IsZero() || !end.Before(asOf)
}

// Window is a validity period. Zero times are absent dates.
type Window struct {
	Begin time.Time
	End   time.Time
}

// Covers reports whether the window is valid on asOf.
func (w Window) Covers(asOf time.Time) bool {
	return IsWithinValidity(w.Begin, w.End, asOf)
}

// ErrInvalidDate is returned for a date field that is filled but cannot be parsed.
var ErrInvalidDate = errors.New("invalid date")

// dateField reads a date field. A blank field is an absent date.
func dateField(row source.Row, f source.Field) (time.Time, error) {
	s := strings.TrimSpace(row.Get(f))
	if s == "" {
		return time.Time{}, nil
	}
	d, ok := ParseDate(s)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s=%q", ErrInvalidDate, f.Name(), s)
	}
	return d, nil
}

// WindowFromRow reads a window from two date fields. Blank fields are absent dates;
// a filled field that does not parse gives an error wrapping ErrInvalidDate.
func WindowFromRow(row source.Row, begin, end source.Field) (Window, error) {
	var (
		w   Window
		err error
	)
	if w.Begin, err = dateField(row, begin); err != nil {
		return Window{}, err
	}
	if w.End, err = dateField(row, end); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Default relation sub-field names of registry extracts.
const (
	KeyField   = "sleutelVerzendend"
	BeginField = "TijdvakRelatie/begindatumRelatie"
	EndField   = "TijdvakRelatie/einddatumRelatie"
)

// Relation is a compound relation column group, e.g. "NUM/OPR", resolved against a schema.
type Relation struct {
	Prefix   string
	Optional bool
	key      source.Field
	begin    source.Field
	end      source.Field
}

// NewRelation resolves the key, begin and end sub-fields of prefix in schema.
func NewRelation(schema *source.Schema, prefix string, optional bool) (Relation, error) {
	fields, err := schema.Fields(
		prefix+"/"+KeyField,
		prefix+"/"+BeginField,
		prefix+"/"+EndField,
	)
	if err != nil {
		return Relation{}, err
	}
	return Relation{Prefix: prefix, Optional: optional, key: fields[0], begin: fields[1], end: fields[2]}, nil
}

// Key returns the referenced natural key.
func (r Relation) Key(row source.Row) string { return row.Get(r.key) }

// Window returns the relation's own validity window.
func (r Relation) Window(row source.Row) (Window, error) {
	w, err := WindowFromRow(row, r.begin, r.end)
	if err != nil {
		return Window{}, fmt.Errorf("relation %s: %w", r.Prefix, err)
	}
	return w, nil
}

// Absent reports whether every sub-field of the relation is empty.
func (r Relation) Absent(row source.Row) bool {
	return row.Get(r.key) == "" && row.Get(r.begin) == "" && row.Get(r.end) == ""
}

// Valid reports whether the relation is acceptable on asOf. An absent relation is
// acceptable only when it is optional. Malformed relation dates are an error.
func (r Relation) Valid(row source.Row, asOf time.Time) (bool, error) {
	if r.Absent(row) {
		return r.Optional, nil
	}
	w, err := r.Window(row)
	if err != nil {
		return false, err
	}
	return w.Covers(asOf), nil
}

// HasValidRelations reports whether every relation of the row is valid on asOf.
// It stops at the first relation that is invalid or carries a malformed date.
func HasValidRelations(row source.Row, asOf time.Time, relations ...Relation) (bool, error) {
	for _, rel := range relations {
		ok, err := rel.Valid(row, asOf)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Checker applies both predicates with the fixed effective date of a run.
type Checker struct {
	AsOf time.Time
}

// NewChecker returns a checker for asOf, truncated to the day. A zero asOf means today.
func NewChecker(asOf time.Time) Checker {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	y, m, d := asOf.Date()
	return Checker{AsOf: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Within reports whether the window covers the effective date.
func (c Checker) Within(w Window) bool { return w.Covers(c.AsOf) }

// Relations reports whether all relations are valid on the effective date.
func (c Checker) Relations(row source.Row, relations ...Relation) (bool, error) {
	return HasValidRelations(row, c.AsOf, relations...)
}
