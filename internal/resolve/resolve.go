// Package resolve turns natural-key references in source rows into primary keys.
package resolve

import (
	"context"
	"sort"
	"strings"

	"github.com/Amsterdam/bag-services/internal/cache"
	"github.com/Amsterdam/bag-services/internal/logging"
	"github.com/Amsterdam/bag-services/internal/source"
)

// Ref is the outcome of a reference lookup.
type Ref struct {
	ID string
	OK bool
}

// Unresolved is the Ref returned for references that match no record.
var Unresolved = Ref{}

// Warning describes an unresolved reference.
type Warning struct {
	EntityType string
	NaturalKey string
	File       string
	Line       int
}

// Resolver looks up references through the record cache and records the ones
// that cannot be resolved.
type Resolver struct {
	cache      *cache.Cache
	unresolved map[string]int
	onWarning  func(Warning)
}

// New returns a resolver over the run's cache. onWarning, if set, is called for
// every unresolved reference in addition to the log entry.
func New(c *cache.Cache, onWarning func(Warning)) *Resolver {
	return &Resolver{cache: c, unresolved: make(map[string]int), onWarning: onWarning}
}

// Resolve looks up naturalKey of entityType. An empty key is an absent relation and
// returns Unresolved silently; a key that matches no record is logged as a warning.
// The error is only set when the store lookup fails.
func (r *Resolver) Resolve(ctx context.Context, entityType, naturalKey string, ref source.Row) (Ref, error) {
	naturalKey = strings.TrimSpace(naturalKey)
	if naturalKey == "" {
		return Unresolved, nil
	}

	id, ok, err := r.cache.ResolveID(ctx, entityType, naturalKey)
	if err != nil {
		return Unresolved, err
	}
	if ok {
		return Ref{ID: id, OK: true}, nil
	}

	r.unresolved[entityType]++
	logging.FromContext(ctx).Warn("unresolved reference",
		"entity_type", entityType,
		"natural_key", naturalKey,
		"file", ref.File,
		"line", ref.Line,
	)
	if r.onWarning != nil {
		r.onWarning(Warning{EntityType: entityType, NaturalKey: naturalKey, File: ref.File, Line: ref.Line})
	}
	return Unresolved, nil
}

// Count is the number of unresolved references to one entity type.
type Count struct {
	EntityType string
	Count      int
}

// Unresolved returns the unresolved reference counts per entity type, sorted by type.
func (r *Resolver) Unresolved() []Count {
	out := make([]Count, 0, len(r.unresolved))
	for t, n := range r.unresolved {
		out = append(out, Count{EntityType: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out
}
