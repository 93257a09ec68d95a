// Package cache stages records for one import run.
//
// Tasks create records and stage partial updates in memory; nothing reaches the
// durable store until Flush. Natural-key lookups consult staged creates first and
// fall back to the store, which lets a row reference a record created by an
// earlier task of the same run before anything is persisted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Amsterdam/bag-services/internal/logging"
	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/store"
)

// DefaultBatchSize is the number of records written per store call.
const DefaultBatchSize = 1000

var (
	// ErrDuplicate is returned when a create for the same type and key is already staged.
	ErrDuplicate = errors.New("duplicate record")
	// ErrUnknownType is returned for entity types missing from the catalog.
	ErrUnknownType = errors.New("unknown entity type")
	// ErrEmptyMerge is returned for a merge without columns to update.
	ErrEmptyMerge = errors.New("merge without updates")
)

// staged holds the pending creates of one entity type in submission order.
type staged struct {
	order     []*record.Record
	byID      map[string]*record.Record
	byNatural map[string]*record.Record
}

func newStaged() *staged {
	return &staged{
		byID:      make(map[string]*record.Record),
		byNatural: make(map[string]*record.Record),
	}
}

// Cache is the per-run record cache. It is not safe for concurrent use; a job
// runs its tasks on a single goroutine.
type Cache struct {
	catalog   *record.Catalog
	store     store.Store
	batchSize int

	creates map[string]*staged
	merges  map[string][]store.Merge

	// Durable lookups, keyed by type and natural key. Cleared on flush.
	resolved *gocache.Cache
}

// Option configures a Cache.
type Option func(*Cache)

// WithBatchSize sets the number of records per store call.
func WithBatchSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// New returns an empty cache over the catalog and store.
func New(catalog *record.Catalog, st store.Store, opts ...Option) *Cache {
	c := &Cache{
		catalog:   catalog,
		store:     st,
		batchSize: DefaultBatchSize,
		resolved:  gocache.New(gocache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.creates = make(map[string]*staged)
	c.merges = make(map[string][]store.Merge)
	c.resolved.Flush()
}

func (c *Cache) lookup(entityType string) (*record.EntityType, error) {
	t, ok := c.catalog.Lookup(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, entityType)
	}
	return t, nil
}

// Catalog returns the catalog the cache stages records for.
func (c *Cache) Catalog() *record.Catalog { return c.catalog }

// Get returns a staged create by natural key. The store is not consulted.
func (c *Cache) Get(entityType, naturalKey string) (*record.Record, bool) {
	s, ok := c.creates[entityType]
	if !ok {
		return nil, false
	}
	r, ok := s.byNatural[naturalKey]
	return r, ok
}

// Create stages a new record. A second create with the same primary or natural
// key for the same type returns ErrDuplicate and leaves the first one staged.
func (c *Cache) Create(rec *record.Record) error {
	if rec == nil || rec.Type == nil {
		return errors.New("create: record without type")
	}
	t, err := c.lookup(rec.Type.Name)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("create %s: empty key", t.Name)
	}

	s, ok := c.creates[t.Name]
	if !ok {
		s = newStaged()
		c.creates[t.Name] = s
	}
	if _, dup := s.byID[rec.ID]; dup {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, t.Name, rec.ID)
	}
	if _, dup := s.byNatural[rec.NaturalKey]; dup {
		return fmt.Errorf("%w: %s natural key %q", ErrDuplicate, t.Name, rec.NaturalKey)
	}

	s.order = append(s.order, rec)
	s.byID[rec.ID] = rec
	s.byNatural[rec.NaturalKey] = rec
	return nil
}

// ResolveID maps a natural key to a primary key: staged creates first, then the
// durable store. ok is false when the key exists in neither; err only reports store failures.
func (c *Cache) ResolveID(ctx context.Context, entityType, naturalKey string) (string, bool, error) {
	if r, ok := c.Get(entityType, naturalKey); ok {
		return r.ID, true, nil
	}
	t, err := c.lookup(entityType)
	if err != nil {
		return "", false, err
	}

	memoKey := t.Name + "\x00" + naturalKey
	if v, found := c.resolved.Get(memoKey); found {
		id := v.(string)
		return id, id != "", nil
	}

	id, ok, err := c.lookupStore(ctx, t, naturalKey)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s %q: %w", t.Name, naturalKey, err)
	}
	if !ok {
		id = ""
	}
	c.resolved.Set(memoKey, id, gocache.NoExpiration)
	return id, ok, nil
}

// lookupStore finds a natural key in the store. Types keyed by their natural key
// are probed by primary key.
func (c *Cache) lookupStore(ctx context.Context, t *record.EntityType, naturalKey string) (string, bool, error) {
	if t.NaturalKey() != t.Key() {
		return c.store.LookupID(ctx, t, naturalKey)
	}
	ok, err := c.store.Exists(ctx, t, naturalKey)
	if err != nil || !ok {
		return "", false, err
	}
	return naturalKey, true, nil
}

// Each calls fn for every staged create of the type in submission order and stops
// at the first error. Persisted records are not visited.
func (c *Cache) Each(entityType string, fn func(*record.Record) error) error {
	t, err := c.lookup(entityType)
	if err != nil {
		return err
	}
	s, ok := c.creates[t.Name]
	if !ok {
		return nil
	}
	for _, r := range s.order {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// MergeExisting stages a partial update of the record with the given primary key.
// Updates are applied in submission order at flush, to the staged create if there
// is one and to the persisted record otherwise.
func (c *Cache) MergeExisting(entityType, primaryKey string, updates map[string]any) error {
	t, err := c.lookup(entityType)
	if err != nil {
		return err
	}
	if primaryKey == "" {
		return fmt.Errorf("merge %s: empty key", t.Name)
	}
	if len(updates) == 0 {
		return fmt.Errorf("%w: %s %q", ErrEmptyMerge, t.Name, primaryKey)
	}
	values := make(map[string]any, len(updates))
	for col, v := range updates {
		if _, ok := t.Column(col); !ok {
			return fmt.Errorf("merge %s %q: unknown column %q", t.Name, primaryKey, col)
		}
		if col == t.Key() {
			return fmt.Errorf("merge %s %q: cannot update key column", t.Name, primaryKey)
		}
		values[col] = v
	}
	c.merges[t.Name] = append(c.merges[t.Name], store.Merge{ID: primaryKey, Values: values})
	return nil
}

// Staged describes the pending work for one entity type.
type Staged struct {
	Type    string
	Creates int
	Merges  int
}

// Stats returns the staged creates and merges per type in flush order.
func (c *Cache) Stats() []Staged {
	var out []Staged
	for _, t := range c.catalog.FlushOrder() {
		creates := 0
		if s, ok := c.creates[t.Name]; ok {
			creates = len(s.order)
		}
		merges := len(c.merges[t.Name])
		if creates == 0 && merges == 0 {
			continue
		}
		out = append(out, Staged{Type: t.Name, Creates: creates, Merges: merges})
	}
	return out
}

// TypeFlush is the flush outcome for one entity type.
type TypeFlush struct {
	Type    string
	Created int // Records inserted
	Folded  int // Merges applied to staged creates before insert
	Merged  int // Merges applied to persisted records
	Missing int // Merges whose target exists nowhere
}

// MissingMerge identifies a merge that matched no record.
type MissingMerge struct {
	Type string
	ID   string
}

// FlushStats summarizes a flush.
type FlushStats struct {
	Types    []TypeFlush
	Missing  []MissingMerge
	Duration time.Duration
}

// Created returns the total number of inserted records.
func (s FlushStats) Created() int {
	n := 0
	for _, t := range s.Types {
		n += t.Created
	}
	return n
}

// Merged returns the total number of applied merges, folded or not.
func (s FlushStats) Merged() int {
	n := 0
	for _, t := range s.Types {
		n += t.Folded + t.Merged
	}
	return n
}

// Flush writes all staged work to the store in dependency order and empties the cache.
//
// For each type, merges addressed to staged creates are folded into them, creates are
// inserted in batches, and the remaining merges are applied to persisted records.
// Merges whose target exists nowhere are reported in FlushStats.Missing.
// On error the types already written are dropped from the cache and reported in the
// returned stats. The failing type is reported with the batches it wrote before the
// error; those records are persisted but the type's work, including them, stays
// staged together with every type after it.
func (c *Cache) Flush(ctx context.Context) (FlushStats, error) {
	began := time.Now()
	var stats FlushStats

	for _, t := range c.catalog.FlushOrder() {
		s := c.creates[t.Name]
		merges := c.merges[t.Name]
		if (s == nil || len(s.order) == 0) && len(merges) == 0 {
			continue
		}
		tf := TypeFlush{Type: t.Name}

		var remaining []store.Merge
		for _, m := range merges {
			if s != nil {
				if r, ok := s.byID[m.ID]; ok {
					r.Apply(m.Values)
					tf.Folded++
					continue
				}
			}
			remaining = append(remaining, m)
		}

		var pending []*record.Record
		if s != nil {
			pending = s.order
		}
		for i := 0; i < len(pending); i += c.batchSize {
			end := min(i+c.batchSize, len(pending))
			if err := c.store.InsertBatch(ctx, t, pending[i:end]); err != nil {
				stats.Types = append(stats.Types, tf)
				stats.Duration = time.Since(began)
				return stats, fmt.Errorf("flush %s: %w", t.Name, err)
			}
			tf.Created += end - i
		}

		for i := 0; i < len(remaining); i += c.batchSize {
			end := min(i+c.batchSize, len(remaining))
			applied, missing, err := c.store.ApplyMerges(ctx, t, remaining[i:end])
			if err != nil {
				stats.Types = append(stats.Types, tf)
				stats.Duration = time.Since(began)
				return stats, fmt.Errorf("flush %s merges: %w", t.Name, err)
			}
			tf.Merged += applied
			tf.Missing += len(missing)
			for _, id := range missing {
				stats.Missing = append(stats.Missing, MissingMerge{Type: t.Name, ID: id})
			}
		}

		logging.WithFields(ctx, "entity_type", t.Name).Debug("flushed entity type",
			"created", tf.Created,
			"folded", tf.Folded,
			"merged", tf.Merged,
			"missing", tf.Missing,
		)
		stats.Types = append(stats.Types, tf)
		delete(c.creates, t.Name)
		delete(c.merges, t.Name)
	}

	c.reset()
	stats.Duration = time.Since(began)
	return stats, nil
}
