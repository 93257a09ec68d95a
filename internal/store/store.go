// Package store persists flushed records and answers natural-key lookups.
//
// The import engine only talks to the [Store] interface. [Postgres] is the durable
// implementation; [Memory] backs tests and dry runs.
package store

import (
	"context"
	"errors"

	"github.com/Amsterdam/bag-services/internal/record"
)

// ErrDuplicateKey is returned when an inserted record's primary key already exists.
var ErrDuplicateKey = errors.New("duplicate key value violates unique constraint")

// Merge is a partial update of a persisted record, addressed by primary key.
type Merge struct {
	ID     string
	Values map[string]any
}

// Store is the durable record store.
type Store interface {
	// InsertBatch persists new records of one type in a single transaction.
	InsertBatch(ctx context.Context, t *record.EntityType, recs []*record.Record) error
	// ApplyMerges updates persisted records in a single transaction, in order.
	// IDs that match no record are returned in missing; they are not an error.
	ApplyMerges(ctx context.Context, t *record.EntityType, merges []Merge) (applied int, missing []string, err error)
	// LookupID returns the primary key of the record with the given natural key.
	LookupID(ctx context.Context, t *record.EntityType, naturalKey string) (string, bool, error)
	// Exists reports whether a record with the primary key is persisted.
	Exists(ctx context.Context, t *record.EntityType, id string) (bool, error)
	// DeleteAll removes every record of the type and returns the number removed.
	DeleteAll(ctx context.Context, t *record.EntityType) (int64, error)
	// Count returns the number of persisted records of the type.
	Count(ctx context.Context, t *record.EntityType) (int64, error)
	// Scan calls fn for every persisted record of the type in primary key order.
	Scan(ctx context.Context, t *record.EntityType, fn func(*record.Record) error) error
}
