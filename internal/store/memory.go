package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Amsterdam/bag-services/internal/record"
)

// Memory is a map-backed Store. Records are cloned on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]*record.Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]*record.Record)}
}

func (m *Memory) table(t *record.EntityType) map[string]*record.Record {
	tbl, ok := m.tables[t.TableName()]
	if !ok {
		tbl = make(map[string]*record.Record)
		m.tables[t.TableName()] = tbl
	}
	return tbl
}

// InsertBatch implements Store. The batch is rejected as a whole on a duplicate key.
func (m *Memory) InsertBatch(ctx context.Context, t *record.EntityType, recs []*record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := m.table(t)
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if _, exists := tbl[r.ID]; exists || seen[r.ID] {
			return fmt.Errorf("insert %s %q: %w", t.Name, r.ID, ErrDuplicateKey)
		}
		seen[r.ID] = true
	}
	for _, r := range recs {
		tbl[r.ID] = r.Clone()
	}
	return nil
}

// ApplyMerges implements Store.
func (m *Memory) ApplyMerges(ctx context.Context, t *record.EntityType, merges []Merge) (int, []string, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl := m.table(t)
	applied := 0
	var missing []string
	for _, mg := range merges {
		r, ok := tbl[mg.ID]
		if !ok {
			missing = append(missing, mg.ID)
			continue
		}
		r.Apply(mg.Values)
		applied++
	}
	return applied, missing, nil
}

// LookupID implements Store.
func (m *Memory) LookupID(ctx context.Context, t *record.EntityType, naturalKey string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	tbl := m.tables[t.TableName()]
	if t.NaturalKey() == t.Key() {
		if _, ok := tbl[naturalKey]; ok {
			return naturalKey, true, nil
		}
		return "", false, nil
	}
	for id, r := range tbl {
		if r.NaturalKey == naturalKey {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Exists implements Store.
func (m *Memory) Exists(ctx context.Context, t *record.EntityType, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[t.TableName()][id]
	return ok, nil
}

// DeleteAll implements Store.
func (m *Memory) DeleteAll(ctx context.Context, t *record.EntityType) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.tables[t.TableName()]))
	delete(m.tables, t.TableName())
	return n, nil
}

// Count implements Store.
func (m *Memory) Count(ctx context.Context, t *record.EntityType) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.tables[t.TableName()])), nil
}

// Scan implements Store.
func (m *Memory) Scan(ctx context.Context, t *record.EntityType, fn func(*record.Record) error) error {
	m.mu.RLock()
	tbl := m.tables[t.TableName()]
	ids := make([]string, 0, len(tbl))
	for id := range tbl {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	recs := make([]*record.Record, len(ids))
	for i, id := range ids {
		recs[i] = tbl[id].Clone()
	}
	m.mu.RUnlock()

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of a persisted record.
func (m *Memory) Get(t *record.EntityType, id string) (*record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.tables[t.TableName()][id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}
