// Package search exports persisted registry objects as Elasticsearch bulk documents.
//
// The index stage runs after the import jobs and only reads the durable store. Every
// searchable entity type becomes one action/document pair per record in NDJSON form,
// ready for the bulk API.
package search

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Amsterdam/bag-services/internal/geometry"
	"github.com/Amsterdam/bag-services/internal/logging"
	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/store"
)

// DefaultIndex is the index name written into the bulk actions.
const DefaultIndex = "bag"

// Centroid is the representative point of a geometry in project coordinates.
type Centroid struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Document is one search document.
type Document struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Display  string         `json:"display"`
	Fields   map[string]any `json:"fields,omitempty"`
	Centroid *Centroid      `json:"centroid,omitempty"`
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

// Stats counts the documents written per entity type.
type Stats struct {
	Documents map[string]int
	Duration  time.Duration
}

// Total returns the number of documents written.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Documents {
		n += c
	}
	return n
}

// Indexer writes bulk documents for searchable entity types.
type Indexer struct {
	Store store.Store
	Index string // Defaults to DefaultIndex
}

// NewIndexer returns an indexer reading from st.
func NewIndexer(st store.Store) *Indexer {
	return &Indexer{Store: st, Index: DefaultIndex}
}

// Write scans every searchable type and writes its documents to w.
// Types that are not flagged searchable are ignored.
func (ix *Indexer) Write(ctx context.Context, w io.Writer, types []*record.EntityType) (Stats, error) {
	began := time.Now()
	stats := Stats{Documents: make(map[string]int)}
	logger := logging.FromContext(ctx)

	index := ix.Index
	if index == "" {
		index = DefaultIndex
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	for _, t := range types {
		if !t.Searchable {
			continue
		}
		err := ix.Store.Scan(ctx, t, func(rec *record.Record) error {
			var action bulkAction
			action.Index.Index = index
			action.Index.ID = t.Name + "/" + rec.ID
			if err := enc.Encode(action); err != nil {
				return err
			}
			if err := enc.Encode(NewDocument(rec)); err != nil {
				return err
			}
			stats.Documents[t.Name]++
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("index %s: %w", t.Name, err)
		}
		logger.Info("indexed entity type", "entity_type", t.Name, "documents", stats.Documents[t.Name])
	}

	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("write bulk output: %w", err)
	}
	stats.Duration = time.Since(began)
	return stats, nil
}

// NewDocument builds the search document of a record. Geometry columns are replaced
// by the centroid of the first non-empty geometry.
func NewDocument(rec *record.Record) Document {
	doc := Document{
		ID:      rec.ID,
		Type:    rec.Type.Name,
		Display: Display(rec),
		Fields:  make(map[string]any, len(rec.Type.Columns)),
	}
	for _, c := range rec.Type.Columns {
		v := rec.Values[c.Name]
		if v == nil || c.Name == rec.Type.Key() {
			continue
		}
		if c.Kind == record.KindGeometry {
			if g, ok := v.(geometry.Geometry); ok && g.Geom != nil && doc.Centroid == nil {
				p := g.Centroid()
				doc.Centroid = &Centroid{X: p.X(), Y: p.Y()}
			}
			continue
		}
		if t, ok := v.(time.Time); ok {
			v = t.Format("2006-01-02")
		}
		doc.Fields[c.Name] = v
	}
	return doc
}

// Display joins the display columns of a record, skipping empty values.
// Without display columns the primary key is used.
func Display(rec *record.Record) string {
	if len(rec.Type.DisplayColumns) == 0 {
		return rec.ID
	}
	parts := make([]string, 0, len(rec.Type.DisplayColumns))
	for _, name := range rec.Type.DisplayColumns {
		v := rec.Values[name]
		if v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return rec.ID
	}
	return strings.Join(parts, " ")
}
