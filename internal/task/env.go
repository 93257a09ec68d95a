package task

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/Amsterdam/bag-services/internal/cache"
	"github.com/Amsterdam/bag-services/internal/geometry"
	"github.com/Amsterdam/bag-services/internal/logging"
	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/resolve"
	"github.com/Amsterdam/bag-services/internal/source"
	"github.com/Amsterdam/bag-services/internal/store"
	"github.com/Amsterdam/bag-services/internal/validity"
)

// Severity tells Env.Geometry how to report invalid geometry.
type Severity int

const (
	// Primary geometry defines the entity; the caller drops the row.
	Primary Severity = iota
	// Supplementary geometry enriches an entity that is kept without it.
	Supplementary
)

// Env is the per-run environment shared by the tasks of a job.
type Env struct {
	Cache      *cache.Cache
	Resolver   *resolve.Resolver
	Normalizer *geometry.Normalizer
	Store      store.Store
	Validity   validity.Checker

	report *Report
	task   string
}

// Catalog returns the entity types of the job.
func (e *Env) Catalog() *record.Catalog { return e.Cache.Catalog() }

// Resolve looks up a reference through the resolver.
func (e *Env) Resolve(ctx context.Context, entityType, naturalKey string, row source.Row) (resolve.Ref, error) {
	return e.Resolver.Resolve(ctx, entityType, naturalKey, row)
}

// Geometry parses WKT for a row. Supplementary failures are logged as warnings and
// reported; primary failures are left to the caller, which drops the row.
func (e *Env) Geometry(ctx context.Context, row source.Row, text string, kind geometry.Kind, sev Severity) (geometry.Geometry, error) {
	g, err := e.Normalizer.FromWKT(text, kind)
	if err != nil && sev == Supplementary {
		e.Warn(ctx, row, "geometry ignored: %v", err)
	}
	return g, err
}

// Shape normalizes a shapefile feature geometry, reporting failures like Geometry.
func (e *Env) Shape(ctx context.Context, row source.Row, shape orb.Geometry, kind geometry.Kind, sev Severity) (geometry.Geometry, error) {
	g, err := e.Normalizer.FromShape(shape, kind)
	if err != nil && sev == Supplementary {
		e.Warn(ctx, row, "geometry ignored: %v", err)
	}
	return g, err
}

// DeleteAll removes every persisted record of the entity type.
func (e *Env) DeleteAll(ctx context.Context, entityType string) (int64, error) {
	t, ok := e.Catalog().Lookup(entityType)
	if !ok {
		return 0, fmt.Errorf("%w: %q", cache.ErrUnknownType, entityType)
	}
	n, err := e.Store.DeleteAll(ctx, t)
	if err != nil {
		return 0, err
	}
	logging.FromContext(ctx).Info("deleted all records", "entity_type", t.Name, "deleted", n)
	return n, nil
}

// Warn logs a warning for a row and adds it to the report.
func (e *Env) Warn(ctx context.Context, row source.Row, format string, args ...any) {
	e.message(ctx, LevelWarning, row, fmt.Sprintf(format, args...))
}

// Error logs an error for a row and adds it to the report.
func (e *Env) Error(ctx context.Context, row source.Row, format string, args ...any) {
	e.message(ctx, LevelError, row, fmt.Sprintf(format, args...))
}

// Info adds an informational message to the report.
func (e *Env) Info(ctx context.Context, format string, args ...any) {
	e.message(ctx, LevelInfo, source.Row{}, fmt.Sprintf(format, args...))
}

func (e *Env) message(ctx context.Context, level Level, row source.Row, text string) {
	logger := logging.FromContext(ctx)
	if row.File != "" {
		logger = logger.With("file", row.File, "line", row.Line)
	}
	switch level {
	case LevelError:
		logger.Error(text)
	case LevelWarning:
		logger.Warn(text)
	default:
		logger.Info(text)
	}
	e.record(Message{Level: level, Task: e.task, File: row.File, Line: row.Line, Text: text})
}

func (e *Env) record(m Message) {
	if e.report != nil {
		e.report.add(m)
	}
}
