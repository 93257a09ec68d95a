package registries

import (
	"context"
	"errors"
	"fmt"

	"github.com/Amsterdam/bag-services/internal/cache"
	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/source"
	"github.com/Amsterdam/bag-services/internal/task"
	"github.com/Amsterdam/bag-services/internal/validity"
)

// Fields every versioned registry object carries.
const (
	keyField   = "sleutelVerzendend"
	idField    = "identificatie"
	beginField = "TijdvakGeldigheid/begindatumTijdvakGeldigheid"
	endField   = "TijdvakGeldigheid/einddatumTijdvakGeldigheid"
)

// Skip reasons shared by the registry tasks.
const (
	reasonNotValid        = "not valid on effective date"
	reasonRelationInvalid = "relation not valid on effective date"
)

// versioned holds the field handles of a versioned registry object.
type versioned struct {
	key   source.Field
	id    source.Field
	begin source.Field
	end   source.Field
}

func (v *versioned) bind(schema *source.Schema) error {
	fields, err := schema.Fields(keyField, idField, beginField, endField)
	if err != nil {
		return err
	}
	v.key, v.id, v.begin, v.end = fields[0], fields[1], fields[2], fields[3]
	return nil
}

// values returns the key columns and validity dates of the row.
func (v *versioned) values(row source.Row) map[string]any {
	return map[string]any{
		"landelijk_id":     text(row.Get(v.id)),
		"begin_geldigheid": date(row.Get(v.begin)),
		"einde_geldigheid": date(row.Get(v.end)),
	}
}

// check applies the validity filters to a versioned row.
func (v *versioned) check(env *task.Env, row source.Row, relations ...validity.Relation) (task.Outcome, bool) {
	if out, ok := within(env, row, v.begin, v.end); !ok {
		return out, false
	}
	return relationsValid(env, row, relations...)
}

// within checks the row's own validity window. A filled date that does not parse
// is a row error, not an open end.
func within(env *task.Env, row source.Row, begin, end source.Field) (task.Outcome, bool) {
	w, err := validity.WindowFromRow(row, begin, end)
	if err != nil {
		return task.SkippedWithError(err.Error()), false
	}
	if !env.Validity.Within(w) {
		return task.Skipped(reasonNotValid), false
	}
	return task.Outcome{}, true
}

// relationsValid checks the validity windows of the row's relations.
func relationsValid(env *task.Env, row source.Row, relations ...validity.Relation) (task.Outcome, bool) {
	ok, err := env.Validity.Relations(row, relations...)
	if err != nil {
		return task.SkippedWithError(err.Error()), false
	}
	if !ok {
		return task.Skipped(reasonRelationInvalid), false
	}
	return task.Outcome{}, true
}

// bindRelations resolves the relation handles against the schema.
func bindRelations(schema *source.Schema, specs ...relationSpec) ([]validity.Relation, error) {
	rels := make([]validity.Relation, len(specs))
	for i, s := range specs {
		rel, err := validity.NewRelation(schema, s.prefix, s.optional)
		if err != nil {
			return nil, err
		}
		rels[i] = rel
	}
	return rels, nil
}

type relationSpec struct {
	prefix   string
	optional bool
}

// create stages a record and maps the result to an outcome. Duplicates are logged
// and skipped; the first create wins.
func create(env *task.Env, t *record.EntityType, id string, values map[string]any) task.Outcome {
	if id == "" {
		return task.SkippedWithError(fmt.Sprintf("%s without key", t.Name))
	}
	err := env.Cache.Create(record.New(t, id, values))
	switch {
	case err == nil:
		return task.Accepted()
	case errors.Is(err, cache.ErrDuplicate):
		return task.SkippedWithError(err.Error())
	default:
		return task.Abort(err)
	}
}

// merge stages a partial update and maps the result to an outcome.
func merge(env *task.Env, t *record.EntityType, id string, values map[string]any) task.Outcome {
	if err := env.Cache.MergeExisting(t.Name, id, values); err != nil {
		return task.Abort(err)
	}
	return task.Accepted()
}

// optionalRef resolves an optional relation. An absent relation or unresolved key gives nil.
func optionalRef(ctx context.Context, env *task.Env, t *record.EntityType, rel validity.Relation, row source.Row) (any, error) {
	if rel.Absent(row) {
		return nil, nil
	}
	ref, err := env.Resolve(ctx, t.Name, rel.Key(row), row)
	if err != nil || !ref.OK {
		return nil, err
	}
	return ref.ID, nil
}

// registryFile returns a source reading the newest pipe-delimited extract matching pattern.
func registryFile(dir, pattern string) source.Source {
	return source.Newest(dir, pattern, func(path string) source.Source {
		return source.Registry{Path: path}
	})
}

// csvFile returns a source reading the newest CSV extract matching pattern.
func csvFile(opts Options, pattern string, required ...string) source.Source {
	return source.Newest(opts.Dir, pattern, func(path string) source.Source {
		return source.CSV{Path: path, Encoding: opts.CSVEncoding, Limit: opts.CSVLimit, Required: required}
	})
}
