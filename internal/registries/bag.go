package registries

import (
	"context"
	"fmt"
	"strings"

	"github.com/Amsterdam/bag-services/internal/geometry"
	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/source"
	"github.com/Amsterdam/bag-services/internal/task"
	"github.com/Amsterdam/bag-services/internal/validity"
)

// keyWidth is the width of a BAG object key; geometry files zero-pad it further.
const keyWidth = 16

// BAG entity types.
var (
	BagBron = &record.EntityType{
		Name: "bag_bron",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "omschrijving", Kind: record.KindText},
		},
		ReplaceEachRun: true,
	}

	BagOpenbareRuimte = &record.EntityType{
		Name: "bag_openbare_ruimte",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "landelijk_id", Kind: record.KindText},
			{Name: "naam", Kind: record.KindText},
			{Name: "type", Kind: record.KindText},
			{Name: "begin_geldigheid", Kind: record.KindDate},
			{Name: "einde_geldigheid", Kind: record.KindDate},
			{Name: "bron_id", Kind: record.KindText},
		},
		DependsOn:      []string{"bag_bron"},
		ReplaceEachRun: true,
		Searchable:     true,
		DisplayColumns: []string{"naam"},
	}

	BagNummeraanduiding = &record.EntityType{
		Name: "bag_nummeraanduiding",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "landelijk_id", Kind: record.KindText},
			{Name: "huisnummer", Kind: record.KindInt},
			{Name: "huisletter", Kind: record.KindText},
			{Name: "huisnummer_toevoeging", Kind: record.KindText},
			{Name: "postcode", Kind: record.KindText},
			{Name: "openbare_ruimte_id", Kind: record.KindText},
			{Name: "begin_geldigheid", Kind: record.KindDate},
			{Name: "einde_geldigheid", Kind: record.KindDate},
		},
		DependsOn:      []string{"bag_openbare_ruimte"},
		ReplaceEachRun: true,
		Searchable:     true,
		DisplayColumns: []string{"postcode", "huisnummer", "huisletter", "huisnummer_toevoeging"},
	}

	BagVerblijfsobject = &record.EntityType{
		Name: "bag_verblijfsobject",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "landelijk_id", Kind: record.KindText},
			{Name: "oppervlakte", Kind: record.KindInt},
			{Name: "status", Kind: record.KindText},
			{Name: "gebruiksdoel", Kind: record.KindText},
			{Name: "hoofdadres_id", Kind: record.KindText},
			{Name: "bron_id", Kind: record.KindText},
			{Name: "begin_geldigheid", Kind: record.KindDate},
			{Name: "einde_geldigheid", Kind: record.KindDate},
			{Name: "geometrie", Kind: record.KindGeometry},
		},
		DependsOn:      []string{"bag_nummeraanduiding", "bag_bron"},
		ReplaceEachRun: true,
		Searchable:     true,
		DisplayColumns: []string{"landelijk_id", "gebruiksdoel"},
	}

	BagPand = &record.EntityType{
		Name: "bag_pand",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "landelijk_id", Kind: record.KindText},
			{Name: "bouwjaar", Kind: record.KindInt},
			{Name: "status", Kind: record.KindText},
			{Name: "begin_geldigheid", Kind: record.KindDate},
			{Name: "einde_geldigheid", Kind: record.KindDate},
			{Name: "geometrie", Kind: record.KindGeometry},
		},
		ReplaceEachRun: true,
		Searchable:     true,
		DisplayColumns: []string{"landelijk_id"},
	}

	BagVerblijfsobjectPand = &record.EntityType{
		Name: "bag_verblijfsobject_pand",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "verblijfsobject_id", Kind: record.KindText},
			{Name: "pand_id", Kind: record.KindText},
		},
		DependsOn:      []string{"bag_verblijfsobject", "bag_pand"},
		ReplaceEachRun: true,
	}

	BagCatalog = record.MustCatalog(
		BagBron,
		BagOpenbareRuimte,
		BagNummeraanduiding,
		BagVerblijfsobject,
		BagPand,
		BagVerblijfsobjectPand,
	)
)

func init() {
	Register(Definition{
		Name:        "bag",
		Description: "Addresses and buildings (BAG)",
		DirName:     "bag",
		Catalog:     BagCatalog,
		Build:       BuildBAG,
	})
}

// BuildBAG returns the BAG job reading extracts from opts.Dir.
func BuildBAG(opts Options) task.Job {
	return task.Job{
		Name:    "bag",
		Catalog: BagCatalog,
		Tasks: []task.Task{
			task.DeleteAll("delete-bag"),
			&bronTask{src: csvFile(opts, "bron*.csv", "Domein", "Code", "Omschrijving")},
			&openbareRuimteTask{src: registryFile(opts.Dir, "OPR_*.dat")},
			&nummeraanduidingTask{src: registryFile(opts.Dir, "NUM_*.dat")},
			&verblijfsobjectTask{src: registryFile(opts.Dir, "VBO_*.dat")},
			&verblijfsobjectGeometrieTask{src: source.Newest(opts.Dir, "VBO_geometrie*.wkt", func(path string) source.Source {
				return source.WKTPairs{Path: path}
			})},
			&hoofdadresTask{src: registryFile(opts.Dir, "NUMVBOVBO_*.dat")},
			&pandTask{src: registryFile(opts.Dir, "PND_*.dat")},
			&verblijfsobjectPandTask{src: registryFile(opts.Dir, "VBOPND_*.dat")},
			task.Flush(),
		},
	}
}

// bronTask loads the source-document codes from the shared code table.
type bronTask struct {
	src                        source.Source
	domein, code, omschrijving source.Field
}

func (t *bronTask) Name() string          { return "bron" }
func (t *bronTask) Source() source.Source { return t.src }

func (t *bronTask) Bind(schema *source.Schema) error {
	fields, err := schema.Fields("Domein", "Code", "Omschrijving")
	if err != nil {
		return err
	}
	t.domein, t.code, t.omschrijving = fields[0], fields[1], fields[2]
	return nil
}

func (t *bronTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if !strings.EqualFold(row.Get(t.domein), "BRN") {
		return task.Skipped("other code domain")
	}
	return create(env, BagBron, row.Get(t.code), map[string]any{
		"omschrijving": text(row.Get(t.omschrijving)),
	})
}

type openbareRuimteTask struct {
	src source.Source
	versioned
	naam, typ source.Field
	bron      validity.Relation
}

func (t *openbareRuimteTask) Name() string          { return "openbare-ruimte" }
func (t *openbareRuimteTask) Source() source.Source { return t.src }

func (t *openbareRuimteTask) Bind(schema *source.Schema) error {
	if err := t.versioned.bind(schema); err != nil {
		return err
	}
	fields, err := schema.Fields("naam", "type")
	if err != nil {
		return err
	}
	t.naam, t.typ = fields[0], fields[1]
	rels, err := bindRelations(schema, relationSpec{"OPR/BRN", true})
	if err != nil {
		return err
	}
	t.bron = rels[0]
	return nil
}

func (t *openbareRuimteTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if out, ok := t.check(env, row, t.bron); !ok {
		return out
	}
	bron, err := optionalRef(ctx, env, BagBron, t.bron, row)
	if err != nil {
		return task.Abort(err)
	}

	values := t.values(row)
	values["naam"] = text(row.Get(t.naam))
	values["type"] = text(row.Get(t.typ))
	values["bron_id"] = bron
	return create(env, BagOpenbareRuimte, row.Get(t.key), values)
}

type nummeraanduidingTask struct {
	src source.Source
	versioned
	huisnummer, huisletter, toevoeging, postcode source.Field
	openbareRuimte                               validity.Relation
}

func (t *nummeraanduidingTask) Name() string          { return "nummeraanduiding" }
func (t *nummeraanduidingTask) Source() source.Source { return t.src }

func (t *nummeraanduidingTask) Bind(schema *source.Schema) error {
	if err := t.versioned.bind(schema); err != nil {
		return err
	}
	fields, err := schema.Fields("huisnummer", "huisletter", "huisnummertoevoeging", "postcode")
	if err != nil {
		return err
	}
	t.huisnummer, t.huisletter, t.toevoeging, t.postcode = fields[0], fields[1], fields[2], fields[3]
	rels, err := bindRelations(schema, relationSpec{"NUM/OPR", false})
	if err != nil {
		return err
	}
	t.openbareRuimte = rels[0]
	return nil
}

func (t *nummeraanduidingTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if out, ok := t.check(env, row, t.openbareRuimte); !ok {
		return out
	}
	opr, err := env.Resolve(ctx, BagOpenbareRuimte.Name, t.openbareRuimte.Key(row), row)
	if err != nil {
		return task.Abort(err)
	}
	if !opr.OK {
		return task.Skipped("unresolved openbare ruimte")
	}
	huisnummer, err := integer(row.Get(t.huisnummer))
	if err != nil {
		return task.SkippedWithError(fmt.Sprintf("huisnummer: %v", err))
	}

	values := t.values(row)
	values["huisnummer"] = huisnummer
	values["huisletter"] = text(row.Get(t.huisletter))
	values["huisnummer_toevoeging"] = text(row.Get(t.toevoeging))
	values["postcode"] = text(strings.ReplaceAll(row.Get(t.postcode), " ", ""))
	values["openbare_ruimte_id"] = opr.ID
	return create(env, BagNummeraanduiding, row.Get(t.key), values)
}

type verblijfsobjectTask struct {
	src source.Source
	versioned
	oppervlakte, status, gebruiksdoel source.Field
	bron                              validity.Relation
}

func (t *verblijfsobjectTask) Name() string          { return "verblijfsobject" }
func (t *verblijfsobjectTask) Source() source.Source { return t.src }

func (t *verblijfsobjectTask) Bind(schema *source.Schema) error {
	if err := t.versioned.bind(schema); err != nil {
		return err
	}
	fields, err := schema.Fields("oppervlakteVerblijfsobject", "status", "gebruiksdoel")
	if err != nil {
		return err
	}
	t.oppervlakte, t.status, t.gebruiksdoel = fields[0], fields[1], fields[2]
	rels, err := bindRelations(schema, relationSpec{"VBO/BRN", true})
	if err != nil {
		return err
	}
	t.bron = rels[0]
	return nil
}

func (t *verblijfsobjectTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if out, ok := t.check(env, row, t.bron); !ok {
		return out
	}
	oppervlakte, err := integer(row.Get(t.oppervlakte))
	if err != nil {
		return task.SkippedWithError(fmt.Sprintf("oppervlakte: %v", err))
	}
	bron, err := optionalRef(ctx, env, BagBron, t.bron, row)
	if err != nil {
		return task.Abort(err)
	}

	values := t.values(row)
	values["oppervlakte"] = oppervlakte
	values["status"] = text(row.Get(t.status))
	values["gebruiksdoel"] = text(row.Get(t.gebruiksdoel))
	values["bron_id"] = bron
	return create(env, BagVerblijfsobject, row.Get(t.key), values)
}

// verblijfsobjectGeometrieTask adds point geometry from the separate geometry file.
// Invalid geometry is a warning: the unit is kept without a location.
type verblijfsobjectGeometrieTask struct {
	src      source.Source
	key, wkt source.Field
}

func (t *verblijfsobjectGeometrieTask) Name() string          { return "verblijfsobject-geometrie" }
func (t *verblijfsobjectGeometrieTask) Source() source.Source { return t.src }

func (t *verblijfsobjectGeometrieTask) Bind(schema *source.Schema) error {
	fields, err := schema.Fields(source.WKTPairFields...)
	if err != nil {
		return err
	}
	t.key, t.wkt = fields[0], fields[1]
	return nil
}

func (t *verblijfsobjectGeometrieTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	vbo, err := env.Resolve(ctx, BagVerblijfsobject.Name, source.Unpad(row.Get(t.key), keyWidth), row)
	if err != nil {
		return task.Abort(err)
	}
	if !vbo.OK {
		return task.Skipped("unresolved verblijfsobject")
	}
	g, err := env.Geometry(ctx, row, row.Get(t.wkt), geometry.Point, task.Supplementary)
	if err != nil {
		return task.Skipped("geometry ignored")
	}
	return merge(env, BagVerblijfsobject, vbo.ID, map[string]any{"geometrie": g})
}

// hoofdadresTask links units to their main address.
type hoofdadresTask struct {
	src       source.Source
	num, vbo  validity.Relation
	relations []validity.Relation
}

func (t *hoofdadresTask) Name() string          { return "hoofdadres" }
func (t *hoofdadresTask) Source() source.Source { return t.src }

func (t *hoofdadresTask) Bind(schema *source.Schema) error {
	rels, err := bindRelations(schema,
		relationSpec{"NUMVBOVBO/NUM", false},
		relationSpec{"NUMVBOVBO/VBO", false},
	)
	if err != nil {
		return err
	}
	t.num, t.vbo, t.relations = rels[0], rels[1], rels
	return nil
}

func (t *hoofdadresTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if out, ok := relationsValid(env, row, t.relations...); !ok {
		return out
	}
	num, err := env.Resolve(ctx, BagNummeraanduiding.Name, t.num.Key(row), row)
	if err != nil {
		return task.Abort(err)
	}
	vbo, err := env.Resolve(ctx, BagVerblijfsobject.Name, t.vbo.Key(row), row)
	if err != nil {
		return task.Abort(err)
	}
	if !num.OK || !vbo.OK {
		return task.Skipped("unresolved relation")
	}
	return merge(env, BagVerblijfsobject, vbo.ID, map[string]any{"hoofdadres_id": num.ID})
}

// pandTask loads buildings. The footprint is the primary geometry: a building with
// an invalid footprint is dropped.
type pandTask struct {
	src source.Source
	versioned
	bouwjaar, status, geometrie source.Field
}

func (t *pandTask) Name() string          { return "pand" }
func (t *pandTask) Source() source.Source { return t.src }

func (t *pandTask) Bind(schema *source.Schema) error {
	if err := t.versioned.bind(schema); err != nil {
		return err
	}
	fields, err := schema.Fields("bouwjaar", "status", "geometrie")
	if err != nil {
		return err
	}
	t.bouwjaar, t.status, t.geometrie = fields[0], fields[1], fields[2]
	return nil
}

func (t *pandTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if out, ok := t.check(env, row); !ok {
		return out
	}
	g, err := env.Geometry(ctx, row, row.Get(t.geometrie), geometry.Polygon, task.Primary)
	if err != nil {
		return task.SkippedWithError(fmt.Sprintf("pand %s: %v", row.Get(t.id), err))
	}
	bouwjaar, err := integer(row.Get(t.bouwjaar))
	if err != nil {
		return task.SkippedWithError(fmt.Sprintf("bouwjaar: %v", err))
	}

	values := t.values(row)
	values["bouwjaar"] = bouwjaar
	values["status"] = text(row.Get(t.status))
	values["geometrie"] = g
	return create(env, BagPand, row.Get(t.key), values)
}

// After checks that every staged building carries a valid footprint in the
// project SRID. A violation aborts the job before anything is flushed.
func (t *pandTask) After(ctx context.Context, env *task.Env) error {
	return env.Cache.Each(BagPand.Name, func(r *record.Record) error {
		g, ok := r.Values["geometrie"].(geometry.Geometry)
		if !ok {
			return fmt.Errorf("pand %s staged without footprint", r.ID)
		}
		if g.SRID != env.Normalizer.SRID {
			return fmt.Errorf("pand %s: footprint in SRID %d, expected %d", r.ID, g.SRID, env.Normalizer.SRID)
		}
		if _, err := env.Normalizer.FromShape(g.Geom, geometry.Polygon); err != nil {
			return fmt.Errorf("pand %s: %w", r.ID, err)
		}
		return nil
	})
}

// verblijfsobjectPandTask links units to the buildings they are part of.
type verblijfsobjectPandTask struct {
	src       source.Source
	vbo, pand validity.Relation
	relations []validity.Relation
}

func (t *verblijfsobjectPandTask) Name() string          { return "verblijfsobject-pand" }
func (t *verblijfsobjectPandTask) Source() source.Source { return t.src }

func (t *verblijfsobjectPandTask) Bind(schema *source.Schema) error {
	rels, err := bindRelations(schema,
		relationSpec{"VBOPND/VBO", false},
		relationSpec{"VBOPND/PND", false},
	)
	if err != nil {
		return err
	}
	t.vbo, t.pand, t.relations = rels[0], rels[1], rels
	return nil
}

func (t *verblijfsobjectPandTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if out, ok := relationsValid(env, row, t.relations...); !ok {
		return out
	}
	vbo, err := env.Resolve(ctx, BagVerblijfsobject.Name, t.vbo.Key(row), row)
	if err != nil {
		return task.Abort(err)
	}
	pand, err := env.Resolve(ctx, BagPand.Name, t.pand.Key(row), row)
	if err != nil {
		return task.Abort(err)
	}
	if !vbo.OK || !pand.OK {
		return task.Skipped("unresolved relation")
	}

	id := vbo.ID + "_" + pand.ID
	if _, dup := env.Cache.Get(BagVerblijfsobjectPand.Name, id); dup {
		return task.Skipped("duplicate link")
	}
	return create(env, BagVerblijfsobjectPand, id, map[string]any{
		"verblijfsobject_id": vbo.ID,
		"pand_id":            pand.ID,
	})
}
