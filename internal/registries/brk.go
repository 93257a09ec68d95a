package registries

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Amsterdam/bag-services/internal/geometry"
	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/source"
	"github.com/Amsterdam/bag-services/internal/task"
)

// BRK entity types.
var (
	BrkKadastraalObject = &record.EntityType{
		Name:             "brk_kadastraal_object",
		NaturalKeyColumn: "aanduiding",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "aanduiding", Kind: record.KindText},
			{Name: "gemeentecode", Kind: record.KindText},
			{Name: "sectie", Kind: record.KindText},
			{Name: "perceelnummer", Kind: record.KindInt},
			{Name: "indexletter", Kind: record.KindText},
			{Name: "indexnummer", Kind: record.KindInt},
			{Name: "grootte", Kind: record.KindInt},
			{Name: "cultuurcode", Kind: record.KindText},
			{Name: "geometrie", Kind: record.KindGeometry},
		},
		ReplaceEachRun: true,
		Searchable:     true,
		DisplayColumns: []string{"aanduiding"},
	}

	BrkZakelijkRecht = &record.EntityType{
		Name: "brk_zakelijk_recht",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "kadastraal_object_id", Kind: record.KindText},
			{Name: "aard", Kind: record.KindText},
			{Name: "aandeel_teller", Kind: record.KindInt},
			{Name: "aandeel_noemer", Kind: record.KindInt},
		},
		DependsOn:      []string{"brk_kadastraal_object"},
		ReplaceEachRun: true,
	}

	BrkBeperking = &record.EntityType{
		Name: "brk_beperking",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "code", Kind: record.KindText},
			{Name: "omschrijving", Kind: record.KindText},
			{Name: "begin_geldigheid", Kind: record.KindDate},
			{Name: "einde_geldigheid", Kind: record.KindDate},
		},
		ReplaceEachRun: true,
	}

	BrkBeperkingKadastraalObject = &record.EntityType{
		Name: "brk_beperking_kadastraal_object",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "beperking_id", Kind: record.KindText},
			{Name: "kadastraal_object_id", Kind: record.KindText},
		},
		DependsOn:      []string{"brk_beperking", "brk_kadastraal_object"},
		ReplaceEachRun: true,
	}

	BrkCatalog = record.MustCatalog(
		BrkKadastraalObject,
		BrkZakelijkRecht,
		BrkBeperking,
		BrkBeperkingKadastraalObject,
	)
)

func init() {
	Register(Definition{
		Name:        "brk",
		Description: "Parcels, rights and restrictions (BRK)",
		DirName:     "brk",
		Catalog:     BrkCatalog,
		Build:       BuildBRK,
	})
}

// Parcel designation columns shared by the BRK extracts.
var parcelColumns = []string{"KAD_GEMEENTECODE", "SECTIE", "PERCEELNUMMER", "INDEXLETTER", "INDEXNUMMER"}

// BuildBRK returns the BRK job reading extracts from opts.Dir.
func BuildBRK(opts Options) task.Job {
	return task.Job{
		Name:    "brk",
		Catalog: BrkCatalog,
		Tasks: []task.Task{
			task.DeleteAll("delete-brk"),
			&kadastraalObjectTask{src: csvFile(opts, "BRK_KOT_*.csv", "BRK_KOT_ID", "KAD_GEMEENTECODE")},
			&kadastraalObjectGeometrieTask{src: source.Newest(opts.Dir, "BRK_PERCEEL*.shp", func(path string) source.Source {
				return source.Shapefile{Path: path}
			})},
			&zakelijkRechtTask{src: csvFile(opts, "BRK_ZRT_*.csv", "BRK_ZRT_ID", "KAD_GEMEENTECODE")},
			&beperkingTask{src: csvFile(opts, "BRK_BEP_*.csv", "BEPERKING_ID", "BEPERKINGCODE")},
			&beperkingObjectTask{src: csvFile(opts, "BRK_BEPKOT_*.csv", "BEPERKING_ID", "KAD_GEMEENTECODE")},
			task.Flush(),
		},
	}
}

// Aanduiding builds the designation of a parcel: municipality code, section,
// parcel number padded to five digits, index letter and index number padded to four.
func Aanduiding(gemeente, sectie, perceel, letter, index string) (string, error) {
	gemeente, sectie, letter = strings.TrimSpace(gemeente), strings.TrimSpace(sectie), strings.TrimSpace(letter)
	if gemeente == "" || sectie == "" || letter == "" {
		return "", fmt.Errorf("incomplete parcel designation")
	}
	p, err := strconv.Atoi(strings.TrimSpace(perceel))
	if err != nil || p < 0 {
		return "", fmt.Errorf("invalid parcel number %q", perceel)
	}
	i, err := strconv.Atoi(strings.TrimSpace(index))
	if err != nil || i < 0 {
		return "", fmt.Errorf("invalid index number %q", index)
	}
	return fmt.Sprintf("%s%s%05d%s%04d", strings.ToUpper(gemeente), strings.ToUpper(sectie), p, strings.ToUpper(letter), i), nil
}

// parcel holds the field handles of the parcel designation columns.
type parcel struct {
	gemeente, sectie, perceel, letter, index source.Field
}

func (p *parcel) bind(schema *source.Schema) error {
	fields, err := schema.Fields(parcelColumns...)
	if err != nil {
		return err
	}
	p.gemeente, p.sectie, p.perceel, p.letter, p.index = fields[0], fields[1], fields[2], fields[3], fields[4]
	return nil
}

func (p *parcel) aanduiding(row source.Row) (string, error) {
	return Aanduiding(row.Get(p.gemeente), row.Get(p.sectie), row.Get(p.perceel), row.Get(p.letter), row.Get(p.index))
}

// resolve looks up the parcel a row refers to.
func (p *parcel) resolve(ctx context.Context, env *task.Env, row source.Row) (string, task.Outcome, bool) {
	key, err := p.aanduiding(row)
	if err != nil {
		return "", task.SkippedWithError(err.Error()), false
	}
	ref, err := env.Resolve(ctx, BrkKadastraalObject.Name, key, row)
	if err != nil {
		return "", task.Abort(err), false
	}
	if !ref.OK {
		return "", task.Skipped("unresolved kadastraal object"), false
	}
	return ref.ID, task.Outcome{}, true
}

type kadastraalObjectTask struct {
	src source.Source
	parcel
	id, grootte, cultuurcode source.Field
}

func (t *kadastraalObjectTask) Name() string          { return "kadastraal-object" }
func (t *kadastraalObjectTask) Source() source.Source { return t.src }

func (t *kadastraalObjectTask) Bind(schema *source.Schema) error {
	if err := t.parcel.bind(schema); err != nil {
		return err
	}
	fields, err := schema.Fields("BRK_KOT_ID", "GROOTTE", "CULTUURCODE")
	if err != nil {
		return err
	}
	t.id, t.grootte, t.cultuurcode = fields[0], fields[1], fields[2]
	return nil
}

func (t *kadastraalObjectTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	key, err := t.aanduiding(row)
	if err != nil {
		return task.SkippedWithError(err.Error())
	}
	grootte, err := integer(row.Get(t.grootte))
	if err != nil {
		return task.SkippedWithError(fmt.Sprintf("grootte: %v", err))
	}
	perceel, _ := integer(row.Get(t.perceel))
	index, _ := integer(row.Get(t.index))

	return create(env, BrkKadastraalObject, row.Get(t.id), map[string]any{
		"aanduiding":    key,
		"gemeentecode":  text(strings.ToUpper(row.Get(t.gemeente))),
		"sectie":        text(strings.ToUpper(row.Get(t.sectie))),
		"perceelnummer": perceel,
		"indexletter":   text(strings.ToUpper(row.Get(t.letter))),
		"indexnummer":   index,
		"grootte":       grootte,
		"cultuurcode":   text(row.Get(t.cultuurcode)),
	})
}

// kadastraalObjectGeometrieTask merges parcel outlines from the cadastral map.
// Map features only cover whole parcels (index letter G).
type kadastraalObjectGeometrieTask struct {
	src                      source.Source
	gemeente, sectie, nummer source.Field
}

func (t *kadastraalObjectGeometrieTask) Name() string          { return "kadastraal-object-geometrie" }
func (t *kadastraalObjectGeometrieTask) Source() source.Source { return t.src }

func (t *kadastraalObjectGeometrieTask) Bind(schema *source.Schema) error {
	fields, err := schema.Fields("AKRKADGEM", "SECTIE", "PERCEELNUM")
	if err != nil {
		return err
	}
	t.gemeente, t.sectie, t.nummer = fields[0], fields[1], fields[2]
	return nil
}

func (t *kadastraalObjectGeometrieTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	key, err := Aanduiding(row.Get(t.gemeente), row.Get(t.sectie), row.Get(t.nummer), "G", "0")
	if err != nil {
		return task.SkippedWithError(err.Error())
	}
	ref, err := env.Resolve(ctx, BrkKadastraalObject.Name, key, row)
	if err != nil {
		return task.Abort(err)
	}
	if !ref.OK {
		return task.Skipped("unresolved kadastraal object")
	}
	g, err := env.Shape(ctx, row, row.Shape(), geometry.MultiPolygon, task.Supplementary)
	if err != nil {
		return task.Skipped("geometry ignored")
	}
	return merge(env, BrkKadastraalObject, ref.ID, map[string]any{"geometrie": g})
}

type zakelijkRechtTask struct {
	src source.Source
	parcel
	id, aard, teller, noemer source.Field
}

func (t *zakelijkRechtTask) Name() string          { return "zakelijk-recht" }
func (t *zakelijkRechtTask) Source() source.Source { return t.src }

func (t *zakelijkRechtTask) Bind(schema *source.Schema) error {
	if err := t.parcel.bind(schema); err != nil {
		return err
	}
	fields, err := schema.Fields("BRK_ZRT_ID", "AARD_ZAKELIJK_RECHT", "AANDEEL_TELLER", "AANDEEL_NOEMER")
	if err != nil {
		return err
	}
	t.id, t.aard, t.teller, t.noemer = fields[0], fields[1], fields[2], fields[3]
	return nil
}

func (t *zakelijkRechtTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	kot, out, ok := t.resolve(ctx, env, row)
	if !ok {
		return out
	}
	teller, err := integer(row.Get(t.teller))
	if err != nil {
		return task.SkippedWithError(fmt.Sprintf("aandeel: %v", err))
	}
	noemer, err := integer(row.Get(t.noemer))
	if err != nil {
		return task.SkippedWithError(fmt.Sprintf("aandeel: %v", err))
	}
	if n, ok := noemer.(int64); ok && n == 0 {
		return task.SkippedWithError("aandeel: zero denominator")
	}

	return create(env, BrkZakelijkRecht, row.Get(t.id), map[string]any{
		"kadastraal_object_id": kot,
		"aard":                 text(row.Get(t.aard)),
		"aandeel_teller":       teller,
		"aandeel_noemer":       noemer,
	})
}

// beperkingTask loads land-use restrictions valid on the effective date.
type beperkingTask struct {
	src                                source.Source
	id, code, omschrijving, begin, end source.Field
}

func (t *beperkingTask) Name() string          { return "beperking" }
func (t *beperkingTask) Source() source.Source { return t.src }

func (t *beperkingTask) Bind(schema *source.Schema) error {
	fields, err := schema.Fields("BEPERKING_ID", "BEPERKINGCODE", "BEPERKING_OMS", "BEGINDATUM", "EINDDATUM")
	if err != nil {
		return err
	}
	t.id, t.code, t.omschrijving, t.begin, t.end = fields[0], fields[1], fields[2], fields[3], fields[4]
	return nil
}

func (t *beperkingTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	if out, ok := within(env, row, t.begin, t.end); !ok {
		return out
	}
	return create(env, BrkBeperking, row.Get(t.id), map[string]any{
		"code":             text(row.Get(t.code)),
		"omschrijving":     text(row.Get(t.omschrijving)),
		"begin_geldigheid": date(row.Get(t.begin)),
		"einde_geldigheid": date(row.Get(t.end)),
	})
}

// beperkingObjectTask links restrictions to the parcels they apply to.
type beperkingObjectTask struct {
	src source.Source
	parcel
	beperking source.Field

	beperkingen map[string]struct{}
}

func (t *beperkingObjectTask) Name() string          { return "beperking-object" }
func (t *beperkingObjectTask) Source() source.Source { return t.src }

func (t *beperkingObjectTask) Bind(schema *source.Schema) error {
	if err := t.parcel.bind(schema); err != nil {
		return err
	}
	f, err := schema.Field("BEPERKING_ID")
	if err != nil {
		return err
	}
	t.beperking = f
	return nil
}

// Before loads the ids of the restrictions staged by the beperking task, which are
// exactly those valid on the effective date.
func (t *beperkingObjectTask) Before(ctx context.Context, env *task.Env) error {
	t.beperkingen = make(map[string]struct{})
	return env.Cache.Each(BrkBeperking.Name, func(r *record.Record) error {
		t.beperkingen[r.ID] = struct{}{}
		return nil
	})
}

func (t *beperkingObjectTask) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
	bep := row.Get(t.beperking)
	if _, ok := t.beperkingen[bep]; !ok {
		if bep != "" {
			env.Warn(ctx, row, "beperking %q unknown or not valid on effective date", bep)
		}
		return task.Skipped("unresolved beperking")
	}
	kot, out, ok := t.resolve(ctx, env, row)
	if !ok {
		return out
	}

	id := bep + "_" + kot
	if _, dup := env.Cache.Get(BrkBeperkingKadastraalObject.Name, id); dup {
		return task.Skipped("duplicate link")
	}
	return create(env, BrkBeperkingKadastraalObject, id, map[string]any{
		"beperking_id":         bep,
		"kadastraal_object_id": kot,
	})
}
