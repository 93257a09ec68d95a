package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/store"
)

var (
	bronType = &record.EntityType{
		Name:           "bag_bron",
		Columns:        []record.Column{{Name: "id", Kind: record.KindText}, {Name: "omschrijving", Kind: record.KindText}},
		ReplaceEachRun: true,
	}
	oprType = &record.EntityType{
		Name:             "bag_openbare_ruimte",
		NaturalKeyColumn: "landelijk_id",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "landelijk_id", Kind: record.KindText},
			{Name: "naam", Kind: record.KindText},
		},
	}
	numType = &record.EntityType{
		Name: "bag_nummeraanduiding",
		Columns: []record.Column{
			{Name: "id", Kind: record.KindText},
			{Name: "huisnummer", Kind: record.KindInt},
			{Name: "openbare_ruimte_id", Kind: record.KindText},
		},
		DependsOn: []string{"bag_openbare_ruimte"},
	}
)

// Declared child first so flush order has to come from DependsOn.
func testCatalog() *record.Catalog {
	return record.MustCatalog(numType, oprType, bronType)
}

// recordingStore counts store calls and records the order of inserted types.
// Inserts of failType fail once failAfter batches of it were written.
type recordingStore struct {
	*store.Memory
	lookups   int
	probes    int
	inserts   []string
	batches   []int
	failType  string
	failAfter int
	written   int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Memory: store.NewMemory()}
}

func (s *recordingStore) LookupID(ctx context.Context, t *record.EntityType, key string) (string, bool, error) {
	s.lookups++
	return s.Memory.LookupID(ctx, t, key)
}

func (s *recordingStore) Exists(ctx context.Context, t *record.EntityType, id string) (bool, error) {
	s.probes++
	return s.Memory.Exists(ctx, t, id)
}

func (s *recordingStore) InsertBatch(ctx context.Context, t *record.EntityType, recs []*record.Record) error {
	if t.Name == s.failType {
		if s.written >= s.failAfter {
			return errors.New("connection reset by peer")
		}
		s.written++
	}
	s.inserts = append(s.inserts, t.Name)
	s.batches = append(s.batches, len(recs))
	return s.Memory.InsertBatch(ctx, t, recs)
}

func TestCreate_DuplicateCode(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	c := New(testCatalog(), st)

	require.NoError(t, c.Create(record.New(bronType, "20", map[string]any{"omschrijving": "Geconstateerd"})))
	err := c.Create(record.New(bronType, "20", map[string]any{"omschrijving": "Tweede"}))
	require.ErrorIs(t, err, ErrDuplicate)
	require.Contains(t, err.Error(), "bag_bron")

	stats, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Created())

	r, ok := st.Get(bronType, "20")
	require.True(t, ok)
	require.Equal(t, "Geconstateerd", r.Values["omschrijving"], "first create wins")
}

func TestResolveID_ForwardReference(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	c := New(testCatalog(), st)

	_, ok, err := c.ResolveID(ctx, "bag_openbare_ruimte", "OPR-123")
	require.NoError(t, err)
	require.False(t, ok)

	opr := record.New(oprType, "03633000000001", map[string]any{"landelijk_id": "OPR-123", "naam": "Dam"})
	require.NoError(t, c.Create(opr))

	id, ok, err := c.ResolveID(ctx, "bag_openbare_ruimte", "OPR-123")
	require.NoError(t, err)
	require.True(t, ok, "staged create must resolve before flush")
	require.Equal(t, "03633000000001", id)

	require.NoError(t, c.Create(record.New(numType, "N1", map[string]any{"huisnummer": 1, "openbare_ruimte_id": id})))

	n, _ := st.Count(ctx, oprType)
	require.Zero(t, n, "create must not touch the store")

	stats, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Created())
	require.Equal(t, []string{"bag_openbare_ruimte", "bag_nummeraanduiding"}, st.inserts)

	_, ok = c.Get("bag_openbare_ruimte", "OPR-123")
	require.False(t, ok, "cache is empty after flush")

	id, ok, err = c.ResolveID(ctx, "bag_openbare_ruimte", "OPR-123")
	require.NoError(t, err)
	require.True(t, ok, "resolves from the store after flush")
	require.Equal(t, "03633000000001", id)
}

func TestResolveID_MemoizesStoreLookups(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	require.NoError(t, st.Memory.InsertBatch(ctx, oprType, []*record.Record{
		record.New(oprType, "1", map[string]any{"landelijk_id": "OPR-1"}),
	}))
	c := New(testCatalog(), st)

	for i := 0; i < 3; i++ {
		id, ok, err := c.ResolveID(ctx, "bag_openbare_ruimte", "OPR-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "1", id)
		_, ok, err = c.ResolveID(ctx, "bag_openbare_ruimte", "OPR-2")
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 2, st.lookups)

	_, _, err := c.ResolveID(ctx, "nope", "x")
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestResolveID_KeyedByPrimaryKey(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	require.NoError(t, st.Memory.InsertBatch(ctx, numType, []*record.Record{
		record.New(numType, "NUM-1", map[string]any{"huisnummer": int64(1)}),
	}))
	c := New(testCatalog(), st)

	id, ok, err := c.ResolveID(ctx, "bag_nummeraanduiding", "NUM-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "NUM-1", id)

	_, ok, err = c.ResolveID(ctx, "bag_nummeraanduiding", "NUM-2")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 2, st.probes, "types without a natural key column are probed by primary key")
	require.Zero(t, st.lookups)
}

func TestMergeExisting(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	require.NoError(t, st.Memory.InsertBatch(ctx, oprType, []*record.Record{
		record.New(oprType, "persisted", map[string]any{"landelijk_id": "P", "naam": "Oud"}),
	}))
	c := New(testCatalog(), st)

	require.NoError(t, c.Create(record.New(oprType, "staged", map[string]any{"landelijk_id": "S", "naam": "Nieuw"})))
	require.NoError(t, c.MergeExisting("bag_openbare_ruimte", "staged", map[string]any{"naam": "Eerste"}))
	require.NoError(t, c.MergeExisting("bag_openbare_ruimte", "staged", map[string]any{"naam": "Tweede"}))
	require.NoError(t, c.MergeExisting("bag_openbare_ruimte", "persisted", map[string]any{"naam": "Bijgewerkt"}))
	require.NoError(t, c.MergeExisting("bag_openbare_ruimte", "ghost", map[string]any{"naam": "Weg"}))

	require.Error(t, c.MergeExisting("bag_openbare_ruimte", "staged", map[string]any{"onbekend": 1}))
	require.Error(t, c.MergeExisting("bag_openbare_ruimte", "staged", map[string]any{"id": "x"}))
	require.ErrorIs(t, c.MergeExisting("bag_openbare_ruimte", "staged", map[string]any{}), ErrEmptyMerge)
	require.ErrorIs(t, c.MergeExisting("bag_openbare_ruimte", "staged", nil), ErrEmptyMerge)

	require.Equal(t, []Staged{{Type: "bag_openbare_ruimte", Creates: 1, Merges: 3}}, c.Stats())

	stats, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, []MissingMerge{{Type: "bag_openbare_ruimte", ID: "ghost"}}, stats.Missing)
	require.Equal(t, 3, stats.Merged())

	r, _ := st.Get(oprType, "staged")
	require.Equal(t, "Tweede", r.Values["naam"], "merges apply in submission order")
	r, _ = st.Get(oprType, "persisted")
	require.Equal(t, "Bijgewerkt", r.Values["naam"])
	require.Empty(t, c.Stats())
}

func TestFlush_Batches(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	c := New(testCatalog(), st, WithBatchSize(2))

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Create(record.New(bronType, fmt.Sprint(i), nil)))
	}
	stats, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Created())
	require.Equal(t, []int{2, 2, 1}, st.batches)
}

func TestFlush_StoreFailureKeepsRemainingWork(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	st.failType = "bag_nummeraanduiding"
	c := New(testCatalog(), st)

	require.NoError(t, c.Create(record.New(oprType, "O1", map[string]any{"landelijk_id": "O1"})))
	require.NoError(t, c.Create(record.New(numType, "N1", nil)))

	stats, err := c.Flush(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bag_nummeraanduiding")
	require.Equal(t, 1, stats.Created())
	require.Equal(t, []Staged{{Type: "bag_nummeraanduiding", Creates: 1}}, c.Stats())
}

func TestFlush_PartialTypeIsReported(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	st.failType = "bag_bron"
	st.failAfter = 2
	c := New(testCatalog(), st, WithBatchSize(2))

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Create(record.New(bronType, fmt.Sprint(i), nil)))
	}
	stats, err := c.Flush(ctx)
	require.Error(t, err)
	require.Equal(t, []TypeFlush{{Type: "bag_bron", Created: 4}}, stats.Types)

	n, err := st.Count(ctx, bronType)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.Equal(t, []Staged{{Type: "bag_bron", Creates: 5}}, c.Stats())
}

func TestEach(t *testing.T) {
	c := New(testCatalog(), newRecordingStore())
	require.NoError(t, c.Create(record.New(bronType, "20", nil)))
	require.NoError(t, c.Create(record.New(bronType, "30", nil)))

	var ids []string
	require.NoError(t, c.Each("bag_bron", func(r *record.Record) error {
		ids = append(ids, r.ID)
		return nil
	}))
	require.Equal(t, []string{"20", "30"}, ids)

	stop := errors.New("stop")
	calls := 0
	err := c.Each("bag_bron", func(*record.Record) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)

	require.NoError(t, c.Each("bag_nummeraanduiding", func(*record.Record) error { return stop }))
	require.ErrorIs(t, c.Each("nope", nil), ErrUnknownType)
}

// Staging a merge before or after an intermediate flush leaves the same persisted state.
func TestMerge_CommutesWithFlushProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		n := rapid.IntRange(1, 10).Draw(t, "records")
		names := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,6}`), 1, 20).Draw(t, "merges")
		targets := make([]int, len(names))
		for i := range names {
			targets[i] = rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("target%d", i))
		}
		split := rapid.IntRange(0, len(names)).Draw(t, "split")

		run := func(flushAt int) *store.Memory {
			st := store.NewMemory()
			c := New(testCatalog(), st)
			for i := 0; i < n; i++ {
				if err := c.Create(record.New(oprType, fmt.Sprint(i), map[string]any{"landelijk_id": fmt.Sprint("L", i)})); err != nil {
					t.Fatal(err)
				}
			}
			for i, name := range names {
				if i == flushAt {
					if _, err := c.Flush(ctx); err != nil {
						t.Fatal(err)
					}
				}
				if err := c.MergeExisting("bag_openbare_ruimte", fmt.Sprint(targets[i]), map[string]any{"naam": name}); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := c.Flush(ctx); err != nil {
				t.Fatal(err)
			}
			return st
		}

		early, late := run(split), run(-1)
		for i := 0; i < n; i++ {
			a, _ := early.Get(oprType, fmt.Sprint(i))
			b, _ := late.Get(oprType, fmt.Sprint(i))
			if a.Values["naam"] != b.Values["naam"] {
				t.Fatalf("record %d: %v != %v", i, a.Values["naam"], b.Values["naam"])
			}
		}
	})
}
