package dedup

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listings-cli/internal/model"
)

func ptrF(f float64) *float64 { return &f }
func ptrI(i int) *int         { return &i }

func normAt(t *testing.T, r model.RawRecord, seq int) model.NormalizedRecord {
	t.Helper()
	n, err := testNormalizer.Normalize(r, seq)
	require.NoError(t, err)
	return n
}

func fakePool(t *testing.T, seed int64, n int) []model.NormalizedRecord {
	t.Helper()
	f := gofakeit.New(seed)
	seqs := map[string]int{}
	pool := make([]model.NormalizedRecord, 0, n)
	for range n {
		r := fakeRecord(f)
		if f.Bool() {
			r.Rating = ptrF(f.Float64Range(1, 5))
			r.ReviewCount = ptrI(f.Number(0, 500))
		}
		if f.Bool() {
			r.Categories = []string{f.RandomString([]string{"cafe", "dentist", "bakery"})}
		}
		pool = append(pool, normAt(t, r, seqs[r.Source]))
		seqs[r.Source]++
	}
	return pool
}

func shuffled(f *gofakeit.Faker, pool []model.NormalizedRecord) []model.NormalizedRecord {
	out := make([]model.NormalizedRecord, len(pool))
	copy(out, pool)
	f.ShuffleAnySlice(out)
	return out
}

func TestReduceEmpty(t *testing.T) {
	r := NewReducer(NewMatcher(DefaultConfig()))
	assert.Empty(t, r.Reduce(nil))

	groups, merged := r.Consolidate(nil)
	assert.Empty(t, groups)
	assert.Empty(t, merged)
}

func TestReduceSharedPhoneMerges(t *testing.T) {
	r := NewReducer(NewMatcher(DefaultConfig()))
	pool := []model.NormalizedRecord{
		normAt(t, model.RawRecord{Name: "Acme Cafe", Phone: "+441611234567", Source: "broad_radius"}, 0),
		normAt(t, model.RawRecord{Name: "Acme Café Ltd", Phone: "+441611234567", Source: "keyword_variant"}, 0),
	}

	groups, merged := r.Consolidate(pool)
	require.Len(t, groups, 1)
	require.Len(t, merged, 1)
	assert.Len(t, groups[0].Members, 2)
	assert.Equal(t, []string{"broad_radius", "keyword_variant"}, merged[0].Sources)
	assert.Equal(t, "+441611234567", merged[0].Phone)
}

func TestReduceSameNameDifferentAreasStaySeparate(t *testing.T) {
	r := NewReducer(NewMatcher(DefaultConfig()))
	pool := []model.NormalizedRecord{
		normAt(t, model.RawRecord{Name: "City Dental", Address: "1 Oxford Rd, Manchester M1 1AA", Source: "broad_radius"}, 0),
		normAt(t, model.RawRecord{Name: "City Dental", Address: "2 Whitehall, London SW1A 1AA", Source: "keyword_variant"}, 0),
	}

	_, merged := r.Consolidate(pool)
	require.Len(t, merged, 2)
	assert.NotEqual(t, merged[0].Postcode, merged[1].Postcode)
}

func TestReduceTransitiveChain(t *testing.T) {
	r := NewReducer(NewMatcher(DefaultConfig()))
	// A~B by phone, B~C by host, A and C share nothing.
	a := normAt(t, model.RawRecord{Name: "Alpha", Phone: "0161 111 1111", Source: "broad_radius"}, 0)
	b := normAt(t, model.RawRecord{Name: "Beta", Phone: "0161 111 1111", Website: "beta.co.uk", Source: "broad_radius"}, 1)
	c := normAt(t, model.RawRecord{Name: "Gamma", Website: "www.beta.co.uk", Source: "known_entity"}, 0)

	m := NewMatcher(DefaultConfig())
	require.False(t, m.Similar(a, c))

	groups := r.Reduce([]model.NormalizedRecord{a, c, b})
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 3)
}

func TestRepresentativeTieBreak(t *testing.T) {
	sparse := normAt(t, model.RawRecord{Name: "Acme", Phone: "0161 123 4567", Source: "broad_radius"}, 0)
	rich := normAt(t, model.RawRecord{Name: "Acme Cafe", Phone: "0161 123 4567", Website: "acme.co.uk", Source: "alt_subdivision"}, 0)
	assert.Equal(t, 1, Representative([]model.NormalizedRecord{sparse, rich}))

	// Equal fields: popularity wins.
	low := normAt(t, model.RawRecord{Name: "Acme", Phone: "0161 123 4567", Rating: ptrF(5), ReviewCount: ptrI(2), Source: "broad_radius"}, 0)
	high := normAt(t, model.RawRecord{Name: "Acme Ltd", Phone: "0161 123 4567", Rating: ptrF(4), ReviewCount: ptrI(100), Source: "known_entity"}, 0)
	assert.Equal(t, 1, Representative([]model.NormalizedRecord{low, high}))

	// Equal fields and popularity: strategy priority wins.
	first := normAt(t, model.RawRecord{Name: "Acme", Phone: "0161 123 4567", Source: "keyword_variant"}, 5)
	later := normAt(t, model.RawRecord{Name: "Acme Ltd", Phone: "0161 123 4567", Source: "known_entity"}, 0)
	assert.Equal(t, 1, Representative([]model.NormalizedRecord{later, first}))

	// Same strategy: emission order wins.
	e0 := normAt(t, model.RawRecord{Name: "Acme", Phone: "0161 123 4567", Source: "broad_radius"}, 0)
	e1 := normAt(t, model.RawRecord{Name: "Acme Ltd", Phone: "0161 123 4567", Source: "broad_radius"}, 1)
	assert.Equal(t, 1, Representative([]model.NormalizedRecord{e1, e0}))
}

func TestReduceCoverage(t *testing.T) {
	r := NewReducer(NewMatcher(DefaultConfig()))
	pool := fakePool(t, 11, 150)

	groups := r.Reduce(pool)
	total := 0
	seen := map[string]int{}
	for _, g := range groups {
		require.NotEmpty(t, g.Members)
		require.GreaterOrEqual(t, g.Representative, 0)
		require.Less(t, g.Representative, len(g.Members))
		for _, m := range g.Members {
			seen[contentKey(m)]++
			total++
		}
	}
	assert.Equal(t, len(pool), total)
	for _, p := range pool {
		assert.Positive(t, seen[contentKey(p)])
	}

	groups, merged := r.Consolidate(pool)
	total = 0
	for _, g := range groups {
		total += len(g.Members)
	}
	assert.Equal(t, len(pool), total)
	assert.Len(t, merged, len(groups))
}

func TestConsolidateOrderIndependent(t *testing.T) {
	r := NewReducer(NewMatcher(DefaultConfig()))
	pool := fakePool(t, 99, 120)
	_, want := r.Consolidate(pool)

	f := gofakeit.New(5)
	for range 10 {
		_, got := r.Consolidate(shuffled(f, pool))
		require.Equal(t, want, got)
	}
}

func TestConsolidateIdempotent(t *testing.T) {
	m := NewMatcher(DefaultConfig())
	r := NewReducer(m)

	for _, seed := range []int64{1, 2, 3, 4, 5} {
		_, merged := r.Consolidate(fakePool(t, seed, 100))

		views := make([]model.NormalizedRecord, len(merged))
		for i, rec := range merged {
			views[i] = AsNormalized(rec)
		}
		for i := range views {
			for j := i + 1; j < len(views); j++ {
				require.False(t, m.Similar(views[i], views[j]), "seed %d: %q ~ %q", seed, merged[i].Name, merged[j].Name)
			}
		}

		again := r.Reduce(views)
		assert.Len(t, again, len(views), "seed %d", seed)
	}
}

func TestConsolidateJoinsGroupsLinkedByMergedFields(t *testing.T) {
	r := NewReducer(NewMatcher(DefaultConfig()))
	// "Acme Cafe" and "Acme Cafe Ltd" share 2/3 tokens: only similar when
	// both carry postcodes in the same outward code. Each name-bearing
	// record lacks a postcode, but its phone-linked partner supplies one.
	pool := []model.NormalizedRecord{
		normAt(t, model.RawRecord{Name: "Acme Cafe", Phone: "0161 000 0001", Website: "acme-one.co.uk", Rating: ptrF(4), OpeningHours: "9-5", Source: "broad_radius"}, 0),
		normAt(t, model.RawRecord{Name: "Shop One", Phone: "0161 000 0001", Address: "Manchester M1 1AA", Source: "broad_radius"}, 1),
		normAt(t, model.RawRecord{Name: "Acme Cafe Ltd", Phone: "0161 000 0002", Website: "acme-two.co.uk", Rating: ptrF(4), OpeningHours: "9-5", Source: "keyword_variant"}, 0),
		normAt(t, model.RawRecord{Name: "Shop Two", Phone: "0161 000 0002", Address: "Manchester M1 2BB", Source: "keyword_variant"}, 1),
	}

	assert.Len(t, r.Reduce(pool), 2)

	groups, merged := r.Consolidate(pool)
	require.Len(t, merged, 1)
	assert.Len(t, groups[0].Members, 4)
}

func TestMergePrefersPopulatedFields(t *testing.T) {
	rich := normAt(t, model.RawRecord{
		Name:       "Acme Cafe",
		Phone:      "0161 123 4567",
		Website:    "https://facebook.com/acme",
		Rating:     ptrF(4.5),
		Categories: []string{"cafe"},
		Source:     "broad_radius",
		SourceID:   "place-1",
	}, 0)
	other := normAt(t, model.RawRecord{
		Name:         "ACME CAFE",
		Address:      "Address: 1 High St,  Manchester M1 1AA",
		Phone:        "0161 123 4567",
		Website:      "acme.co.uk",
		Email:        "hi@acme.co.uk",
		OpeningHours: "Mon-Fri 8-6",
		Categories:   []string{"coffee shop", "cafe"},
		Latitude:     ptrF(53.48),
		Longitude:    ptrF(-2.24),
		Source:       "known_entity",
	}, 0)

	g := model.DuplicateGroup{Members: []model.NormalizedRecord{rich, other}}
	g.Representative = Representative(g.Members)
	m := Merge(g)

	assert.Equal(t, "ACME CAFE", m.Name, "other has more fields")
	assert.Equal(t, "1 High St, Manchester M1 1AA", m.Address)
	assert.Equal(t, "M1 1AA", m.Postcode)
	assert.Equal(t, "+441611234567", m.Phone)
	assert.Equal(t, "https://acme.co.uk", m.Website)
	assert.Equal(t, "acme.co.uk", m.Host)
	assert.Equal(t, "hi@acme.co.uk", m.Email)
	assert.Equal(t, "Mon-Fri 8-6", m.OpeningHours)
	require.NotNil(t, m.Rating)
	assert.Equal(t, 4.5, *m.Rating)
	assert.Nil(t, m.ReviewCount)
	assert.Equal(t, []string{"cafe", "coffee shop"}, m.Categories)
	assert.Equal(t, []string{"broad_radius", "known_entity"}, m.Sources)
	assert.Equal(t, []string{"place-1"}, m.SourceIDs)
	require.NotNil(t, m.Latitude)
	assert.Equal(t, 53.48, *m.Latitude)
}

func TestMergeSharedHostOnly(t *testing.T) {
	only := normAt(t, model.RawRecord{Name: "Acme", Website: "https://facebook.com/acme", Source: "broad_radius"}, 0)
	m := Merge(model.DuplicateGroup{Members: []model.NormalizedRecord{only}})
	assert.Equal(t, "https://facebook.com/acme", m.Website)
	assert.Empty(t, m.Host)
}
