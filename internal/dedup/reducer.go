package dedup

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/listings-cli/internal/model"
	"github.com/sells-group/listings-cli/internal/normalize"
)

// Reducer groups a candidate pool into duplicate groups and merges them.
//
// Grouping is the transitive closure of Matcher.Similar: if A~B and B~C all
// three land in one group even when A and C are not similar. This can
// over-merge chains of generic names across a wide area; raise the name
// thresholds to trade recall for precision.
type Reducer struct {
	matcher Matcher
}

// NewReducer returns a Reducer using m.
func NewReducer(m Matcher) *Reducer {
	return &Reducer{matcher: m}
}

// Reduce partitions pool into duplicate groups. Every record appears in
// exactly one group, and the result does not depend on the order of pool.
func (r *Reducer) Reduce(pool []model.NormalizedRecord) []model.DuplicateGroup {
	sorted := slices.Clone(pool)
	slices.SortFunc(sorted, comparePool)

	uf := newUnionFind(len(sorted))
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if r.matcher.Similar(sorted[i], sorted[j]) {
				uf.union(i, j)
			}
		}
	}
	return buildGroups(sorted, uf)
}

// Consolidate reduces pool and merges each group, then keeps unioning groups
// whose merged records are still similar to one another until no pair of
// output records is similar. Groups and merged records are index-aligned.
func (r *Reducer) Consolidate(pool []model.NormalizedRecord) ([]model.DuplicateGroup, []model.MergedRecord) {
	groups := r.Reduce(pool)
	for {
		merged := make([]model.MergedRecord, len(groups))
		views := make([]model.NormalizedRecord, len(groups))
		for i, g := range groups {
			merged[i] = Merge(g)
			views[i] = AsNormalized(merged[i])
		}

		uf := newUnionFind(len(groups))
		joined := false
		for i := range views {
			for j := i + 1; j < len(views); j++ {
				if r.matcher.Similar(views[i], views[j]) {
					uf.union(i, j)
					joined = true
				}
			}
		}
		if !joined {
			return groups, merged
		}

		groups = joinGroups(groups, uf)
	}
}

// joinGroups merges groups sharing a union-find root. Roots are the lowest
// group index, so the joined groups keep first-member order.
func joinGroups(groups []model.DuplicateGroup, uf *unionFind) []model.DuplicateGroup {
	index := make(map[int]int)
	var out []model.DuplicateGroup
	for i, g := range groups {
		root := uf.find(i)
		oi, ok := index[root]
		if !ok {
			oi = len(out)
			index[root] = oi
			out = append(out, model.DuplicateGroup{})
		}
		out[oi].Members = append(out[oi].Members, g.Members...)
	}
	for i := range out {
		slices.SortFunc(out[i].Members, comparePool)
		out[i].Representative = Representative(out[i].Members)
	}
	return out
}

// Representative returns the index of the best record: most populated
// fields, then highest rating × reviews, then earliest strategy priority,
// then emission order.
func Representative(members []model.NormalizedRecord) int {
	best := 0
	for i := 1; i < len(members); i++ {
		if compareRank(members[i], members[best]) < 0 {
			best = i
		}
	}
	return best
}

// compareRank orders records best first.
func compareRank(a, b model.NormalizedRecord) int {
	return cmp.Or(
		-cmp.Compare(a.FieldCount(), b.FieldCount()),
		-cmp.Compare(a.Popularity(), b.Popularity()),
		cmp.Compare(a.Priority, b.Priority),
		cmp.Compare(a.Seq, b.Seq),
		strings.Compare(contentKey(a), contentKey(b)),
	)
}

// comparePool is a total order over record content used to make grouping
// independent of arrival order.
func comparePool(a, b model.NormalizedRecord) int {
	return cmp.Or(
		cmp.Compare(a.Priority, b.Priority),
		cmp.Compare(a.Seq, b.Seq),
		strings.Compare(contentKey(a), contentKey(b)),
	)
}

func contentKey(n model.NormalizedRecord) string {
	r := n.Raw
	return strings.Join([]string{
		n.NameKey, n.DisplayName, n.Phone, postcodeString(n.Postcode), n.Website, n.Host, n.Email,
		r.Source, r.SourceID, r.Name, r.Address, r.Phone, r.Website, r.Email, r.OpeningHours,
		strings.Join(r.Categories, ","),
		floatKey(r.Rating), intKey(r.ReviewCount), floatKey(r.Latitude), floatKey(r.Longitude),
		r.SearchTerm, r.SearchLocation,
	}, "\x1f")
}

func postcodeString(p *model.Postcode) string {
	if p == nil {
		return ""
	}
	return p.String()
}

func floatKey(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *f)
}

func intKey(i *int) string {
	if i == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *i)
}

// AsNormalized returns the comparable view of a merged record, so merged
// output can be fed back through the Matcher.
func AsNormalized(m model.MergedRecord) model.NormalizedRecord {
	key := normalize.NameKey(m.Name)
	return model.NormalizedRecord{
		DisplayName: m.Name,
		NameKey:     key,
		Tokens:      normalize.Tokens(key),
		Phone:       m.Phone,
		Postcode:    normalize.ExtractPostcode(m.Postcode),
		Website:     m.Website,
		Host:        m.Host,
		Email:       m.Email,
	}
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so roots are stable.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra == rb:
	case ra < rb:
		u.parent[rb] = ra
	default:
		u.parent[ra] = rb
	}
}

// buildGroups collects sorted records by union-find root, ordered by each
// group's first member.
func buildGroups(sorted []model.NormalizedRecord, uf *unionFind) []model.DuplicateGroup {
	index := make(map[int]int)
	var groups []model.DuplicateGroup
	for i, rec := range sorted {
		root := uf.find(i)
		gi, ok := index[root]
		if !ok {
			gi = len(groups)
			index[root] = gi
			groups = append(groups, model.DuplicateGroup{})
		}
		groups[gi].Members = append(groups[gi].Members, rec)
	}
	for i := range groups {
		groups[i].Representative = Representative(groups[i].Members)
	}
	return groups
}
