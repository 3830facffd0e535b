package reduce

import (
	"sort"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
)

// Distinct merges per-shard distinct-value lists into one deduplicated,
// ordered value set. Equality and ordering follow the comparer handed to
// Reduce: the command's requested collation when present, otherwise the
// collection's default collation, otherwise binary.
//
// Unlike the stats merge, any failed shard aborts the whole operation with
// that shard's error: a partial distinct result would silently hide values.
type Distinct struct{}

// Reduce implements Strategy.
func (Distinct) Reduce(responses []dispatch.Response, cmp *collation.Comparer) (Result, error) {
	if cmp == nil {
		cmp = collation.Simple()
	}

	set := newOrderedSet(cmp)
	for _, resp := range responses {
		if !resp.OK {
			return failed(resp, resp.Message), nil
		}
		for _, v := range resp.Body.Array("values") {
			set.insert(v)
		}
	}

	return Result{
		Body: document.Doc{"values": set.values},
		OK:   true,
	}, nil
}

// orderedSet keeps values sorted under a comparer, collapsing duplicates on
// insert. Iteration order is the comparer's order, re-numbered from zero in
// the output array.
type orderedSet struct {
	cmp    *collation.Comparer
	values []any
}

func newOrderedSet(cmp *collation.Comparer) *orderedSet {
	return &orderedSet{cmp: cmp}
}

func (s *orderedSet) insert(v any) {
	i := sort.Search(len(s.values), func(i int) bool {
		return s.cmp.Compare(s.values[i], v) >= 0
	})
	if i < len(s.values) && s.cmp.Equal(s.values[i], v) {
		return // duplicate under the active collation
	}
	s.values = append(s.values, nil)
	copy(s.values[i+1:], s.values[i:])
	s.values[i] = v
}
