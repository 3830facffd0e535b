package reduce

import (
	"container/heap"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
)

// DefaultNearLimit is the result limit applied when the command specifies
// neither "num" nor "limit".
const DefaultNearLimit = 100

// TopK merges per-shard nearest-neighbor results. Each shard returns its
// own candidates sorted ascending by the distance key; the reducer performs
// a k-way merge across the shard lists, truncates to Limit, and aggregates
// the side statistics by summation.
type TopK struct {
	// NS is the namespace reported in the merged result.
	NS string

	// Limit caps the merged result count. Zero means DefaultNearLimit.
	Limit int
}

// candidate is one shard result positioned in the k-way merge.
type candidate struct {
	dist  float64
	doc   any
	shard int // index of the source list
	pos   int // position within the source list
}

// mergeHeap is a min-heap over the heads of the per-shard candidate lists.
type mergeHeap []candidate

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)         { *h = append(*h, x.(candidate)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Reduce implements Strategy.
func (t *TopK) Reduce(responses []dispatch.Response, _ *collation.Comparer) (Result, error) {
	limit := t.Limit
	if limit <= 0 {
		limit = DefaultNearLimit
	}

	var nearStr string
	var time, btreelocs, nscanned, objectsLoaded float64
	var shards []any

	lists := make([][]document.Doc, 0, len(responses))
	for _, resp := range responses {
		if !resp.OK {
			return failed(resp, resp.Message), nil
		}
		shards = append(shards, string(resp.Shard))

		if s := resp.Body.String("near"); s != "" {
			nearStr = s
		}
		stats := resp.Body.Sub("stats")
		time += stats.Float64("time")
		if v, ok := stats.LookupNumber("btreelocs"); ok {
			btreelocs += v
		}
		nscanned += stats.Float64("nscanned")
		if v, ok := stats.LookupNumber("objectsLoaded"); ok {
			objectsLoaded += v
		}

		var list []document.Doc
		for _, raw := range resp.Body.Array("results") {
			obj, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			list = append(list, document.Doc(obj))
		}
		lists = append(lists, list)
	}

	// Seed the heap with the head of each non-empty list, then repeatedly
	// pop the global minimum and advance its source list. Stops as soon as
	// the limit is reached, so shards may return more candidates than the
	// merged output ever examines.
	h := make(mergeHeap, 0, len(lists))
	for i, list := range lists {
		if len(list) > 0 {
			h = append(h, headCandidate(list, i, 0))
		}
	}
	heap.Init(&h)

	merged := make([]any, 0, limit)
	var totalDistance, maxDistance float64
	for h.Len() > 0 && len(merged) < limit {
		c := heap.Pop(&h).(candidate)
		merged = append(merged, c.doc)
		totalDistance += c.dist
		maxDistance = c.dist // heap pops ascending, so this is the running max

		if next := c.pos + 1; next < len(lists[c.shard]) {
			heap.Push(&h, headCandidate(lists[c.shard], c.shard, next))
		}
	}

	avgDistance := 0.0
	if len(merged) > 0 {
		avgDistance = totalDistance / float64(len(merged))
	}

	return Result{
		Body: document.Doc{
			"ns":      t.NS,
			"near":    nearStr,
			"results": merged,
			"stats": document.Doc{
				"time":          time,
				"btreelocs":     btreelocs,
				"nscanned":      nscanned,
				"objectsLoaded": objectsLoaded,
				"avgDistance":   avgDistance,
				"maxDistance":   maxDistance,
				"shards":        shards,
			},
		},
		OK: true,
	}, nil
}

func headCandidate(list []document.Doc, shard, pos int) candidate {
	return candidate{
		dist:  list[pos].Float64("dis"),
		doc:   map[string]any(list[pos]),
		shard: shard,
		pos:   pos,
	}
}
