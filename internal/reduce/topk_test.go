package reduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/testutil"
)

func nearResponse(shard string, dists ...float64) document.Doc {
	results := make([]any, 0, len(dists))
	for _, d := range dists {
		results = append(results, map[string]any{"dis": d, "obj": map[string]any{"from": shard}})
	}
	return document.Doc{
		"near":    "1100110000001111110000001111",
		"results": results,
		"stats":   map[string]any{"time": 1.0, "nscanned": float64(len(dists))},
	}
}

func resultDistances(t *testing.T, result Result) []float64 {
	t.Helper()
	var out []float64
	for _, raw := range result.Body.Array("results") {
		doc, ok := raw.(map[string]any)
		require.True(t, ok)
		out = append(out, document.Doc(doc).Float64("dis"))
	}
	return out
}

// TestTopK_MergesAscending tests that the merged list is globally sorted by
// distance across shard lists.
func TestTopK_MergesAscending(t *testing.T) {
	topk := &TopK{NS: "app.places", Limit: 10}
	result, err := topk.Reduce([]dispatch.Response{
		testutil.OK("s1", nearResponse("s1", 0.1, 0.4, 0.9)),
		testutil.OK("s2", nearResponse("s2", 0.2, 0.3, 1.5)),
	}, nil)
	require.NoError(t, err)

	require.True(t, result.OK)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4, 0.9, 1.5}, resultDistances(t, result))
	assert.Equal(t, "app.places", result.Body.String("ns"))
	assert.NotEmpty(t, result.Body.String("near"))
}

// TestTopK_TruncatesAtLimit tests that the merged count never exceeds the
// limit and maxDistance is the k-th smallest distance overall.
func TestTopK_TruncatesAtLimit(t *testing.T) {
	topk := &TopK{NS: "app.places", Limit: 4}
	result, err := topk.Reduce([]dispatch.Response{
		testutil.OK("s1", nearResponse("s1", 0.1, 0.4, 0.9)),
		testutil.OK("s2", nearResponse("s2", 0.2, 0.3, 1.5)),
	}, nil)
	require.NoError(t, err)

	dists := resultDistances(t, result)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4}, dists)

	stats := result.Body.Sub("stats")
	assert.Equal(t, 0.4, stats.Float64("maxDistance"))
	assert.InDelta(t, (0.1+0.2+0.3+0.4)/4, stats.Float64("avgDistance"), 1e-9)
}

// TestTopK_SumsStats tests the side statistics aggregation.
func TestTopK_SumsStats(t *testing.T) {
	topk := &TopK{NS: "app.places"}
	result, err := topk.Reduce([]dispatch.Response{
		testutil.OK("s1", document.Doc{
			"results": []any{},
			"stats":   map[string]any{"time": 5.0, "nscanned": 100.0, "btreelocs": 3.0, "objectsLoaded": 40.0},
		}),
		testutil.OK("s2", document.Doc{
			"results": []any{},
			"stats":   map[string]any{"time": 7.0, "nscanned": 50.0},
		}),
	}, nil)
	require.NoError(t, err)

	stats := result.Body.Sub("stats")
	assert.Equal(t, 12.0, stats.Float64("time"))
	assert.Equal(t, 150.0, stats.Float64("nscanned"))
	assert.Equal(t, 3.0, stats.Float64("btreelocs"))
	assert.Equal(t, 40.0, stats.Float64("objectsLoaded"))
	assert.Equal(t, []any{"s1", "s2"}, stats.Array("shards"))
}

// TestTopK_DefaultLimit tests that a zero limit falls back to the default.
func TestTopK_DefaultLimit(t *testing.T) {
	dists := make([]float64, DefaultNearLimit+20)
	for i := range dists {
		dists[i] = float64(i)
	}

	topk := &TopK{NS: "app.places"}
	result, err := topk.Reduce([]dispatch.Response{
		testutil.OK("s1", nearResponse("s1", dists...)),
	}, nil)
	require.NoError(t, err)

	assert.Len(t, result.Body.Array("results"), DefaultNearLimit)
}

// TestTopK_EmptyShardLists tests merging when some shards have no matches.
func TestTopK_EmptyShardLists(t *testing.T) {
	topk := &TopK{NS: "app.places", Limit: 5}
	result, err := topk.Reduce([]dispatch.Response{
		testutil.OK("s1", nearResponse("s1")),
		testutil.OK("s2", nearResponse("s2", 0.7)),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{0.7}, resultDistances(t, result))
	stats := result.Body.Sub("stats")
	assert.Equal(t, 0.7, stats.Float64("avgDistance"))
	assert.Equal(t, 0.7, stats.Float64("maxDistance"))
}

// TestTopK_ShardFailureAborts tests abort-with-attribution on any failure.
func TestTopK_ShardFailureAborts(t *testing.T) {
	topk := &TopK{NS: "app.places", Limit: 5}
	result, err := topk.Reduce([]dispatch.Response{
		testutil.OK("s1", nearResponse("s1", 0.1)),
		testutil.Err("s2", 2, "no geo index"),
	}, nil)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, "no geo index", result.ErrMsg)
	assert.Equal(t, 2, result.Code)
}
