package reduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/testutil"
	"github.com/gridwaydb/gridway/internal/topology"
)

func valuesResponse(shard string, values ...any) dispatch.Response {
	return testutil.OK(topology.ShardID(shard), document.Doc{"values": values})
}

// TestDistinct_DeduplicatesAcrossShards tests that each distinct value
// appears exactly once, ordered.
func TestDistinct_DeduplicatesAcrossShards(t *testing.T) {
	result, err := Distinct{}.Reduce([]dispatch.Response{
		valuesResponse("s1", "banana", "apple", "cherry"),
		valuesResponse("s2", "cherry", "apple", "date"),
	}, nil)
	require.NoError(t, err)

	require.True(t, result.OK)
	assert.Equal(t, []any{"apple", "banana", "cherry", "date"}, result.Body.Array("values"))
}

// TestDistinct_CollationCollapsesCaseVariants tests that equality follows
// the active collation, not byte identity.
func TestDistinct_CollationCollapsesCaseVariants(t *testing.T) {
	cmp, err := collation.New(&collation.Spec{Locale: "en", Strength: 2})
	require.NoError(t, err)

	result, err := Distinct{}.Reduce([]dispatch.Response{
		valuesResponse("s1", "Apple", "banana"),
		valuesResponse("s2", "apple", "APPLE", "Banana"),
	}, cmp)
	require.NoError(t, err)

	values := result.Body.Array("values")
	require.Len(t, values, 2)

	// Under the simple comparer the same input keeps all case variants.
	result, err = Distinct{}.Reduce([]dispatch.Response{
		valuesResponse("s1", "Apple", "banana"),
		valuesResponse("s2", "apple", "APPLE", "Banana"),
	}, nil)
	require.NoError(t, err)
	assert.Len(t, result.Body.Array("values"), 5)
}

// TestDistinct_MixedKinds tests that a mixed-type value set still merges
// under the cross-kind total order.
func TestDistinct_MixedKinds(t *testing.T) {
	result, err := Distinct{}.Reduce([]dispatch.Response{
		valuesResponse("s1", "x", 2.0, nil),
		valuesResponse("s2", 1.0, "x", true),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []any{nil, 1.0, 2.0, "x", true}, result.Body.Array("values"))
}

// TestDistinct_ShardFailureAborts tests that a failed shard aborts the whole
// merge rather than returning a partial value set.
func TestDistinct_ShardFailureAborts(t *testing.T) {
	result, err := Distinct{}.Reduce([]dispatch.Response{
		valuesResponse("s1", "a"),
		testutil.Err("s2", 18, "auth failed"),
		valuesResponse("s3", "b"),
	}, nil)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, "auth failed", result.ErrMsg)
	assert.Equal(t, 18, result.Code)
}

func TestDistinct_NoValues(t *testing.T) {
	result, err := Distinct{}.Reduce([]dispatch.Response{
		valuesResponse("s1"),
	}, nil)
	require.NoError(t, err)

	require.True(t, result.OK)
	assert.Empty(t, result.Body.Array("values"))
}
