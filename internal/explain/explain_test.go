package explain

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/executor"
	"github.com/gridwaydb/gridway/internal/testutil"
	"github.com/gridwaydb/gridway/internal/topology"
)

// TestBuild_CorrelatesTargetsAndResponses tests that shard results keep
// target order and pick up each target's connection descriptor.
func TestBuild_CorrelatesTargetsAndResponses(t *testing.T) {
	targets := testutil.Targets("s1", "s2")
	attempt := &executor.Attempt{
		ID: "test",
		Responses: []dispatch.Response{
			{Shard: "s1", OK: true, Body: document.Doc{"ok": 1.0}},
			{Shard: "s2", OK: true, Body: document.Doc{"ok": 1.0}},
		},
		ElapsedMillis: 3,
	}

	report := Build(attempt, targets)

	assert.Equal(t, StageShardMerge, report.StageName)
	assert.Equal(t, int64(3), report.Millis)
	require.Len(t, report.ShardResults, 2)
	assert.Equal(t, topology.ShardID("s1"), report.ShardResults[0].Shard)
	assert.Equal(t, "s1.shard.local:27018", report.ShardResults[0].ConnString)
	assert.Equal(t, topology.ShardID("s2"), report.ShardResults[1].Shard)
}

func TestBuild_SingleShardStage(t *testing.T) {
	report := Build(&executor.Attempt{
		Responses: []dispatch.Response{{Shard: "s1", OK: true}},
	}, testutil.Targets("s1"))

	assert.Equal(t, StageSingleShard, report.StageName)
}

// TestReportDoc_Golden locks the client-facing explain document shape.
func TestReportDoc_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	t.Run("single_shard", func(t *testing.T) {
		attempt := &executor.Attempt{
			Responses: []dispatch.Response{
				{Shard: "alpha", OK: true, Body: document.Doc{"ok": 1.0, "plan": "COLLSCAN"}},
			},
			ElapsedMillis: 7,
		}
		report := Build(attempt, testutil.Targets("alpha"))

		data, err := json.MarshalIndent(report.Doc(), "", "  ")
		require.NoError(t, err)
		g.Assert(t, "single_shard", data)
	})

	t.Run("shard_merge", func(t *testing.T) {
		attempt := &executor.Attempt{
			Responses: []dispatch.Response{
				{Shard: "alpha", OK: true, Body: document.Doc{"ok": 1.0, "plan": "IXSCAN"}},
				{Shard: "beta", OK: true, Body: document.Doc{"ok": 1.0, "plan": "COLLSCAN"}},
			},
			ElapsedMillis: 12,
		}
		report := Build(attempt, testutil.Targets("alpha", "beta"))

		data, err := json.MarshalIndent(report.Doc(), "", "  ")
		require.NoError(t, err)
		g.Assert(t, "shard_merge", data)
	})
}
