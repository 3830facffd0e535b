// Package explain shapes the diagnostic execution-plan report produced when
// a command runs in explain mode: per-shard raw results, shard count, and
// wall-clock timing around the whole scatter, instead of the reduced
// result.
package explain

import (
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/executor"
	"github.com/gridwaydb/gridway/internal/topology"
)

// Stage names reported at the top of an explain plan.
const (
	// StageSingleShard marks a plan served entirely by one shard.
	StageSingleShard = "SINGLE_SHARD"

	// StageShardMerge marks a plan whose results were merged across
	// shards.
	StageShardMerge = "SHARD_MERGE"
)

// ShardResult pairs a shard with its raw explain output.
type ShardResult struct {
	Shard      topology.ShardID
	ConnString string
	Result     document.Doc
}

// Report is the structured execution-plan report for one instrumented
// invocation.
type Report struct {
	// StageName describes the routing stage.
	StageName string

	// ShardResults holds one entry per dispatched shard, in target order.
	ShardResults []ShardResult

	// Millis is the wall-clock duration of the whole scatter/gather.
	Millis int64
}

// Build assembles a Report from a completed attempt. Targets and responses
// correspond by index (the executor preserves target order).
func Build(attempt *executor.Attempt, targets []topology.ShardTarget) Report {
	report := Report{
		StageName: StageShardMerge,
		Millis:    attempt.ElapsedMillis,
	}
	if len(targets) == 1 {
		report.StageName = StageSingleShard
	}

	for i, resp := range attempt.Responses {
		sr := ShardResult{Shard: resp.Shard, Result: resp.Body}
		if i < len(targets) {
			sr.ConnString = targets[i].Addr
		}
		report.ShardResults = append(report.ShardResults, sr)
	}
	return report
}

// Doc renders the report as the client-facing explain document. For
// single-shard plans the winning shard and its connection descriptor are
// lifted to the top level.
func (r Report) Doc() document.Doc {
	shards := make([]any, 0, len(r.ShardResults))
	for _, sr := range r.ShardResults {
		shards = append(shards, map[string]any{
			"shard":      string(sr.Shard),
			"connString": sr.ConnString,
			"result":     map[string]any(sr.Result),
		})
	}

	out := document.Doc{
		"stage":        r.StageName,
		"numShards":    int64(len(r.ShardResults)),
		"millis":       r.Millis,
		"shardResults": shards,
		"ok":           1.0,
	}
	if r.StageName == StageSingleShard && len(r.ShardResults) == 1 {
		out["shard"] = string(r.ShardResults[0].Shard)
		out["connString"] = r.ShardResults[0].ConnString
	}
	return out
}
