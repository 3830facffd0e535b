package reduce

import (
	"fmt"
	"log/slog"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
)

// StatsMergeRules classifies per-shard statistics fields for the stats
// merge. The rules are configuration rather than a hardcoded table so that
// new shard-reported fields can be admitted without a code change; a field
// in none of the sets is logged and dropped.
type StatsMergeRules struct {
	// Summed fields are added across shards.
	Summed map[string]bool

	// Skip fields are dropped silently (per-shard bookkeeping that has no
	// meaning in a merged view).
	Skip map[string]bool

	// FirstWins fields are structural flags expected to be identical on
	// every shard; the first observed value is kept.
	FirstWins map[string]bool
}

// DefaultStatsRules returns the historical field classification for
// collection statistics.
func DefaultStatsRules() StatsMergeRules {
	return StatsMergeRules{
		Summed: set("count", "size", "storageSize", "numExtents", "totalIndexSize"),
		Skip:   set("ns", "ok", "lastExtentSize", "paddingFactor", "indexDetails", "wiredTiger"),
		FirstWins: set(
			"flags", "systemFlags", "userFlags", "capped", "paddingFactorNote",
		),
	}
}

func set(fields ...string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return m
}

// Stats merges per-shard collection statistics.
//
// Counters on the summed list are added. avgObjSize is NOT summed: each
// shard reports sizes already divided by the command's scale factor, so the
// merged average is re-derived from the unscaled per-shard avgObjSize*count
// products. nindexes is reconciled by maximum, with a non-fatal warning on
// disagreement (expected transiently while an index build is in flight).
type Stats struct {
	// NS is the namespace reported in the merged result.
	NS string

	// Rules classify the remaining fields. Zero value means DefaultStatsRules.
	Rules StatsMergeRules

	// Log receives warnings for unrecognized fields. Nil means slog.Default.
	Log *slog.Logger
}

// Reduce implements Strategy.
func (s *Stats) Reduce(responses []dispatch.Response, _ *collation.Comparer) (Result, error) {
	rules := s.Rules
	if rules.Summed == nil {
		rules = DefaultStatsRules()
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	counts := make(map[string]int64)
	indexSizes := make(map[string]int64)
	firstWins := document.Doc{}
	perShard := document.Doc{}

	var unscaledCollSize float64
	nindexes := int64(0)
	warnedAboutIndexes := false

	for _, resp := range responses {
		if !resp.OK {
			return failed(resp, fmt.Sprintf("failed on shard %s: %s", resp.Shard, resp.Message)), nil
		}

		// count and avgObjSize may appear in any field order; both must be
		// seen before the unscaled size contribution can be accumulated.
		var shardCount, shardAvgObjSize float64

		for field, value := range resp.Body {
			switch {
			case rules.Skip[field]:
				// drop

			case rules.Summed[field]:
				n, _ := document.Int64Value(value)
				counts[field] += n
				if field == "count" {
					shardCount, _ = document.Number(value)
				}

			case field == "avgObjSize":
				shardAvgObjSize, _ = document.Number(value)

			case field == "indexSizes":
				for name, sz := range resp.Body.Sub(field) {
					n, _ := document.Int64Value(sz)
					indexSizes[name] += n
				}

			case field == "nindexes":
				mine, _ := document.Int64Value(value)
				switch {
				case nindexes == 0 || mine == nindexes:
					if mine > nindexes {
						nindexes = mine
					}
				default:
					// Disagreement usually means an index build is racing
					// the stats read on some shards.
					if mine > nindexes {
						nindexes = mine
					}
					warnedAboutIndexes = true
				}

			case rules.FirstWins[field]:
				if !firstWins.Has(field) {
					firstWins[field] = value
				}

			default:
				log.Warn("stats merge doesn't know about field, dropping",
					"field", field, "shard", resp.Shard)
			}
		}

		perShard[string(resp.Shard)] = resp.Body
		unscaledCollSize += shardAvgObjSize * shardCount
	}

	out := document.Doc{"ns": s.NS}
	for field, total := range counts {
		out[field] = total
	}

	sizes := document.Doc{}
	for name, total := range indexSizes {
		sizes[name] = total
	}
	out["indexSizes"] = sizes

	if total := counts["count"]; total > 0 {
		out["avgObjSize"] = unscaledCollSize / float64(total)
	} else {
		out["avgObjSize"] = 0.0
	}

	out["nindexes"] = nindexes
	if warnedAboutIndexes {
		out["warning"] = "indexes don't all match - ok if index build is running"
	}
	for field, value := range firstWins {
		out[field] = value
	}
	out["shards"] = perShard

	return Result{Body: out, OK: true}, nil
}

// DataSize merges per-shard size probes over a key range: sizes and object
// counts are summed, shard-side timings are added up, and the first failing
// shard's response is reported verbatim.
type DataSize struct{}

// Reduce implements Strategy.
func (DataSize) Reduce(responses []dispatch.Response, _ *collation.Comparer) (Result, error) {
	var size, numObjects float64
	var millis int64

	for _, resp := range responses {
		if !resp.OK {
			return failed(resp, resp.Message), nil
		}
		size += resp.Body.Float64("size")
		numObjects += resp.Body.Float64("numObjects")
		millis += resp.Body.Int64("millis")
	}

	return Result{
		Body: document.Doc{
			"size":       size,
			"numObjects": numObjects,
			"millis":     millis,
		},
		OK: true,
	}, nil
}
