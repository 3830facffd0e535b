// Package reduce turns per-shard responses into one client-facing result.
//
// Four strategies exist, one per command family:
//   - Stats: counter-sum merge with scale-aware size recomputation
//   - TopK: k-way merge of locally-sorted candidate lists by distance
//   - Distinct: collation-aware dedup of value lists
//   - FileMD5Chain: strictly-sequential carry-state protocol
//
// All strategies consume each response exactly once. Partial consumption on
// error is explicit: a strategy either aborts with the failing shard's error
// or keeps merging what succeeded while recording a warning, never both.
package reduce

import (
	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
)

// Result is the merged outcome of one command invocation. Produced exactly
// once per invocation.
type Result struct {
	// Body is the merged result document. On failure it may carry the
	// failing shard's raw fields for diagnosis.
	Body document.Doc

	// OK is the overall success flag.
	OK bool

	// ErrMsg and Code describe the failure when OK is false.
	ErrMsg string
	Code   int
}

// Strategy merges a complete set of per-shard responses. The responses
// slice always holds one entry per dispatched call (join-before-merge);
// the comparer carries the active collation for strategies that order or
// deduplicate values, and is ignored by the rest.
type Strategy interface {
	Reduce(responses []dispatch.Response, cmp *collation.Comparer) (Result, error)
}

// failed builds a failure Result carrying the shard's own error fields so
// the caller can diagnose without re-running the command.
func failed(resp dispatch.Response, msg string) Result {
	return Result{
		Body:   resp.Body.Clone(),
		OK:     false,
		ErrMsg: msg,
		Code:   resp.Code,
	}
}
