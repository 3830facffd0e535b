package reduce

import (
	"fmt"
	"log/slog"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/topology"
)

// ProtocolViolationError marks a chained-sequence response whose reported
// next index went backwards. This is a shard bug, not a retryable
// condition, so it is fatal to the whole command.
type ProtocolViolationError struct {
	Shard     topology.ShardID
	Requested int64
	Reported  int64
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("shard %s reported next chunk %d for probe at %d; the sequence may only advance",
		e.Shard, e.Reported, e.Requested)
}

// IncompatibleShardError marks a shard that answered a chained probe
// without the carry-state field, meaning it predates the chained protocol.
type IncompatibleShardError struct {
	Shard topology.ShardID
}

func (e *IncompatibleShardError) Error() string {
	return fmt.Sprintf("shard %s is too old to support chunked hashing with carry state", e.Shard)
}

// ChainFailedError carries everything needed to diagnose a failed chained
// sequence without re-running it: the index being probed, the exact command
// sent, and the shard's raw response.
type ChainFailedError struct {
	FailedAt    int64
	SentCommand document.Doc
	Response    dispatch.Response
}

func (e *ChainFailedError) Error() string {
	return "sharded filemd5 failed because: " + e.Response.Message
}

// Result shapes the failure into a client-facing Result, keeping the
// shard's own fields (minus errmsg, which moves to the top-level message).
func (e *ChainFailedError) Result() Result {
	body := document.Doc{
		"failedAt":    e.FailedAt,
		"sentCommand": e.SentCommand,
	}
	for field, value := range e.Response.Body {
		if field != "errmsg" {
			body[field] = value
		}
	}
	return Result{Body: body, OK: false, ErrMsg: e.Error(), Code: e.Response.Code}
}

// FileMD5Chain drives the incremental whole-file hashing protocol across
// the shards owning a file's chunks.
//
// Theory of operation: starting at chunk n=0, probe the shard owning chunk
// n with the carry state accumulated so far. That shard folds in every
// contiguous chunk it holds starting at n and reports the next chunk index
// to try ("numChunks"). The sequence ends when a probe's reported next
// index equals the probed index: chunk n does not exist, so chunk n-1 was
// the file's last and the previous response holds the finished digest.
//
// FileMD5Chain satisfies the executor's Chain contract; carry state flows
// only from one response into the immediately following probe.
type FileMD5Chain struct {
	// Catalog locates the shard owning each chunk index.
	Catalog topology.Catalog

	// NS is the chunks collection namespace.
	NS document.Namespace

	// FileID is the file identifier, used in every targeting predicate.
	FileID any

	// Base is the client's command body; each probe extends a copy of it.
	Base document.Doc

	// Log is used for chained-failure diagnostics. Nil means slog.Default.
	Log *slog.Logger

	n        int64
	lastSent document.Doc
}

// Next implements the chained sequence protocol (see executor.Chain).
func (c *FileMD5Chain) Next(prev *dispatch.Response) (dispatch.Request, bool, error) {
	if prev == nil {
		return c.probe(0, nil)
	}

	if !prev.OK {
		err := &ChainFailedError{FailedAt: c.n, SentCommand: c.lastSent, Response: *prev}
		c.logger().Error("sharded filemd5 failed",
			"shard", prev.Shard, "failedAt", c.n, "errmsg", prev.Message)
		return dispatch.Request{}, false, err
	}

	if !prev.Body.Has("md5state") {
		return dispatch.Request{}, false, &IncompatibleShardError{Shard: prev.Shard}
	}

	next := prev.Body.Int64("numChunks")
	switch {
	case next == c.n:
		// No new chunks folded in: the probed chunk does not exist, so
		// the previous response is the final digest.
		return dispatch.Request{}, true, nil
	case next < c.n:
		return dispatch.Request{}, false, &ProtocolViolationError{
			Shard: prev.Shard, Requested: c.n, Reported: next,
		}
	default:
		return c.probe(next, prev.Body.Sub("md5state"))
	}
}

func (c *FileMD5Chain) probe(n int64, state document.Doc) (dispatch.Request, bool, error) {
	body := c.Base.Clone()
	body["partialOk"] = true
	body["startAt"] = n
	if state != nil {
		body["md5state"] = map[string]any(state)
	}

	predicate := document.Doc{"files_id": c.FileID, "n": n}
	targets, err := c.Catalog.ShardsForPredicate(c.NS, predicate, nil)
	if err != nil {
		return dispatch.Request{}, false, fmt.Errorf("locate chunk %d: %w", n, err)
	}
	if len(targets) != 1 {
		return dispatch.Request{}, false, fmt.Errorf(
			"chunk probe on the shard key must target exactly one shard, got %d", len(targets))
	}

	c.n = n
	c.lastSent = body

	return dispatch.Request{Target: targets[0], DB: c.NS.DB, Command: body}, false, nil
}

// Reduce implements Strategy for the chained family: the sequence's final
// response IS the merged result, so the reduction passes its body through.
func (c *FileMD5Chain) Reduce(responses []dispatch.Response, _ *collation.Comparer) (Result, error) {
	if len(responses) == 0 {
		return Result{}, fmt.Errorf("chained reduction needs the sequence's final response")
	}
	final := responses[len(responses)-1]
	if !final.OK {
		return failed(final, final.Message), nil
	}
	return Result{Body: final.Body.Clone(), OK: true}, nil
}

func (c *FileMD5Chain) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}
