// Package executor issues shard calls for one command attempt and collects
// their responses for reduction. Two scheduling modes exist: parallel
// scatter for merge strategies that tolerate any arrival order, and a
// strictly-sequential chain for protocols that thread carry state from one
// call to the next.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/topology"
)

// Executor fans commands out to shards through a Dispatcher.
//
// Thread-safety model:
//   - Scatter/Sequence are safe to call concurrently from any goroutine.
//   - Within one Scatter call, each worker writes only its own slot of the
//     results slice; the slice is read only after every worker has joined,
//     so the reduction phase needs no locking.
type Executor struct {
	dispatcher dispatch.Dispatcher
	log        *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		e.log = log
	}
}

// New creates an Executor over the given dispatcher.
func New(d dispatch.Dispatcher, opts ...Option) *Executor {
	e := &Executor{
		dispatcher: d,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt carries the outcome of one scatter: every response in target
// order, plus the first failure observed (in target order, which keeps
// error reporting deterministic regardless of arrival order).
type Attempt struct {
	// ID correlates all log lines of one invocation.
	ID string

	// Responses holds exactly one entry per dispatched target, in target
	// order. No entry is ever missing: transport errors arrive as failed
	// responses.
	Responses []dispatch.Response

	// ElapsedMillis is the wall-clock duration of the whole scatter,
	// measured around dispatch and join.
	ElapsedMillis int64
}

// FirstFailure returns the first non-OK response in target order, or nil
// when every shard succeeded.
func (a *Attempt) FirstFailure() *dispatch.Response {
	for i := range a.Responses {
		if !a.Responses[i].OK {
			return &a.Responses[i]
		}
	}
	return nil
}

// AllOK reports whether every shard answered successfully.
func (a *Attempt) AllOK() bool {
	return a.FirstFailure() == nil
}

// Scatter dispatches one call per target concurrently and joins before
// returning. The build function produces the per-target request; it must
// not mutate shared state.
//
// Join-before-merge: the returned Attempt is complete. Even when a shard
// fails early there is no cancellation of calls already issued; every
// in-flight call is drained so remote work finishes deterministically and
// no response is abandoned.
func (e *Executor) Scatter(ctx context.Context, targets []topology.ShardTarget, build func(topology.ShardTarget) dispatch.Request) *Attempt {
	attempt := &Attempt{
		ID:        uuid.NewString(),
		Responses: make([]dispatch.Response, len(targets)),
	}

	start := time.Now()

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(slot int, target topology.ShardTarget) {
			defer wg.Done()
			attempt.Responses[slot] = e.dispatcher.Call(ctx, build(target))
		}(i, target)
	}
	wg.Wait()

	attempt.ElapsedMillis = time.Since(start).Milliseconds()

	if failure := attempt.FirstFailure(); failure != nil {
		e.log.Warn("shard call failed during scatter",
			"invocation", attempt.ID,
			"shard", failure.Shard,
			"code", failure.Code,
			"errmsg", failure.Message)
	}
	e.log.Debug("scatter complete",
		"invocation", attempt.ID,
		"shards", len(targets),
		"millis", attempt.ElapsedMillis)

	return attempt
}

var errSequenceEmpty = errors.New("chained sequence completed before issuing any call")

// Chain drives a strictly-ordered sequence of single-shard calls. The
// protocol, not the executor, owns carry state and termination: after each
// response the chain either produces the next request or declares the
// sequence complete.
type Chain interface {
	// Next derives the upcoming request from the previous response.
	// prev is nil on the first call. done=true ends the sequence with
	// prev as the final response. A returned error aborts the sequence.
	Next(prev *dispatch.Response) (req dispatch.Request, done bool, err error)
}

// Sequence runs a chained sequence with at most one call in flight at a
// time. Responses are observed strictly in issue order; two calls of the
// same sequence never interleave.
func (e *Executor) Sequence(ctx context.Context, chain Chain) (dispatch.Response, error) {
	id := uuid.NewString()

	var prev *dispatch.Response
	for {
		if err := ctx.Err(); err != nil {
			return dispatch.Response{}, err
		}

		req, done, err := chain.Next(prev)
		if err != nil {
			return dispatch.Response{}, err
		}
		if done {
			e.log.Debug("chained sequence complete", "invocation", id)
			if prev == nil {
				// A chain may not complete before its first call.
				return dispatch.Response{}, errSequenceEmpty
			}
			return *prev, nil
		}

		resp := e.dispatcher.Call(ctx, req)
		prev = &resp
	}
}
