package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/testutil"
	"github.com/gridwaydb/gridway/internal/topology"
)

func buildCount(target topology.ShardTarget) dispatch.Request {
	return dispatch.Request{Target: target, DB: "app", Command: document.Doc{"count": "widgets"}}
}

// TestScatter_OneResponsePerTarget tests that a scatter yields exactly one
// response per target, in target order, regardless of arrival order.
func TestScatter_OneResponsePerTarget(t *testing.T) {
	d := testutil.NewScriptedDispatcher()
	d.Stub("s1", testutil.OK("s1", document.Doc{"n": 1.0}))
	d.Stub("s2", testutil.OK("s2", document.Doc{"n": 2.0}))
	d.Stub("s3", testutil.OK("s3", document.Doc{"n": 3.0}))

	attempt := New(d).Scatter(context.Background(), testutil.Targets("s1", "s2", "s3"), buildCount)

	require.Len(t, attempt.Responses, 3)
	assert.Equal(t, topology.ShardID("s1"), attempt.Responses[0].Shard)
	assert.Equal(t, topology.ShardID("s2"), attempt.Responses[1].Shard)
	assert.Equal(t, topology.ShardID("s3"), attempt.Responses[2].Shard)
	assert.True(t, attempt.AllOK())
	assert.NotEmpty(t, attempt.ID)
}

// TestScatter_DrainsAfterFailure tests that a failing shard does not cancel
// or abandon the calls already issued to the others.
func TestScatter_DrainsAfterFailure(t *testing.T) {
	var calls sync.Map
	slow := dispatcherFunc(func(ctx context.Context, req dispatch.Request) dispatch.Response {
		calls.Store(req.Target.ID, true)
		if req.Target.ID == "s1" {
			return dispatch.Failed("s1", 6, "connection refused")
		}
		// The slow shard still completes and its response is collected.
		time.Sleep(20 * time.Millisecond)
		return dispatch.Response{Shard: req.Target.ID, OK: true, Body: document.Doc{"ok": 1.0}}
	})

	attempt := New(slow).Scatter(context.Background(), testutil.Targets("s1", "s2"), buildCount)

	require.Len(t, attempt.Responses, 2)
	assert.False(t, attempt.Responses[0].OK)
	assert.True(t, attempt.Responses[1].OK)

	_, called := calls.Load(topology.ShardID("s2"))
	assert.True(t, called)
}

// TestScatter_FirstFailureIsTargetOrder tests that failure attribution is
// deterministic even when a later target fails faster.
func TestScatter_FirstFailureIsTargetOrder(t *testing.T) {
	d := testutil.NewScriptedDispatcher()
	d.Stub("s1", testutil.Err("s1", 11, "first"))
	d.Stub("s2", testutil.Err("s2", 22, "second"))

	attempt := New(d).Scatter(context.Background(), testutil.Targets("s1", "s2"), buildCount)

	failure := attempt.FirstFailure()
	require.NotNil(t, failure)
	assert.Equal(t, topology.ShardID("s1"), failure.Shard)
	assert.Equal(t, 11, failure.Code)
	assert.False(t, attempt.AllOK())
}

func TestScatter_NoTargets(t *testing.T) {
	attempt := New(testutil.NewScriptedDispatcher()).Scatter(context.Background(), nil, buildCount)
	assert.Empty(t, attempt.Responses)
	assert.True(t, attempt.AllOK())
}

type countingChain struct {
	targets []topology.ShardTarget
	seen    []document.Doc
	step    int
}

func (c *countingChain) Next(prev *dispatch.Response) (dispatch.Request, bool, error) {
	if prev != nil {
		c.seen = append(c.seen, prev.Body)
	}
	if c.step >= len(c.targets) {
		return dispatch.Request{}, true, nil
	}
	target := c.targets[c.step]
	c.step++
	return dispatch.Request{Target: target, DB: "app", Command: document.Doc{"step": float64(c.step)}}, false, nil
}

// TestSequence_StrictOrder tests that chained calls run one at a time, each
// derived after the previous response arrived, and that the final response
// is the last shard's answer.
func TestSequence_StrictOrder(t *testing.T) {
	d := testutil.NewScriptedDispatcher()
	d.Stub("s1", testutil.OK("s1", document.Doc{"state": "a"}))
	d.Stub("s2", testutil.OK("s2", document.Doc{"state": "b"}))

	chain := &countingChain{targets: testutil.Targets("s1", "s2")}
	final, err := New(d).Sequence(context.Background(), chain)
	require.NoError(t, err)

	assert.Equal(t, topology.ShardID("s2"), final.Shard)
	assert.Equal(t, "b", final.Body.String("state"))

	reqs := d.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 1.0, reqs[0].Command.Float64("step"))
	assert.Equal(t, 2.0, reqs[1].Command.Float64("step"))

	// The chain observed each response before the next call was issued.
	require.Len(t, chain.seen, 2)
	assert.Equal(t, "a", chain.seen[0].String("state"))
}

// TestSequence_ChainError tests that an error from the chain aborts the
// sequence.
func TestSequence_ChainError(t *testing.T) {
	boom := errors.New("protocol out of step")
	chain := chainFunc(func(prev *dispatch.Response) (dispatch.Request, bool, error) {
		return dispatch.Request{}, false, boom
	})

	_, err := New(testutil.NewScriptedDispatcher()).Sequence(context.Background(), chain)
	assert.ErrorIs(t, err, boom)
}

// TestSequence_CanceledContext tests that cancellation stops the loop
// between calls.
func TestSequence_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := &countingChain{targets: testutil.Targets("s1")}
	_, err := New(testutil.NewScriptedDispatcher()).Sequence(ctx, chain)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, chain.step)
}

func TestSequence_EmptyChain(t *testing.T) {
	chain := chainFunc(func(prev *dispatch.Response) (dispatch.Request, bool, error) {
		return dispatch.Request{}, true, nil
	})

	_, err := New(testutil.NewScriptedDispatcher()).Sequence(context.Background(), chain)
	assert.Error(t, err)
}

type dispatcherFunc func(ctx context.Context, req dispatch.Request) dispatch.Response

func (f dispatcherFunc) Call(ctx context.Context, req dispatch.Request) dispatch.Response {
	return f(ctx, req)
}

type chainFunc func(prev *dispatch.Response) (dispatch.Request, bool, error)

func (f chainFunc) Next(prev *dispatch.Response) (dispatch.Request, bool, error) {
	return f(prev)
}
