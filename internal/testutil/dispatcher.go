// Package testutil provides deterministic test doubles for the routing
// tier: a scripted dispatcher that plays back canned shard responses and
// records every request it sees.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/topology"
)

// ScriptedDispatcher replays pre-programmed responses per shard, in FIFO
// order, and records every request. Safe for concurrent use: the executor
// fans calls out from multiple goroutines.
type ScriptedDispatcher struct {
	mu       sync.Mutex
	queues   map[topology.ShardID][]dispatch.Response
	handler  func(req dispatch.Request) dispatch.Response
	requests []dispatch.Request
}

// NewScriptedDispatcher creates an empty scripted dispatcher. A call to a
// shard with no scripted response fails loudly rather than hanging a test.
func NewScriptedDispatcher() *ScriptedDispatcher {
	return &ScriptedDispatcher{queues: make(map[topology.ShardID][]dispatch.Response)}
}

// Stub queues responses for one shard. Successive calls to the same shard
// consume the queue front to back; the last response repeats once the
// queue would run dry.
func (d *ScriptedDispatcher) Stub(shard topology.ShardID, responses ...dispatch.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[shard] = append(d.queues[shard], responses...)
}

// Handle installs a catch-all handler consulted when no scripted response
// exists for the target shard.
func (d *ScriptedDispatcher) Handle(fn func(req dispatch.Request) dispatch.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

// Requests returns a copy of every request seen so far, in call order.
// For parallel scatters the order is the executor's issue order only when
// calls are scripted to be serialized; chained-sequence tests rely on it.
func (d *ScriptedDispatcher) Requests() []dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatch.Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// Call implements dispatch.Dispatcher.
func (d *ScriptedDispatcher) Call(_ context.Context, req dispatch.Request) dispatch.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, req)

	queue := d.queues[req.Target.ID]
	if len(queue) > 0 {
		resp := queue[0]
		if len(queue) > 1 {
			d.queues[req.Target.ID] = queue[1:]
		}
		return resp
	}
	if d.handler != nil {
		return d.handler(req)
	}
	return dispatch.Failed(req.Target.ID, 0,
		fmt.Sprintf("no scripted response for shard %s", req.Target.ID))
}

// OK builds a successful response with the given body. The ok field is
// filled in if the body doesn't carry one.
func OK(shard topology.ShardID, body document.Doc) dispatch.Response {
	if body == nil {
		body = document.Doc{}
	}
	if !body.Has("ok") {
		body = body.Clone()
		body["ok"] = 1.0
	}
	return dispatch.Response{Shard: shard, OK: true, Body: body}
}

// Err builds a failed response with the given code and message.
func Err(shard topology.ShardID, code int, msg string) dispatch.Response {
	return dispatch.Response{
		Shard:   shard,
		OK:      false,
		Body:    document.Doc{"ok": 0.0, "errmsg": msg, "code": code},
		Code:    code,
		Message: msg,
	}
}

// Targets is a convenience constructor for a shard target list.
func Targets(ids ...string) []topology.ShardTarget {
	out := make([]topology.ShardTarget, 0, len(ids))
	for _, id := range ids {
		out = append(out, topology.ShardTarget{
			ID:   topology.ShardID(id),
			Addr: id + ".shard.local:27018",
		})
	}
	return out
}
