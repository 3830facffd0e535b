package router

import (
	"context"
	"strings"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/topology"
)

// legacyRejection matches the error text an old shard produces for a
// command name it does not know. Old releases had no numeric code for
// this, so the match is on the message.
const legacyRejection = "no such cmd"

// downgradeRejected re-runs a rejected index build element-by-element
// through the legacy per-index path: each index spec becomes one insert
// into the shard's system index collection, and the per-spec outcomes are
// synthesized into an aggregate response marked as downgraded. Responses
// from shards that accepted the modern command pass through untouched.
func (r *Router) downgradeRejected(ctx context.Context, desc *Descriptor, cmd document.Command, targets []topology.ShardTarget, responses []dispatch.Response) []dispatch.Response {
	byID := make(map[topology.ShardID]topology.ShardTarget, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	out := make([]dispatch.Response, 0, len(responses))
	for _, resp := range responses {
		if resp.OK || !strings.Contains(resp.Message, legacyRejection) {
			out = append(out, resp)
			continue
		}
		target, found := byID[resp.Shard]
		if !found {
			out = append(out, resp)
			continue
		}
		r.log.Info("downgrading rejected command to legacy path",
			"command", desc.Name, "shard", resp.Shard)
		out = append(out, r.legacyIndexBuild(ctx, cmd, target))
	}
	return out
}

// legacyIndexBuild replays each index spec as a legacy system-collection
// insert and folds the per-spec results into one response. The first spec
// that errors stops the replay, matching how the modern command reports
// only its first failure.
func (r *Router) legacyIndexBuild(ctx context.Context, cmd document.Command, target topology.ShardTarget) dispatch.Response {
	specs := cmd.Body.Array("indexes")
	if specs == nil {
		return dispatch.Failed(target.ID, 0,
			"cannot downgrade: command has no index list")
	}

	body := document.Doc{
		"note":   "downgraded",
		"sentTo": string(target.ID),
	}

	var each []any
	ok := true
	for _, raw := range specs {
		spec, isDoc := raw.(map[string]any)
		if !isDoc {
			continue
		}
		fixed := fixIndexSpec(cmd.NS, document.Doc(spec))

		gle := r.legacyInsert(ctx, target, cmd.NS, fixed)
		each = append(each, map[string]any{"spec": map[string]any(fixed), "gle": map[string]any(gle)})

		if msg := gle.String("errmsg"); msg != "" {
			ok = false
			body["errmsg"] = msg
			break
		}
		if msg := gle.String("err"); msg != "" {
			ok = false
			body["errmsg"] = msg
			break
		}
	}
	body["eachIndex"] = each

	if ok {
		body["ok"] = 1.0
		return dispatch.Response{Shard: target.ID, OK: true, Body: body}
	}
	body["ok"] = 0.0
	return dispatch.Response{Shard: target.ID, OK: false, Body: body, Message: body.String("errmsg")}
}

// legacyInsert writes one index spec into the shard's system index
// collection and shapes the shard's answer as a get-last-error document.
func (r *Router) legacyInsert(ctx context.Context, target topology.ShardTarget, ns document.Namespace, spec document.Doc) document.Doc {
	resp := r.dispatcher.Call(ctx, dispatch.Request{
		Target: target,
		DB:     ns.DB,
		Command: document.Doc{
			"insert":    "system.indexes",
			"documents": []any{map[string]any(spec)},
		},
	})
	if resp.OK {
		return document.Doc{"ok": 1.0}
	}
	return document.Doc{
		"ok":     0.0,
		"errmsg": resp.Message,
		"code":   resp.Code,
	}
}

// fixIndexSpec ensures the spec carries the namespace the legacy insert
// path requires; old shards cannot infer it from the command envelope.
func fixIndexSpec(ns document.Namespace, spec document.Doc) document.Doc {
	if spec.String("ns") != "" {
		return spec
	}
	fixed := spec.Clone()
	fixed["ns"] = ns.String()
	return fixed
}
