package router

import (
	"context"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/explain"
	"github.com/gridwaydb/gridway/internal/reduce"
	"github.com/gridwaydb/gridway/internal/topology"
)

// Explain runs a command in explain mode: the command is wrapped in an
// explain envelope, scattered to the same shard set the real command would
// hit, and the per-shard raw plans come back in a timing report instead of
// a reduced result.
//
// When the namespace resolves to a view, there is no physical collection to
// explain against; the invocation delegates to the aggregation explain path
// over the view's backing pipeline and returns that output.
func (r *Router) Explain(ctx context.Context, name, db string, body document.Doc, verbosity string) Outcome {
	desc, ok := r.registry.Lookup(name)
	if !ok {
		return Outcome{Status: StatusError,
			Err: newError(ErrCodeUnknownCommand, "no such command: %s", name)}
	}

	ns, err := r.parseNS(desc, db, body)
	if err != nil {
		return Outcome{Status: StatusError, Err: err}
	}
	cmd := document.Command{Name: desc.Name, NS: ns, Body: body}

	view, err := r.catalog.ResolveView(ns)
	if err != nil {
		return classifyErr(err)
	}
	if view != nil {
		return r.explainView(ctx, ns, view, body)
	}

	sharded, err := r.catalog.IsSharded(ns)
	if err != nil {
		return classifyErr(err)
	}

	var targets []topology.ShardTarget
	if sharded {
		spec, _, cerr := r.resolveCollation(cmd)
		if cerr != nil {
			return classifyErr(cerr)
		}
		targets, err = r.resolveTargets(desc, cmd, spec)
	} else {
		var primary topology.ShardTarget
		primary, err = r.catalog.Primary(ns)
		targets = []topology.ShardTarget{primary}
	}
	if err != nil {
		return classifyErr(err)
	}

	envelope := document.Doc{"explain": map[string]any(body), "verbosity": verbosity}
	attempt := r.exec.Scatter(ctx, targets, func(t topology.ShardTarget) dispatch.Request {
		return dispatch.Request{Target: t, DB: ns.DB, Command: envelope}
	})

	if out, stale := r.staleCheck(attempt); stale {
		return out
	}

	// A single shard may answer that the target is a view it cannot serve
	// directly; that is the same delegation case discovered late.
	if len(attempt.Responses) == 1 {
		if late := resolvedView(attempt.Responses[0].Body); late != nil {
			return r.explainView(ctx, ns, late, body)
		}
	}

	report := explain.Build(attempt, targets)
	return Outcome{Status: StatusOK, Result: reduce.Result{Body: report.Doc(), OK: true}}
}

func (r *Router) explainView(ctx context.Context, ns document.Namespace, view *topology.View, body document.Doc) Outcome {
	if r.aggExplain == nil {
		return Outcome{Status: StatusError, Err: newError(ErrCodeIllegalOperation,
			"namespace %s is a view and no aggregation explain path is configured", ns)}
	}
	out, err := r.aggExplain(ctx, ns, view, body)
	if err != nil {
		return classifyErr(err)
	}
	return Outcome{Status: StatusOK, Result: reduce.Result{Body: out, OK: true}}
}

// resolvedView extracts a view definition from a shard's "cannot run on
// view" error response, when present.
func resolvedView(body document.Doc) *topology.View {
	rv := body.Sub("resolvedView")
	if rv == nil {
		return nil
	}
	return &topology.View{
		On:       rv.String("ns"),
		Pipeline: rv.Array("pipeline"),
	}
}
