// Package router is the command-routing tier: it resolves which shards must
// execute a command, scatters it through the executor, reduces the per-shard
// responses with the command family's strategy, and classifies failures for
// the caller's retry policy.
//
// The router is single-attempt per invocation. A StatusStaleTopology outcome
// tells the caller to refresh its topology view and retry from target
// resolution; the router never retries internally.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/executor"
	"github.com/gridwaydb/gridway/internal/reduce"
	"github.com/gridwaydb/gridway/internal/topology"
)

// AggregateExplain runs an aggregation-pipeline explain over a view's
// backing collection and returns its raw explain document. The router only
// needs it when an explain target resolves to a view; aggregation itself
// lives outside this tier.
type AggregateExplain func(ctx context.Context, ns document.Namespace, view *topology.View, cmd document.Doc) (document.Doc, error)

// Router routes commands to shards and merges their responses.
type Router struct {
	catalog    topology.Catalog
	dispatcher dispatch.Dispatcher
	exec       *executor.Executor
	registry   *Registry
	statsRules *reduce.StatsMergeRules
	aggExplain AggregateExplain
	log        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithRegistry replaces the default command table.
func WithRegistry(reg *Registry) Option {
	return func(r *Router) { r.registry = reg }
}

// WithStatsRules overrides the stats-merge field classification. New
// shard-reported fields are admitted here instead of by code change.
func WithStatsRules(rules reduce.StatsMergeRules) Option {
	return func(r *Router) { r.statsRules = &rules }
}

// WithAggregateExplain wires the aggregation explain path used when an
// explain target resolves to a view.
func WithAggregateExplain(fn AggregateExplain) Option {
	return func(r *Router) { r.aggExplain = fn }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// New creates a Router. The catalog is the externally-owned topology view;
// the dispatcher performs the per-shard calls.
func New(cat topology.Catalog, d dispatch.Dispatcher, opts ...Option) *Router {
	r := &Router{
		catalog:    cat,
		dispatcher: d,
		registry:   DefaultRegistry(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.exec = executor.New(d, executor.WithLogger(r.log))
	return r
}

// Run routes one command invocation. The command body and resolved target
// set are immutable for the duration of the attempt.
func (r *Router) Run(ctx context.Context, name, db string, body document.Doc, options int32) Outcome {
	desc, ok := r.registry.Lookup(name)
	if !ok {
		return Outcome{Status: StatusError,
			Err: newError(ErrCodeUnknownCommand, "no such command: %s", name)}
	}

	ns, err := r.parseNS(desc, db, body)
	if err != nil {
		return Outcome{Status: StatusError, Err: err}
	}
	cmd := document.Command{Name: desc.Name, NS: ns, Body: body, Options: options}

	sharded, err := r.catalog.IsSharded(ns)
	if err != nil {
		return classifyErr(err)
	}

	if desc.Validate != nil {
		if sharded {
			if err := desc.Validate(cmd, r.catalog); err != nil {
				return Outcome{Status: StatusError, Err: err}
			}
		}
	}

	if !sharded {
		return r.passthrough(ctx, desc, cmd, false)
	}

	switch desc.Family {
	case FamilyPassthrough:
		return r.passthrough(ctx, desc, cmd, true)
	case FamilyNotOnSharded:
		return Outcome{Status: StatusError, Err: newError(ErrCodeIllegalOperation,
			"can't do command %s on sharded collection %s", desc.Name, ns)}
	case FamilySum, FamilyTopK, FamilyDedup:
		return r.scatterReduce(ctx, desc, cmd)
	case FamilyRawFanout:
		return r.rawFanout(ctx, desc, cmd)
	case FamilyChained:
		return r.chained(ctx, desc, cmd)
	default:
		return Outcome{Status: StatusError,
			Err: newError(ErrCodeUnknownCommand, "command %s has no routing family", desc.Name)}
	}
}

func (r *Router) parseNS(desc *Descriptor, db string, body document.Doc) (document.Namespace, error) {
	if desc.ParseNS != nil {
		return desc.ParseNS(db, body)
	}
	return defaultNS(desc.Name)(db, body)
}

// resolveCollation picks the active collation: the command's explicit
// collation when present, else the collection default, else simple.
func (r *Router) resolveCollation(cmd document.Command) (*collation.Spec, *collation.Comparer, error) {
	specDoc, err := cmd.Collation()
	if err != nil {
		return nil, nil, newError(ErrCodeTargeting, "%v", err)
	}

	spec, err := collation.ParseSpec(specDoc)
	if err != nil {
		return nil, nil, newError(ErrCodeTargeting, "%v", err)
	}
	if spec == nil {
		spec, err = r.catalog.DefaultCollation(cmd.NS)
		if err != nil {
			return nil, nil, err
		}
	}

	cmp, err := collation.New(spec)
	if err != nil {
		return nil, nil, newError(ErrCodeTargeting, "%v", err)
	}
	return spec, cmp, nil
}

// resolveTargets computes the shard set for one attempt. The set is
// computed once per attempt and never mutated.
func (r *Router) resolveTargets(desc *Descriptor, cmd document.Command, spec *collation.Spec) ([]topology.ShardTarget, error) {
	switch desc.Targeting {
	case TargetAllShards:
		return r.catalog.AllShards()
	case TargetPrimary:
		primary, err := r.catalog.Primary(cmd.NS)
		if err != nil {
			return nil, err
		}
		return []topology.ShardTarget{primary}, nil
	default:
		return r.catalog.ShardsForPredicate(cmd.NS, cmd.Predicate(), spec)
	}
}

func (r *Router) buildRequest(desc *Descriptor, cmd document.Command, target topology.ShardTarget) dispatch.Request {
	req := dispatch.Request{Target: target, DB: cmd.NS.DB, Command: cmd.Body}
	if desc.PassOptions {
		req.Options = cmd.Options
	}
	return req
}

// scatterReduce is the parallel path: scatter to the resolved target set,
// join, then reduce with the family's strategy.
func (r *Router) scatterReduce(ctx context.Context, desc *Descriptor, cmd document.Command) Outcome {
	spec, cmp, err := r.resolveCollation(cmd)
	if err != nil {
		return classifyErr(err)
	}

	targets, err := r.resolveTargets(desc, cmd, spec)
	if err != nil {
		return classifyErr(err)
	}

	attempt := r.exec.Scatter(ctx, targets, func(t topology.ShardTarget) dispatch.Request {
		return r.buildRequest(desc, cmd, t)
	})

	if out, stale := r.staleCheck(attempt); stale {
		return out
	}

	responses := attempt.Responses
	if desc.TolerateMissingShards {
		responses = dropUnavailable(responses, r.log)
	}

	strategy := desc.NewStrategy(cmd)
	if st, ok := strategy.(*reduce.Stats); ok {
		st.Log = r.log
		if r.statsRules != nil {
			st.Rules = *r.statsRules
		}
	}

	result, err := strategy.Reduce(responses, cmp)
	if err != nil {
		return classifyErr(err)
	}
	if desc.AnnotateSharding && result.OK {
		result.Body["sharded"] = true
	}
	return Outcome{Status: StatusOK, Result: result}
}

// rawFanout serves administrative and diagnostic commands: per-shard raw
// results keyed by shard id, an ANDed validity flag when requested, and a
// unique error code when exactly one distinct code occurred.
func (r *Router) rawFanout(ctx context.Context, desc *Descriptor, cmd document.Command) Outcome {
	targets, err := r.resolveTargets(desc, cmd, nil)
	if err != nil {
		return classifyErr(err)
	}

	attempt := r.exec.Scatter(ctx, targets, func(t topology.ShardTarget) dispatch.Request {
		return r.buildRequest(desc, cmd, t)
	})

	if out, stale := r.staleCheck(attempt); stale {
		return out
	}

	responses := attempt.Responses
	if desc.TolerateMissingShards {
		responses = dropUnavailable(responses, r.log)
	}
	if desc.LegacyDowngrade {
		responses = r.downgradeRejected(ctx, desc, cmd, targets, responses)
	}

	raw := document.Doc{}
	valid := true
	ok := true
	var errmsg string
	codes := map[int]bool{}

	for _, resp := range responses {
		raw[string(resp.Shard)] = resp.Body
		if desc.CombineValid && !resp.Body.Bool("valid") {
			valid = false
		}
		if !resp.OK {
			ok = false
			// One shard's message is enough: these are user errors, the
			// same on every shard.
			errmsg = resp.Message
			if resp.Code != 0 {
				codes[resp.Code] = true
			}
		}
	}

	body := document.Doc{"raw": raw}
	if desc.CombineValid {
		body["valid"] = valid
	}
	result := reduce.Result{Body: body, OK: ok, ErrMsg: errmsg}
	if len(codes) == 1 {
		for code := range codes {
			result.Code = code
		}
	}
	return Outcome{Status: StatusOK, Result: result}
}

// chained serves the sequential carry-state family. The chunks collection
// must be sharded by {files_id:1} (whole file on one shard, single call) or
// {files_id:1, n:1} (chunks spread across shards, chained probes).
func (r *Router) chained(ctx context.Context, desc *Descriptor, cmd document.Command) Outcome {
	key, err := r.catalog.ShardKey(cmd.NS)
	if err != nil {
		return classifyErr(err)
	}
	fileID := cmd.Body[desc.Name]

	switch {
	case key.Equal(topology.KeyPattern{"files_id"}):
		targets, err := r.catalog.ShardsForPredicate(cmd.NS,
			document.Doc{"files_id": fileID}, nil)
		if err != nil {
			return classifyErr(err)
		}
		if len(targets) != 1 {
			return Outcome{Status: StatusError, Err: newError(ErrCodeTargeting,
				"file-id targeting must resolve one shard, got %d", len(targets))}
		}
		resp := r.dispatcher.Call(ctx, dispatch.Request{
			Target: targets[0], DB: cmd.NS.DB, Command: cmd.Body,
		})
		if Classify(resp) == StatusStaleTopology {
			return r.staleOutcome(resp)
		}
		return Outcome{Status: StatusOK, Result: reduce.Result{
			Body: resp.Body.Clone(), OK: resp.OK, ErrMsg: resp.Message, Code: resp.Code,
		}}

	case key.Equal(topology.KeyPattern{"files_id", "n"}):
		chain := &reduce.FileMD5Chain{
			Catalog: r.catalog,
			NS:      cmd.NS,
			FileID:  fileID,
			Base:    cmd.Body,
			Log:     r.log,
		}
		final, err := r.exec.Sequence(ctx, chain)
		if err != nil {
			if failure, ok := chainFailure(err); ok {
				if staleResponse(failure.Response) {
					return r.staleOutcome(failure.Response)
				}
				return Outcome{Status: StatusOK, Result: failure.Result()}
			}
			return classifyErr(err)
		}
		result, err := chain.Reduce([]dispatch.Response{final}, nil)
		if err != nil {
			return classifyErr(err)
		}
		return Outcome{Status: StatusOK, Result: result}

	default:
		return Outcome{Status: StatusError, Err: newError(ErrCodeTargeting,
			"chunks collection %s must be sharded on either {files_id:1} or {files_id:1, n:1}", cmd.NS)}
	}
}

// passthrough relays the command to the primary shard. Used for every
// command against an unsharded namespace and for primary-only families.
func (r *Router) passthrough(ctx context.Context, desc *Descriptor, cmd document.Command, sharded bool) Outcome {
	primary, err := r.catalog.Primary(cmd.NS)
	if err != nil {
		return classifyErr(err)
	}

	resp := r.dispatcher.Call(ctx, r.buildRequest(desc, cmd, primary))
	if Classify(resp) == StatusStaleTopology {
		return r.staleOutcome(resp)
	}

	body := document.Doc{}
	if desc.AnnotateSharding {
		body["sharded"] = sharded
		body["primary"] = string(primary.ID)
	}

	// A write-concern error gets shard attribution before the remaining
	// fields are copied first-wins.
	if wce := resp.Body.Sub("writeConcernError"); wce != nil {
		attributed := wce.Clone()
		attributed["errmsg"] = string(primary.ID) + ": " + wce.String("errmsg")
		body["writeConcernError"] = attributed
	}
	for field, value := range resp.Body {
		if !body.Has(field) {
			body[field] = value
		}
	}

	return Outcome{Status: StatusOK, Result: reduce.Result{
		Body: body, OK: resp.OK, ErrMsg: resp.Message, Code: resp.Code,
	}}
}

// staleCheck scans an attempt for stale-topology responses. The first one
// wins; the attempt is already fully drained by the executor.
func (r *Router) staleCheck(attempt *executor.Attempt) (Outcome, bool) {
	for _, resp := range attempt.Responses {
		if !resp.OK && staleResponse(resp) {
			return r.staleOutcome(resp), true
		}
	}
	return Outcome{}, false
}

func (r *Router) staleOutcome(resp dispatch.Response) Outcome {
	return Outcome{
		Status: StatusStaleTopology,
		Err: &Error{
			Code:    ErrCodeStaleTopology,
			Message: resp.Message,
			Shard:   resp.Shard,
			Details: map[string]string{"shardCode": strconv.Itoa(resp.Code)},
		},
	}
}

// dropUnavailable filters out responses from shards that could not be
// reached. Callers opt in via TolerateMissingShards; the skip is logged so
// an operator can see which contributions are absent from the merge.
func dropUnavailable(responses []dispatch.Response, log *slog.Logger) []dispatch.Response {
	kept := responses[:0:0]
	for _, resp := range responses {
		if !resp.OK && unavailableResponse(resp) {
			log.Warn("skipping unreachable shard in fan-out",
				"shard", resp.Shard, "errmsg", resp.Message)
			continue
		}
		kept = append(kept, resp)
	}
	return kept
}

// validateDataSize enforces the shard-key contract of range size probes:
// the supplied key pattern must equal the shard key, and both bounds must
// be complete shard-key values.
func validateDataSize(cmd document.Command, cat topology.Catalog) error {
	key, err := cat.ShardKey(cmd.NS)
	if err != nil {
		return err
	}
	if kp := cmd.Body.Sub("keyPattern"); kp == nil || !key.MatchesDoc(kp) {
		return newError(ErrCodeTargeting, "keyPattern must equal shard key")
	}
	for _, bound := range []string{"min", "max"} {
		v := cmd.Body.Sub(bound)
		if v == nil || !key.CoveredBy(v) {
			return newError(ErrCodeTargeting, "%s value does not have shard key", bound)
		}
	}
	return nil
}

func chainFailure(err error) (*reduce.ChainFailedError, bool) {
	var failure *reduce.ChainFailedError
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
