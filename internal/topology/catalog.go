// Package topology exposes the router's read-only view of the cluster:
// which collections are sharded, which shard owns which key range, and which
// shard is primary for unsharded collections. The authoritative source of
// this mapping lives elsewhere; this package only defines the query contract
// the router consumes, plus a static implementation for tests and tooling.
package topology

import (
	"errors"
	"fmt"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/document"
)

// ShardID identifies one storage partition.
type ShardID string

// ShardTarget is a shard identifier plus the address the dispatcher needs
// to reach it. The target set for one command attempt is computed once and
// never mutated.
type ShardTarget struct {
	ID   ShardID
	Addr string
}

// ErrStale marks a catalog answer that may reflect an out-of-date view of
// partition ownership. The router propagates it to the staleness classifier
// rather than interpreting it; retry policy belongs to the caller.
var ErrStale = errors.New("stale topology view")

// ErrShardNotFound marks a shard that is in the routing table but cannot be
// resolved to an address. Administrative fan-outs tolerate it by skipping
// the shard; data-bearing reads do not.
var ErrShardNotFound = errors.New("shard not found")

// KeyPattern is an ordered list of shard-key field names. The pattern
// {files_id: 1, n: 1} is represented as ["files_id", "n"].
type KeyPattern []string

// Equal reports whether two patterns name the same fields in the same order.
func (p KeyPattern) Equal(other KeyPattern) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// CoveredBy reports whether the given document fixes every field of the
// pattern to a scalar value, i.e. whether it is a valid shard-key value.
func (p KeyPattern) CoveredBy(d document.Doc) bool {
	if len(p) == 0 {
		return false
	}
	for _, field := range p {
		v, ok := d[field]
		if !ok {
			return false
		}
		switch v.(type) {
		case document.Doc, map[string]any, []any:
			return false
		}
	}
	return true
}

// MatchesDoc reports whether a key-pattern document ({a: 1, b: 1}) names
// exactly this pattern's fields. JSON objects do not preserve field order,
// so the comparison is on the field set.
func (p KeyPattern) MatchesDoc(d document.Doc) bool {
	if len(d) != len(p) {
		return false
	}
	for _, field := range p {
		if !d.Has(field) {
			return false
		}
	}
	return true
}

// View describes a namespace that is a derived (virtual) collection rather
// than a physical one. Explain on a view delegates to the aggregation path
// over the backing collection.
type View struct {
	// On is the backing collection name within the same database.
	On string

	// Pipeline is the view-defining aggregation pipeline.
	Pipeline []any
}

// Catalog is the topology query interface consumed by the router. Any call
// may fail with an error wrapping ErrStale, which must be surfaced to the
// staleness classifier untouched.
type Catalog interface {
	// IsSharded reports whether the namespace is partitioned across shards.
	IsSharded(ns document.Namespace) (bool, error)

	// Primary returns the designated primary shard for an unsharded
	// namespace's database.
	Primary(ns document.Namespace) (ShardTarget, error)

	// ShardsForPredicate returns the shards that may hold documents
	// matching the predicate under the given collation. A nil predicate
	// targets every shard owning a piece of the collection.
	ShardsForPredicate(ns document.Namespace, predicate document.Doc, coll *collation.Spec) ([]ShardTarget, error)

	// AllShards returns every shard in the cluster. Used by administrative
	// commands that no predicate narrows.
	AllShards() ([]ShardTarget, error)

	// ShardKey returns the shard-key pattern for a sharded namespace.
	ShardKey(ns document.Namespace) (KeyPattern, error)

	// DefaultCollation returns the namespace's default collation, or nil
	// for binary comparison.
	DefaultCollation(ns document.Namespace) (*collation.Spec, error)

	// ResolveView returns the view definition when the namespace is a
	// view, or nil for physical collections.
	ResolveView(ns document.Namespace) (*View, error)
}

// IsStale reports whether an error (possibly wrapped) carries the stale
// topology marker.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}

// Unknown builds the error returned for namespaces the catalog has no
// entry for.
func Unknown(ns document.Namespace) error {
	return fmt.Errorf("namespace %s not found in topology", ns)
}
