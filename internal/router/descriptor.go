package router

import (
	"strings"

	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/reduce"
	"github.com/gridwaydb/gridway/internal/topology"
)

// Family selects the routing and reduction behavior for a command. It
// replaces a per-command class hierarchy: a command is a plain descriptor
// record dispatched through a lookup table.
type Family int

const (
	// FamilyPassthrough sends the command to the database's primary shard
	// and relays the response.
	FamilyPassthrough Family = iota

	// FamilyNotOnSharded is a passthrough that is refused outright when
	// the target collection is sharded.
	FamilyNotOnSharded

	// FamilySum scatters and merges numeric statistics (counter-sum).
	FamilySum

	// FamilyTopK scatters and k-way merges distance-sorted candidates.
	FamilyTopK

	// FamilyDedup scatters and merges value lists under a collation.
	FamilyDedup

	// FamilyChained runs the strictly-sequential carry-state protocol.
	FamilyChained

	// FamilyRawFanout scatters and reports per-shard raw results
	// (administrative and diagnostic commands).
	FamilyRawFanout
)

// Targeting selects how the shard set for an attempt is resolved.
type Targeting int

const (
	// TargetPredicate narrows to the shards matching the command's query
	// predicate (all owners when there is no predicate).
	TargetPredicate Targeting = iota

	// TargetAllShards targets every shard in the cluster.
	TargetAllShards

	// TargetPrimary targets only the database's primary shard.
	TargetPrimary
)

// Descriptor is the capability record for one command. Immutable after
// registration.
type Descriptor struct {
	// Name is the command name; AltName is an accepted legacy spelling.
	Name    string
	AltName string

	// Family picks the scatter/reduce behavior.
	Family Family

	// Targeting picks shard-set resolution for scatter families.
	Targeting Targeting

	// PassOptions forwards the client's query-option bitmask to shards.
	// Off by default; enabled per command as it is proven safe.
	PassOptions bool

	// SupportsWriteConcern marks commands whose write concern the shards
	// enforce.
	SupportsWriteConcern bool

	// TolerateMissingShards makes a fan-out skip shards that cannot be
	// reached instead of failing. Administrative commands set this;
	// data-bearing reads never do.
	TolerateMissingShards bool

	// LegacyDowngrade enables the element-by-element fallback when a
	// shard rejects the command name as unknown.
	LegacyDowngrade bool

	// CombineValid ANDs per-shard "valid" flags into the merged result.
	CombineValid bool

	// AnnotateSharding prepends "sharded"/"primary" fields to the result
	// so clients can tell which path served a statistics command.
	AnnotateSharding bool

	// Validate runs before target resolution; a returned error stops the
	// attempt (used for shard-key compatibility checks).
	Validate func(cmd document.Command, cat topology.Catalog) error

	// NewStrategy builds the reducer for one invocation of a scatter
	// family. Nil for passthrough and chained families.
	NewStrategy func(cmd document.Command) reduce.Strategy

	// ParseNS extracts the target namespace from the command body. Nil
	// means the default rule: the command's own field names the
	// collection within the request database.
	ParseNS func(db string, body document.Doc) (document.Namespace, error)
}

// Registry is the command lookup table.
type Registry struct {
	byName map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a descriptor under its name and legacy alias. Later
// registrations replace earlier ones, which lets embedders override the
// defaults.
func (r *Registry) Register(d *Descriptor) {
	r.byName[strings.ToLower(d.Name)] = d
	if d.AltName != "" {
		r.byName[strings.ToLower(d.AltName)] = d
	}
}

// Lookup finds the descriptor for a command name. Lookup is
// case-insensitive to match how legacy clients spell command names.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.byName[strings.ToLower(name)]
	return d, ok
}

// defaultNS is the common namespace rule: body[name] holds the collection
// name within the request database.
func defaultNS(name string) func(db string, body document.Doc) (document.Namespace, error) {
	return func(db string, body document.Doc) (document.Namespace, error) {
		coll := body.String(name)
		if coll == "" {
			return document.Namespace{}, newError(ErrCodeTargeting,
				"command %s requires a collection name", name)
		}
		return document.Namespace{DB: db, Collection: coll}, nil
	}
}

// fullyQualifiedNS parses body[name] as a full "db.collection" namespace
// (used by commands addressed across databases, e.g. size probes).
func fullyQualifiedNS(name string) func(db string, body document.Doc) (document.Namespace, error) {
	return func(_ string, body document.Doc) (document.Namespace, error) {
		ns, err := document.ParseNamespace(body.String(name))
		if err != nil {
			return document.Namespace{}, newError(ErrCodeTargeting,
				"command %s requires a fully-qualified namespace: %v", name, err)
		}
		return ns, nil
	}
}

// chunksNS maps a file-hash command to its chunks collection: the "root"
// field (default "fs") plus the ".chunks" suffix.
func chunksNS(db string, body document.Doc) (document.Namespace, error) {
	root := body.String("root")
	if root == "" {
		root = "fs"
	}
	return document.Namespace{DB: db, Collection: root + ".chunks"}, nil
}

// DefaultRegistry returns the standard command table.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(&Descriptor{
		Name: "collStats", AltName: "collstats",
		Family:                FamilySum,
		Targeting:             TargetPredicate,
		TolerateMissingShards: true,
		AnnotateSharding:      true,
		NewStrategy: func(cmd document.Command) reduce.Strategy {
			return &reduce.Stats{NS: cmd.NS.String()}
		},
		ParseNS: defaultNS("collStats"),
	})

	r.Register(&Descriptor{
		Name: "dataSize", AltName: "datasize",
		Family:                FamilySum,
		Targeting:             TargetPredicate,
		TolerateMissingShards: true,
		Validate:              validateDataSize,
		NewStrategy: func(cmd document.Command) reduce.Strategy {
			return reduce.DataSize{}
		},
		ParseNS: fullyQualifiedNS("dataSize"),
	})

	r.Register(&Descriptor{
		Name:        "geoNear",
		Family:      FamilyTopK,
		Targeting:   TargetPredicate,
		PassOptions: true,
		NewStrategy: func(cmd document.Command) reduce.Strategy {
			return &reduce.TopK{NS: cmd.NS.String(), Limit: cmd.Limit(reduce.DefaultNearLimit)}
		},
		ParseNS: defaultNS("geoNear"),
	})

	r.Register(&Descriptor{
		Name:        "distinct",
		Family:      FamilyDedup,
		Targeting:   TargetPredicate,
		PassOptions: true,
		NewStrategy: func(cmd document.Command) reduce.Strategy {
			return reduce.Distinct{}
		},
		ParseNS: defaultNS("distinct"),
	})

	r.Register(&Descriptor{
		Name:    "filemd5",
		Family:  FamilyChained,
		ParseNS: chunksNS,
	})

	r.Register(&Descriptor{
		Name:         "validate",
		Family:       FamilyRawFanout,
		Targeting:    TargetPredicate,
		CombineValid: true,
		ParseNS:      defaultNS("validate"),
	})

	// Administrative all-shard fan-outs. When the collection is unsharded
	// these fall back to the primary (handled by the router); when sharded
	// they hit every shard and tolerate individually unreachable ones.
	r.Register(&Descriptor{
		Name: "dropIndexes", AltName: "deleteIndexes",
		Family:                FamilyRawFanout,
		Targeting:             TargetAllShards,
		SupportsWriteConcern:  true,
		TolerateMissingShards: true,
		ParseNS:               defaultNS("dropIndexes"),
	})
	r.Register(&Descriptor{
		Name:                  "createIndexes",
		Family:                FamilyRawFanout,
		Targeting:             TargetAllShards,
		SupportsWriteConcern:  true,
		TolerateMissingShards: true,
		LegacyDowngrade:       true,
		ParseNS:               defaultNS("createIndexes"),
	})
	r.Register(&Descriptor{
		Name:                  "reIndex",
		Family:                FamilyRawFanout,
		Targeting:             TargetAllShards,
		SupportsWriteConcern:  true,
		TolerateMissingShards: true,
		ParseNS:               defaultNS("reIndex"),
	})
	r.Register(&Descriptor{
		Name:                  "collMod",
		Family:                FamilyRawFanout,
		Targeting:             TargetAllShards,
		SupportsWriteConcern:  true,
		TolerateMissingShards: true,
		ParseNS:               defaultNS("collMod"),
	})

	r.Register(&Descriptor{
		Name:                 "convertToCapped",
		Family:               FamilyNotOnSharded,
		SupportsWriteConcern: true,
		ParseNS:              defaultNS("convertToCapped"),
	})
	r.Register(&Descriptor{
		Name:                 "create",
		Family:               FamilyPassthrough,
		Targeting:            TargetPrimary,
		SupportsWriteConcern: true,
		ParseNS:              defaultNS("create"),
	})

	return r
}
