package document

import (
	"fmt"
	"strings"
)

// Namespace is a fully-qualified collection name: "db.collection".
// The collection part may itself contain dots (e.g. "fs.chunks").
type Namespace struct {
	DB         string
	Collection string
}

// ParseNamespace splits "db.collection" at the first dot.
func ParseNamespace(ns string) (Namespace, error) {
	i := strings.IndexByte(ns, '.')
	if i <= 0 || i == len(ns)-1 {
		return Namespace{}, fmt.Errorf("invalid namespace %q", ns)
	}
	return Namespace{DB: ns[:i], Collection: ns[i+1:]}, nil
}

// String returns the fully-qualified form.
func (n Namespace) String() string {
	return n.DB + "." + n.Collection
}

// Command is one client command addressed to a namespace. It is immutable
// once dispatch begins: the executor and reducers only read it, and the
// chained protocol builds fresh per-probe command bodies rather than
// mutating this one.
type Command struct {
	// Name is the command name ("distinct", "collStats", ...).
	Name string

	// NS is the target namespace.
	NS Namespace

	// Body is the full command document as received from the client.
	Body Doc

	// Options is the client's query-option bitmask. It is forwarded to
	// shards only for commands whose descriptor sets PassOptions.
	Options int32
}

// Predicate extracts the targeting query from the command body: the "query"
// field, or "q" as a legacy alias. Returns nil when no predicate narrows
// shard targeting.
func (c Command) Predicate() Doc {
	if q := c.Body.Sub("query"); q != nil {
		return q
	}
	return c.Body.Sub("q")
}

// Collation extracts the "collation" field from the command body. A missing
// field yields (nil, nil); a present non-object field is an error so that a
// malformed collation never silently degrades to binary comparison.
func (c Command) Collation() (Doc, error) {
	v, ok := c.Body["collation"]
	if !ok {
		return nil, nil
	}
	spec := c.Body.Sub("collation")
	if spec == nil {
		return nil, fmt.Errorf("\"collation\" had the wrong type: expected object, found %T", v)
	}
	return spec, nil
}

// Limit reads the result limit for top-K commands. "num" is preferred over
// "limit" when both are numeric; def is returned when neither is present.
func (c Command) Limit(def int) int {
	if n, ok := c.Body.LookupNumber("num"); ok {
		return int(n)
	}
	if n, ok := c.Body.LookupNumber("limit"); ok {
		return int(n)
	}
	return def
}
