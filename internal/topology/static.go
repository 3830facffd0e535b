package topology

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gridwaydb/gridway/internal/collation"
	"github.com/gridwaydb/gridway/internal/document"
)

// Static is an in-memory Catalog loaded from a YAML routing table. It backs
// the CLI and tests; a production deployment would satisfy Catalog with a
// client of the real topology service instead.
//
// Thread-safety: all query methods are safe for concurrent use. The table
// itself is immutable after Load; only the staleness flag is mutable.
type Static struct {
	mu    sync.RWMutex
	stale bool

	shards      map[ShardID]ShardTarget
	shardOrder  []ShardID
	dbPrimaries map[string]ShardID
	collections map[string]*staticCollection
	views       map[string]*View
}

type staticCollection struct {
	key        KeyPattern
	owners     []ShardID
	rangeField string
	ranges     []staticRange // ascending by upper bound; last range is unbounded
	collation  *collation.Spec
}

type staticRange struct {
	shard ShardID
	max   float64
	open  bool // unbounded above
}

// File is the YAML shape of a routing table.
type File struct {
	Shards []struct {
		ID   string `yaml:"id"`
		Addr string `yaml:"addr"`
	} `yaml:"shards"`
	Databases []struct {
		Name    string `yaml:"name"`
		Primary string `yaml:"primary"`
	} `yaml:"databases"`
	Collections []struct {
		NS     string   `yaml:"ns"`
		Key    []string `yaml:"key"`
		Owners []string `yaml:"owners"`
		Ranges *struct {
			Field  string `yaml:"field"`
			Splits []struct {
				Shard string   `yaml:"shard"`
				Max   *float64 `yaml:"max"`
			} `yaml:"splits"`
		} `yaml:"ranges"`
		Collation map[string]any `yaml:"collation"`
	} `yaml:"collections"`
	Views []struct {
		NS       string `yaml:"ns"`
		On       string `yaml:"on"`
		Pipeline []any  `yaml:"pipeline"`
	} `yaml:"views"`
}

// LoadFile reads a routing table from a YAML file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return Load(data)
}

// Load parses a YAML routing table.
func Load(data []byte) (*Static, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse topology file: %w", err)
	}
	return FromFile(&f)
}

// FromFile builds a Static catalog from a parsed routing table.
func FromFile(f *File) (*Static, error) {
	s := &Static{
		shards:      make(map[ShardID]ShardTarget),
		dbPrimaries: make(map[string]ShardID),
		collections: make(map[string]*staticCollection),
		views:       make(map[string]*View),
	}

	for _, sh := range f.Shards {
		id := ShardID(sh.ID)
		if _, dup := s.shards[id]; dup {
			return nil, fmt.Errorf("duplicate shard id %q", sh.ID)
		}
		s.shards[id] = ShardTarget{ID: id, Addr: sh.Addr}
		s.shardOrder = append(s.shardOrder, id)
	}

	for _, db := range f.Databases {
		primary := ShardID(db.Primary)
		if _, ok := s.shards[primary]; !ok {
			return nil, fmt.Errorf("database %q: primary shard %q not declared", db.Name, db.Primary)
		}
		s.dbPrimaries[db.Name] = primary
	}

	for _, c := range f.Collections {
		if len(c.Key) == 0 {
			return nil, fmt.Errorf("collection %q: sharded collection needs a shard key", c.NS)
		}
		col := &staticCollection{key: KeyPattern(c.Key)}
		for _, o := range c.Owners {
			id := ShardID(o)
			if _, ok := s.shards[id]; !ok {
				return nil, fmt.Errorf("collection %q: owner shard %q not declared", c.NS, o)
			}
			col.owners = append(col.owners, id)
		}
		if c.Ranges != nil {
			col.rangeField = c.Ranges.Field
			for i, sp := range c.Ranges.Splits {
				r := staticRange{shard: ShardID(sp.Shard)}
				if sp.Max == nil {
					if i != len(c.Ranges.Splits)-1 {
						return nil, fmt.Errorf("collection %q: only the last range may be unbounded", c.NS)
					}
					r.open = true
				} else {
					r.max = *sp.Max
				}
				col.ranges = append(col.ranges, r)
			}
			sort.SliceStable(col.ranges, func(i, j int) bool {
				if col.ranges[i].open {
					return false
				}
				if col.ranges[j].open {
					return true
				}
				return col.ranges[i].max < col.ranges[j].max
			})
		}
		if c.Collation != nil {
			spec, err := collation.ParseSpec(document.Doc(c.Collation))
			if err != nil {
				return nil, fmt.Errorf("collection %q: %w", c.NS, err)
			}
			col.collation = spec
		}
		if len(col.owners) == 0 && len(col.ranges) == 0 {
			return nil, fmt.Errorf("collection %q: no owners or ranges declared", c.NS)
		}
		s.collections[c.NS] = col
	}

	for _, v := range f.Views {
		s.views[v.NS] = &View{On: v.On, Pipeline: v.Pipeline}
	}

	return s, nil
}

// MarkStale makes every subsequent query fail with an ErrStale-wrapped
// error until ClearStale. Exercises the staleness path in tests.
func (s *Static) MarkStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// ClearStale resets the staleness flag.
func (s *Static) ClearStale() {
	s.mu.Lock()
	s.stale = false
	s.mu.Unlock()
}

func (s *Static) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stale {
		return fmt.Errorf("routing table needs refresh: %w", ErrStale)
	}
	return nil
}

// IsSharded implements Catalog.
func (s *Static) IsSharded(ns document.Namespace) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	_, ok := s.collections[ns.String()]
	return ok, nil
}

// Primary implements Catalog.
func (s *Static) Primary(ns document.Namespace) (ShardTarget, error) {
	if err := s.check(); err != nil {
		return ShardTarget{}, err
	}
	id, ok := s.dbPrimaries[ns.DB]
	if !ok {
		return ShardTarget{}, fmt.Errorf("database %q has no primary shard", ns.DB)
	}
	return s.shards[id], nil
}

// AllShards implements Catalog. Order is declaration order, kept stable so
// fan-out results are deterministic in tests.
func (s *Static) AllShards() ([]ShardTarget, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]ShardTarget, 0, len(s.shardOrder))
	for _, id := range s.shardOrder {
		out = append(out, s.shards[id])
	}
	return out, nil
}

// ShardKey implements Catalog.
func (s *Static) ShardKey(ns document.Namespace) (KeyPattern, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	col, ok := s.collections[ns.String()]
	if !ok {
		return nil, Unknown(ns)
	}
	return col.key, nil
}

// DefaultCollation implements Catalog.
func (s *Static) DefaultCollation(ns document.Namespace) (*collation.Spec, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	col, ok := s.collections[ns.String()]
	if !ok {
		return nil, nil
	}
	return col.collation, nil
}

// ResolveView implements Catalog.
func (s *Static) ResolveView(ns document.Namespace) (*View, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.views[ns.String()], nil
}

// ShardsForPredicate implements Catalog.
//
// Targeting rules, narrowest first:
//  1. predicate fixes the range field to a number -> the owning range's shard
//  2. predicate covers the full shard key -> one owner chosen by key hash
//  3. otherwise -> every shard owning a piece of the collection
//
// A non-simple collation disables narrowing on string-typed keys: ownership
// ranges are stored in binary order, and an ICU comparison may disagree
// with it, so the safe answer is the full owner set.
func (s *Static) ShardsForPredicate(ns document.Namespace, predicate document.Doc, coll *collation.Spec) ([]ShardTarget, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	col, ok := s.collections[ns.String()]
	if !ok {
		return nil, Unknown(ns)
	}

	simple := coll == nil || coll.Locale == collation.SimpleLocale

	if predicate != nil && col.rangeField != "" {
		if n, isNum := predicate.LookupNumber(col.rangeField); isNum {
			if id, found := col.rangeOwner(n); found {
				return []ShardTarget{s.shards[id]}, nil
			}
		}
	}

	if predicate != nil && col.key.CoveredBy(predicate) && (simple || !keyHasString(col.key, predicate)) {
		id := col.hashOwner(col.key, predicate)
		if id != "" {
			return []ShardTarget{s.shards[id]}, nil
		}
	}

	return s.ownerTargets(col), nil
}

func (s *Static) ownerTargets(col *staticCollection) []ShardTarget {
	seen := make(map[ShardID]bool)
	var out []ShardTarget
	add := func(id ShardID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, s.shards[id])
		}
	}
	for _, id := range col.owners {
		add(id)
	}
	for _, r := range col.ranges {
		add(r.shard)
	}
	return out
}

func (col *staticCollection) rangeOwner(v float64) (ShardID, bool) {
	for _, r := range col.ranges {
		if r.open || v < r.max {
			return r.shard, true
		}
	}
	return "", false
}

// hashOwner picks an owner deterministically from the shard-key value,
// the same way the example sharded stores map keys to groups.
func (col *staticCollection) hashOwner(key KeyPattern, predicate document.Doc) ShardID {
	if len(col.owners) == 0 {
		if len(col.ranges) == 0 {
			return ""
		}
		return col.ranges[0].shard
	}
	h := fnv.New32a()
	for _, field := range key {
		fmt.Fprintf(h, "%s=%v;", field, predicate[field])
	}
	return col.owners[int(h.Sum32())%len(col.owners)]
}

func keyHasString(key KeyPattern, predicate document.Doc) bool {
	for _, field := range key {
		if _, ok := predicate[field].(string); ok {
			return true
		}
	}
	return false
}
