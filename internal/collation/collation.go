// Package collation defines value equality and ordering rules used when
// deduplicating and sorting values merged from multiple shards.
//
// A collation is requested per command, falls back to the collection's
// default collation, and finally to simple binary ordering. Comparison
// covers full document values, not just strings: values of different kinds
// are ordered by a fixed kind rank so a merged set has one total order.
package collation

import (
	"fmt"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/gridwaydb/gridway/internal/document"
)

// SimpleLocale names the binary (codepoint) collation. It is the implicit
// default everywhere a collation is absent.
const SimpleLocale = "simple"

// Spec is a parsed collation specification.
type Spec struct {
	// Locale is a BCP 47 tag, or "simple" for binary comparison.
	Locale string

	// Strength follows ICU levels: 1 ignores case and diacritics,
	// 2 ignores case, 3 (default) is a full tertiary comparison.
	Strength int

	// NumericOrdering compares digit substrings by numeric value
	// ("10" after "9").
	NumericOrdering bool
}

// ParseSpec validates a collation document. The locale field is mandatory;
// a malformed spec is a targeting error upstream, never a silent fallback.
func ParseSpec(d document.Doc) (*Spec, error) {
	if d == nil {
		return nil, nil
	}
	locale := d.String("locale")
	if locale == "" {
		return nil, fmt.Errorf("collation spec missing required \"locale\" field")
	}

	spec := &Spec{Locale: locale, Strength: 3}
	if n, ok := d.LookupNumber("strength"); ok {
		s := int(n)
		if s < 1 || s > 5 {
			return nil, fmt.Errorf("collation strength must be in [1,5], got %d", s)
		}
		spec.Strength = s
	}
	spec.NumericOrdering = d.Bool("numericOrdering")
	return spec, nil
}

// Comparer imposes a total order over document values under one collation.
// A nil *Comparer is valid and means simple binary ordering.
type Comparer struct {
	coll *collate.Collator
}

// Simple returns the binary comparer.
func Simple() *Comparer {
	return &Comparer{}
}

// New builds a Comparer from a spec. A nil spec or the "simple" locale
// yields the binary comparer.
func New(spec *Spec) (*Comparer, error) {
	if spec == nil || spec.Locale == SimpleLocale {
		return Simple(), nil
	}

	tag, err := language.Parse(spec.Locale)
	if err != nil {
		return nil, fmt.Errorf("unsupported collation locale %q: %w", spec.Locale, err)
	}

	var opts []collate.Option
	switch {
	case spec.Strength <= 1:
		opts = append(opts, collate.Loose)
	case spec.Strength == 2:
		opts = append(opts, collate.IgnoreCase)
	}
	if spec.NumericOrdering {
		opts = append(opts, collate.Numeric)
	}

	return &Comparer{coll: collate.New(tag, opts...)}, nil
}

// Kind ranks for cross-type comparison. Mixed-kind value sets come up in
// practice (a field holding strings on one shard and numbers on another),
// so the order must be total, not just defined for strings.
const (
	kindNull = iota
	kindNumber
	kindString
	kindDoc
	kindArray
	kindBool
	kindOther
)

func kindOf(v any) int {
	switch v.(type) {
	case nil:
		return kindNull
	case string:
		return kindString
	case bool:
		return kindBool
	case document.Doc, map[string]any:
		return kindDoc
	case []any:
		return kindArray
	default:
		if _, ok := document.Number(v); ok {
			return kindNumber
		}
		return kindOther
	}
}

// Compare returns -1, 0, or +1. Values of different kinds order by kind
// rank. Strings compare under the collation (NFC-normalized first, so
// composed and decomposed forms of the same text are equal). Everything
// else compares on a canonical byte rendering.
func (c *Comparer) Compare(a, b any) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return sign(ka - kb)
	}

	switch ka {
	case kindNull:
		return 0
	case kindNumber:
		fa, _ := document.Number(a)
		fb, _ := document.Number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case kindString:
		return c.compareStrings(a.(string), b.(string))
	case kindBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	default:
		return strings.Compare(render(a), render(b))
	}
}

// Equal reports equality under the collation.
func (c *Comparer) Equal(a, b any) bool {
	return c.Compare(a, b) == 0
}

func (c *Comparer) compareStrings(a, b string) int {
	a = norm.NFC.String(a)
	b = norm.NFC.String(b)
	if c == nil || c.coll == nil {
		return strings.Compare(a, b)
	}
	return c.coll.CompareString(a, b)
}

// render produces a deterministic textual form for composite values so that
// docs and arrays still sort stably. Encoding failures fall back to %v;
// ordering for such values only needs to be consistent, not meaningful.
func render(v any) string {
	switch val := v.(type) {
	case document.Doc:
		if b, err := val.Encode(); err == nil {
			return string(b)
		}
	case map[string]any:
		if b, err := document.Doc(val).Encode(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
