package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Doc is a loosely-typed structured document, the unit of exchange between the
// router and shard processes. Shard responses and merged results are all Docs.
//
// Numeric fields may arrive as json.Number (preferred, preserves integer
// exactness), float64, or any Go integer type depending on how the Doc was
// built. Accessors below coerce across those representations so merge code
// never type-switches on wire details.
type Doc map[string]any

// Decode parses JSON into a Doc. Numbers are kept as json.Number so that
// 64-bit counters survive without float rounding.
func Decode(data []byte) (Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var d Doc
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

// Encode serializes a Doc to JSON.
func (d Doc) Encode() ([]byte, error) {
	return json.Marshal(map[string]any(d))
}

// Has reports whether the field is present, regardless of its value.
func (d Doc) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// String returns the field as a string, or "" if absent or not a string.
func (d Doc) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the field as a bool. Numeric values follow truthiness
// (nonzero is true), matching how shard responses encode "ok": 1.
func (d Doc) Bool(key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	default:
		n, ok := Number(v)
		return ok && n != 0
	}
}

// Float64 returns the field coerced to float64, or 0 if absent/non-numeric.
func (d Doc) Float64(key string) float64 {
	n, _ := Number(d[key])
	return n
}

// Int64 returns the field coerced to int64, truncating any fractional part.
// Returns 0 if absent or non-numeric.
func (d Doc) Int64(key string) int64 {
	n, _ := Int64Value(d[key])
	return n
}

// LookupNumber returns the field as a float64 and whether it was numeric.
// Use this when absence must be distinguished from zero (e.g. optional
// per-shard statistics).
func (d Doc) LookupNumber(key string) (float64, bool) {
	return Number(d[key])
}

// Sub returns a nested Doc field, or nil if absent or not an object.
// A nil Doc is safe to index and iterate.
func (d Doc) Sub(key string) Doc {
	switch v := d[key].(type) {
	case Doc:
		return v
	case map[string]any:
		return Doc(v)
	default:
		return nil
	}
}

// Array returns the field as a slice, or nil if absent or not an array.
func (d Doc) Array(key string) []any {
	v, _ := d[key].([]any)
	return v
}

// Clone returns a deep copy of the Doc. Responses handed to reducers are
// treated as immutable; anything a reducer wants to mutate it must clone.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Doc:
		return val.Clone()
	case map[string]any:
		return Doc(val).Clone()
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		// Scalars (string, bool, numbers, json.Number) are immutable.
		return v
	}
}

// Number coerces a value to float64. Returns false for non-numeric values.
// json.Number parse failures count as non-numeric rather than panicking,
// since shard responses are untrusted input.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Int64Value coerces a value to int64, returning false for non-numeric input
// or values outside the int64 range.
func Int64Value(v any) (int64, bool) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	f, ok := Number(v)
	if !ok || math.IsNaN(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
