// Package expr implements the predicate language used by trigger bindings
// and step conditions, plus the dotted-path resolver shared with the
// template renderer.
//
// Supported forms:
//
//	severity == 'high'        equality (also !=)
//	score >= 7                numeric comparison (<, <=, >, >=)
//	tags.contains('x')        membership in an array or substring of a string
//	category IN ['a','b']     SQL-IN-style set membership
//	steps.s1.success          bare dotted path, truthy test
//
// Conjunction is expressed through the JSON-object filter shorthand
// (MatchFilter), not inside the expression grammar. Unparsable predicates
// are a parse error; callers treat them fail-closed.
package expr

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Resolve walks a dotted path through a tree of maps and arrays.
// The second return reports whether the full path exists; a nil value at
// an existing leaf resolves as (nil, true). Array segments accept numeric
// indexes.
func Resolve(root any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := root
	for seg := range strings.SplitSeq(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Truthy reports whether a resolved value counts as true in a bare-path
// condition: false, nil, 0, "" and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// toFloat normalizes the numeric types that appear in decoded JSON and
// in Go literals written by tests.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
