package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Op is a comparison operator.
type Op string

// Operators.
const (
	OpEq       Op = "=="
	OpNe       Op = "!="
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpIn       Op = "IN"
	OpContains Op = "contains"
	OpTruthy   Op = "truthy" // bare path, no operator
)

// Predicate is a parsed, side-effect-free boolean expression over a
// variables tree.
type Predicate struct {
	Path string
	Op   Op
	// Value holds the literal operand: string, float64, bool, nil, or
	// []any for IN sets.
	Value any
}

// Parse compiles a predicate expression. Callers treat a parse error as
// fail-closed: the predicate never matches.
func Parse(input string) (*Predicate, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, fmt.Errorf("empty predicate")
	}

	// path.contains('x')
	if p, ok, err := parseContains(s); ok || err != nil {
		return p, err
	}

	// path IN [...]
	if p, ok, err := parseIn(s); ok || err != nil {
		return p, err
	}

	// Binary comparison. Longest operators first so ">=" is not read as ">".
	for _, op := range []Op{OpGe, OpLe, OpEq, OpNe, OpGt, OpLt} {
		if idx := strings.Index(s, string(op)); idx > 0 {
			left := strings.TrimSpace(s[:idx])
			right := strings.TrimSpace(s[idx+len(op):])
			if left == "" || right == "" {
				return nil, fmt.Errorf("incomplete comparison in %q", input)
			}
			path, err := parsePath(left)
			if err != nil {
				return nil, err
			}
			val, err := parseLiteral(right)
			if err != nil {
				return nil, err
			}
			return &Predicate{Path: path, Op: op, Value: val}, nil
		}
	}

	// Bare path: truthy test (e.g. steps.s1.success).
	path, err := parsePath(s)
	if err != nil {
		return nil, err
	}
	return &Predicate{Path: path, Op: OpTruthy}, nil
}

// Eval evaluates the predicate against a variables tree. Missing fields
// compare as not-equal; every other operator on a missing field is false.
func (p *Predicate) Eval(root map[string]any) bool {
	val, ok := Resolve(root, p.Path)

	switch p.Op {
	case OpTruthy:
		return ok && Truthy(val)
	case OpEq:
		if !ok {
			return false
		}
		return looseEqual(val, p.Value)
	case OpNe:
		if !ok {
			return true // missing field evaluates as not-equal
		}
		return !looseEqual(val, p.Value)
	case OpIn:
		if !ok {
			return false
		}
		set, _ := p.Value.([]any)
		for _, item := range set {
			if looseEqual(val, item) {
				return true
			}
		}
		return false
	case OpContains:
		if !ok {
			return false
		}
		switch coll := val.(type) {
		case []any:
			for _, item := range coll {
				if looseEqual(item, p.Value) {
					return true
				}
			}
			return false
		case string:
			needle, isStr := p.Value.(string)
			return isStr && strings.Contains(coll, needle)
		default:
			return false
		}
	case OpGt, OpGe, OpLt, OpLe:
		if !ok {
			return false
		}
		a, aok := toFloat(val)
		b, bok := toFloat(p.Value)
		if !aok || !bok {
			return false
		}
		switch p.Op {
		case OpGt:
			return a > b
		case OpGe:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// EvalString parses and evaluates in one call. Parse errors return
// (false, err) so callers can fail closed and log.
func EvalString(input string, root map[string]any) (bool, error) {
	p, err := Parse(input)
	if err != nil {
		return false, err
	}
	return p.Eval(root), nil
}

// MatchFilter evaluates the JSON-object conjunction shorthand:
// every entry must match; an array value means "any of".
func MatchFilter(filter map[string]any, root map[string]any) bool {
	for field, want := range filter {
		got, ok := Resolve(root, field)
		if !ok {
			return false
		}
		switch w := want.(type) {
		case []any:
			anyMatch := false
			for _, candidate := range w {
				if looseEqual(got, candidate) {
					anyMatch = true
					break
				}
			}
			if !anyMatch {
				return false
			}
		default:
			if !looseEqual(got, want) {
				return false
			}
		}
	}
	return true
}

// looseEqual compares scalars with JSON-style numeric coercion, so the
// int 7 in an event matches the literal 7.0 from a decoded predicate.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok2 := toFloat(b); ok2 {
			return af == bf
		}
		return false
	}
	return a == b
}

// ── parsing helpers ──────────────────────────────────────────────

func parseContains(s string) (*Predicate, bool, error) {
	idx := strings.Index(s, ".contains(")
	if idx <= 0 {
		return nil, false, nil
	}
	if !strings.HasSuffix(s, ")") {
		return nil, true, fmt.Errorf("unterminated contains() in %q", s)
	}
	path, err := parsePath(s[:idx])
	if err != nil {
		return nil, true, err
	}
	arg := strings.TrimSpace(s[idx+len(".contains(") : len(s)-1])
	val, err := parseLiteral(arg)
	if err != nil {
		return nil, true, err
	}
	return &Predicate{Path: path, Op: OpContains, Value: val}, true, nil
}

func parseIn(s string) (*Predicate, bool, error) {
	idx := strings.Index(s, " IN ")
	if idx <= 0 {
		idx = strings.Index(s, " in ")
	}
	if idx <= 0 {
		return nil, false, nil
	}
	path, err := parsePath(strings.TrimSpace(s[:idx]))
	if err != nil {
		return nil, true, err
	}
	rest := strings.TrimSpace(s[idx+4:])
	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return nil, true, fmt.Errorf("IN operand must be a [..] list in %q", s)
	}
	inner := strings.TrimSpace(rest[1 : len(rest)-1])
	var set []any
	if inner != "" {
		for part := range strings.SplitSeq(inner, ",") {
			val, err := parseLiteral(strings.TrimSpace(part))
			if err != nil {
				return nil, true, err
			}
			set = append(set, val)
		}
	}
	return &Predicate{Path: path, Op: OpIn, Value: set}, true, nil
}

func parsePath(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty path")
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-' {
			continue
		}
		return "", fmt.Errorf("invalid character %q in path %q", r, s)
	}
	return s, nil
}

// parseLiteral reads a single literal: quoted string, number, bool, null.
func parseLiteral(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty literal")
	}
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], nil
		}
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid literal %q", s)
	}
	return f, nil
}
