// Package template renders {{ dotted.path }} placeholders inside step
// params against an execution's variables tree. Rendering is pure: it
// never mutates the input and unresolved paths render as the empty string.
package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rampartsec/rampart/pkg/expr"
)

// Render substitutes placeholders in a single string. A string that is
// exactly one placeholder returns the resolved value with its original
// type; mixed text interpolates values as strings.
func Render(s string, vars map[string]any) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "{{") && !strings.Contains(trimmed[2:len(trimmed)-2], "}}") {
			val, ok := expr.Resolve(vars, inner)
			if !ok {
				return ""
			}
			return val
		}
	}
	return interpolate(s, vars)
}

// RenderMap renders every string leaf of a params map, recursing through
// nested maps and arrays. The result is a fresh tree.
func RenderMap(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, vars)
	}
	return out
}

func renderValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return Render(t, vars)
	case map[string]any:
		return RenderMap(t, vars)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renderValue(e, vars)
		}
		return out
	default:
		return v
	}
}

func interpolate(s string, vars map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start
		b.WriteString(s[:start])
		path := strings.TrimSpace(s[start+2 : end])
		if val, ok := expr.Resolve(vars, path); ok {
			b.WriteString(stringify(val))
		}
		s = s[end+2:]
	}
	return b.String()
}

// stringify formats a resolved value for interpolation into text.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
