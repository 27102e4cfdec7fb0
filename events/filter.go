// Package events implements the event bus: emitted domain events fan out
// to matching procedure and pipeline triggers through a small closed
// filter DSL.
package events

import (
	"reflect"
	"strings"
)

// Filter operators. The DSL is intentionally closed; new operators are a
// breaking change for every stored trigger.
const (
	opContains = "$contains"
	opIn       = "$in"
	opNe       = "$ne"
)

// MatchFilter reports whether the payload satisfies the filter. Filter
// values are compared against dotted-path lookups in the payload; missing
// paths compare as null.
func MatchFilter(filter, payload map[string]any) bool {
	for path, want := range filter {
		got := lookupPath(payload, path)
		if !matchValue(want, got) {
			return false
		}
	}
	return true
}

func matchValue(want, got any) bool {
	if cond, ok := want.(map[string]any); ok {
		if op, isOp := singleOperator(cond); isOp {
			return applyOperator(op, cond[op], got)
		}
		// Nested dict values compare structurally.
		return reflect.DeepEqual(normalize(want), normalize(got))
	}
	return reflect.DeepEqual(normalize(want), normalize(got))
}

func singleOperator(cond map[string]any) (string, bool) {
	if len(cond) != 1 {
		return "", false
	}
	for k := range cond {
		if strings.HasPrefix(k, "$") {
			return k, true
		}
	}
	return "", false
}

func applyOperator(op string, arg, got any) bool {
	switch op {
	case opContains:
		list, ok := got.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if reflect.DeepEqual(normalize(item), normalize(arg)) {
				return true
			}
		}
		return false
	case opIn:
		options, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, option := range options {
			if reflect.DeepEqual(normalize(option), normalize(got)) {
				return true
			}
		}
		return false
	case opNe:
		return !reflect.DeepEqual(normalize(arg), normalize(got))
	}
	return false
}

// normalize erases the int/float64 distinction JSON round-trips introduce.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func lookupPath(payload map[string]any, path string) any {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}
