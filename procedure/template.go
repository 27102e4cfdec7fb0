package procedure

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Scope is the evaluation environment for step templates: procedure
// params, prior step results under steps.<name>, and the current foreach
// item.
type Scope struct {
	Params  map[string]any
	Steps   map[string]map[string]any
	Item    any
	hasItem bool
}

// NewScope creates a Scope over the procedure params.
func NewScope(params map[string]any) *Scope {
	if params == nil {
		params = map[string]any{}
	}
	return &Scope{Params: params, Steps: make(map[string]map[string]any)}
}

// WithItem derives a child scope carrying a foreach item. Step results are
// copied so concurrent iterations do not share the map.
func (s *Scope) WithItem(item any) *Scope {
	return &Scope{Params: s.Params, Steps: s.copySteps(), Item: item, hasItem: true}
}

// Fork derives a child scope with copied step results for a parallel
// branch.
func (s *Scope) Fork() *Scope {
	return &Scope{Params: s.Params, Steps: s.copySteps(), Item: s.Item, hasItem: s.hasItem}
}

func (s *Scope) copySteps() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.Steps))
	for k, v := range s.Steps {
		out[k] = v
	}
	return out
}

// Record stores a step's result data under steps.<name>.
func (s *Scope) Record(name string, data map[string]any) {
	s.Steps[name] = data
}

var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render resolves {{expression}} templates in v recursively. A string that
// is exactly one template yields the expression's native value; templates
// embedded in longer strings are stringified in place.
func (s *Scope) Render(v any) any {
	switch val := v.(type) {
	case string:
		return s.renderString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = s.Render(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.Render(inner)
		}
		return out
	default:
		return v
	}
}

// RenderParams renders every value of a params map.
func (s *Scope) RenderParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return s.Render(params).(map[string]any)
}

func (s *Scope) renderString(str string) any {
	matches := exprPattern.FindStringSubmatch(str)
	if matches != nil && strings.TrimSpace(str) == matches[0] {
		return s.Eval(matches[1])
	}
	return exprPattern.ReplaceAllStringFunc(str, func(m string) string {
		expr := exprPattern.FindStringSubmatch(m)[1]
		return Stringify(s.Eval(expr))
	})
}

// builtins are the safe functions available in expressions.
var builtins = map[string]func(any) any{
	"len": func(v any) any {
		switch val := v.(type) {
		case string:
			return len(val)
		case []any:
			return len(val)
		case map[string]any:
			return len(val)
		}
		return 0
	},
	"str": func(v any) any { return Stringify(v) },
	"int": func(v any) any {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				return n
			}
		case bool:
			if val {
				return 1
			}
		}
		return 0
	},
	"bool": func(v any) any { return Truthy(v) },
}

var callPattern = regexp.MustCompile(`^(\w+)\((.*)\)$`)

// Eval evaluates one expression: a dotted path into the scope, optionally
// wrapped in a single builtin call, or a quoted/numeric/boolean literal.
func (s *Scope) Eval(expr string) any {
	expr = strings.TrimSpace(expr)
	if call := callPattern.FindStringSubmatch(expr); call != nil {
		if fn, ok := builtins[call[1]]; ok {
			return fn(s.Eval(call[2]))
		}
		return nil
	}
	if lit, ok := literal(expr); ok {
		return lit
	}
	return s.lookup(expr)
}

func literal(expr string) (any, bool) {
	if len(expr) >= 2 && (expr[0] == '\'' || expr[0] == '"') && expr[len(expr)-1] == expr[0] {
		return expr[1 : len(expr)-1], true
	}
	switch expr {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null", "nil":
		return nil, true
	}
	if n, err := strconv.Atoi(expr); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f, true
	}
	return nil, false
}

func (s *Scope) lookup(path string) any {
	parts := strings.Split(path, ".")
	var cur any
	switch parts[0] {
	case "params":
		cur = s.Params
	case "steps":
		if len(parts) < 2 {
			return nil
		}
		data, ok := s.Steps[parts[1]]
		if !ok {
			return nil
		}
		cur = data
		parts = parts[1:]
	case "item":
		if !s.hasItem {
			return nil
		}
		cur = s.Item
	default:
		return nil
	}
	for _, part := range parts[1:] {
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

// EvalCondition evaluates a step or per-item condition. An empty condition
// is true; the condition may be a bare expression or a {{...}} template.
func (s *Scope) EvalCondition(cond string) bool {
	if strings.TrimSpace(cond) == "" {
		return true
	}
	if strings.Contains(cond, "{{") {
		return Truthy(s.Render(cond))
	}
	return Truthy(s.Eval(cond))
}

// Truthy follows templating truthiness: nil, false, zero numbers, empty
// strings and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

// Stringify renders a value for string interpolation.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
