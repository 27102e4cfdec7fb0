package procedure

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testScope() *Scope {
	sc := NewScope(map[string]any{
		"name":  "quarterly",
		"count": 3,
	})
	sc.Record("fetch", map[string]any{
		"items": []any{"a", "b", "c"},
		"meta":  map[string]any{"source": "sam"},
	})
	return sc
}

func TestEvalPaths(t *testing.T) {
	sc := testScope()

	assert.Equal(t, "quarterly", sc.Eval("params.name"))
	assert.Equal(t, 3, sc.Eval("params.count"))
	assert.Equal(t, "sam", sc.Eval("steps.fetch.meta.source"))
	assert.Nil(t, sc.Eval("steps.missing.x"))
	assert.Nil(t, sc.Eval("params.absent"))
	assert.Nil(t, sc.Eval("item"), "item is unset outside foreach")

	itemScope := sc.WithItem(map[string]any{"id": "x1"})
	assert.Equal(t, "x1", itemScope.Eval("item.id"))
}

func TestEvalBuiltins(t *testing.T) {
	sc := testScope()

	assert.Equal(t, 3, sc.Eval("len(steps.fetch.items)"))
	assert.Equal(t, "3", sc.Eval("str(params.count)"))
	assert.Equal(t, 7, sc.Eval("int('7')"))
	assert.Equal(t, true, sc.Eval("bool(steps.fetch.items)"))
	assert.Equal(t, false, sc.Eval("bool(params.absent)"))
}

func TestRenderWholeExpressionKeepsType(t *testing.T) {
	sc := testScope()

	rendered := sc.Render("{{ steps.fetch.items }}")
	assert.Equal(t, []any{"a", "b", "c"}, rendered)

	params := sc.RenderParams(map[string]any{
		"label": "report {{params.name}} ({{params.count}})",
		"items": "{{steps.fetch.items}}",
		"nested": map[string]any{
			"source": "{{steps.fetch.meta.source}}",
		},
	})
	assert.Equal(t, "report quarterly (3)", params["label"])
	assert.Equal(t, []any{"a", "b", "c"}, params["items"])
	assert.Equal(t, "sam", params["nested"].(map[string]any)["source"])
}

func TestEvalCondition(t *testing.T) {
	sc := testScope()

	assert.True(t, sc.EvalCondition(""))
	assert.True(t, sc.EvalCondition("params.name"))
	assert.True(t, sc.EvalCondition("{{ steps.fetch.items }}"))
	assert.False(t, sc.EvalCondition("params.absent"))
	assert.False(t, sc.EvalCondition("false"))
}

func TestForkIsolatesStepResults(t *testing.T) {
	sc := testScope()
	fork := sc.Fork()
	fork.Record("branch_step", map[string]any{"x": 1})

	assert.Nil(t, sc.Eval("steps.branch_step.x"))
	assert.Equal(t, 1, fork.Eval("steps.branch_step.x"))
}

func TestTruncateForLog(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	out := truncateForLog(string(long)).(string)
	assert.Contains(t, out, "truncated, 5000 chars total")
	assert.Less(t, len(out), 2100)

	list := make([]any, 25)
	for i := range list {
		list[i] = i
	}
	tl := truncateForLog(list).([]any)
	assert.Len(t, tl, truncateListLimit+1)
	assert.Contains(t, tl[truncateListLimit], "15 more elements")
}
