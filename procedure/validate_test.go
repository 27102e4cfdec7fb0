package procedure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(name, fn string) *Step {
	return &Step{Name: name, Function: fn}
}

func TestValidateFlowShapes(t *testing.T) {
	tests := []struct {
		name    string
		steps   []*Step
		wantErr string
	}{
		{
			name:    "if_branch without then",
			steps:   []*Step{{Name: "gate", Function: FuncIfBranch, Branches: map[string][]*Step{"else": {step("a", "noop")}}}},
			wantErr: "gate",
		},
		{
			name:    "switch with only default",
			steps:   []*Step{{Name: "route", Function: FuncSwitchBranch, Branches: map[string][]*Step{"default": {step("a", "noop")}}}},
			wantErr: "non-default case",
		},
		{
			name:    "parallel single branch",
			steps:   []*Step{{Name: "fan", Function: FuncParallel, Branches: map[string][]*Step{"only": {step("a", "noop")}}}},
			wantErr: "at least two branches",
		},
		{
			name:    "foreach without each",
			steps:   []*Step{{Name: "iter", Function: FuncForeach, Branches: map[string][]*Step{}}},
			wantErr: "each",
		},
		{
			name: "duplicate names in scope",
			steps: []*Step{
				step("a", "noop"),
				step("a", "noop"),
			},
			wantErr: "duplicate step name",
		},
		{
			name: "nested branch validated recursively",
			steps: []*Step{{
				Name:     "gate",
				Function: FuncIfBranch,
				Branches: map[string][]*Step{
					"then": {{
						Name:     "inner",
						Function: FuncParallel,
						Branches: map[string][]*Step{"x": {step("a", "noop")}},
					}},
				},
			}},
			wantErr: "gate[then].inner",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Procedure{Slug: "p", Steps: tt.steps}
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAcceptsWellFormedProcedure(t *testing.T) {
	p := &Procedure{
		Slug: "ingest",
		Steps: []*Step{
			step("fetch", "fetch_items"),
			{
				Name:     "route",
				Function: FuncSwitchBranch,
				Params:   map[string]any{"value": "{{steps.fetch.kind}}"},
				Branches: map[string][]*Step{
					"doc":     {step("extract", "extract_doc")},
					"default": {step("log", "noop")},
				},
			},
			{
				Name:     "iterate",
				Function: FuncForeach,
				Params:   map[string]any{"items": "{{steps.fetch.items}}"},
				Branches: map[string][]*Step{
					"each": {step("handle", "handle_item")},
				},
			},
		},
	}
	assert.NoError(t, p.Validate())

	// Same step name in sibling branches is fine: scopes are separate.
	p2 := &Procedure{
		Slug: "p2",
		Steps: []*Step{{
			Name:     "fan",
			Function: FuncParallel,
			Branches: map[string][]*Step{
				"a": {step("inner", "noop")},
				"b": {step("inner", "noop")},
			},
		}},
	}
	assert.NoError(t, p2.Validate())
}

func TestSaveTriggerRejectsInvalidCron(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveTrigger(context.Background(), &Trigger{
		TriggerType:    TriggerCron,
		CronExpression: "not a cron",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")

	assert.NoError(t, store.SaveTrigger(context.Background(), &Trigger{
		TriggerType:    TriggerCron,
		CronExpression: "*/5 * * * *",
		IsActive:       true,
	}))
}
