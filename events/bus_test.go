package events

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/procedure"
	"github.com/c360studio/docflow/run"
)

func TestMatchFilter(t *testing.T) {
	payload := map[string]any{
		"status": "completed",
		"count":  3,
		"tags":   []any{"sam", "daily"},
		"asset": map[string]any{
			"kind": "document",
			"size": 1024,
		},
	}

	tests := []struct {
		name   string
		filter map[string]any
		want   bool
	}{
		{"equality match", map[string]any{"status": "completed"}, true},
		{"equality mismatch", map[string]any{"status": "failed"}, false},
		{"numeric equality across int and float", map[string]any{"count": float64(3)}, true},
		{"dotted path", map[string]any{"asset.kind": "document"}, true},
		{"missing path compares as null", map[string]any{"asset.owner": nil}, true},
		{"missing path against value", map[string]any{"asset.owner": "x"}, false},
		{"contains hit", map[string]any{"tags": map[string]any{"$contains": "sam"}}, true},
		{"contains miss", map[string]any{"tags": map[string]any{"$contains": "weekly"}}, false},
		{"contains on non-list", map[string]any{"status": map[string]any{"$contains": "c"}}, false},
		{"in hit", map[string]any{"status": map[string]any{"$in": []any{"completed", "partial"}}}, true},
		{"in miss", map[string]any{"status": map[string]any{"$in": []any{"failed"}}}, false},
		{"ne hit", map[string]any{"status": map[string]any{"$ne": "failed"}}, true},
		{"ne miss", map[string]any{"status": map[string]any{"$ne": "completed"}}, false},
		{"ne against missing path", map[string]any{"asset.owner": map[string]any{"$ne": "x"}}, true},
		{"nested dict structural equality", map[string]any{"asset": map[string]any{"kind": "document", "size": 1024}}, true},
		{"nested dict partial is not equal", map[string]any{"asset": map[string]any{"kind": "document"}}, false},
		{"unknown operator never matches", map[string]any{"status": map[string]any{"$regex": ".*"}}, false},
		{"conjunction of clauses", map[string]any{"status": "completed", "asset.kind": "document"}, true},
		{"conjunction fails on one clause", map[string]any{"status": "completed", "asset.kind": "image"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchFilter(tt.filter, payload))
		})
	}
}

func busFixture(t *testing.T) (*Bus, *run.Service, *procedure.MemoryStore) {
	t.Helper()
	logger := slog.Default()
	runs := run.NewService(run.NewMemoryStore(), logger)
	store := procedure.NewMemoryStore()
	cache := procedure.NewCache(store, logger)
	launcher := procedure.NewLauncher(runs, cache)
	bus := NewBus(store, launcher, runs, logger)

	require.NoError(t, store.SaveProcedure(context.Background(), &procedure.Procedure{
		OrganizationID: "org-1",
		Slug:           "on-extraction-done",
		Steps:          []*procedure.Step{{Name: "notify", Function: "noop"}},
	}))
	require.NoError(t, cache.Reload(context.Background()))
	return bus, runs, store
}

func TestDispatchLaunchesMatchingProcedure(t *testing.T) {
	ctx := context.Background()
	bus, runs, store := busFixture(t)

	procs, err := store.ListProcedures(ctx, "org-1")
	require.NoError(t, err)
	require.NoError(t, store.SaveTrigger(ctx, &procedure.Trigger{
		OrganizationID: "org-1",
		ProcedureID:    procs[0].ID,
		TriggerType:    procedure.TriggerEvent,
		EventName:      "extraction.completed",
		EventFilter:    map[string]any{"tier": "basic"},
		IsActive:       true,
	}))

	res, err := bus.Dispatch(ctx, "extraction.completed", "org-1", map[string]any{"tier": "basic"}, "")
	require.NoError(t, err)
	require.Len(t, res.ProceduresTriggered, 1)
	assert.Empty(t, res.PipelinesTriggered)

	r, err := runs.Get(ctx, "org-1", res.ProceduresTriggered[0])
	require.NoError(t, err)
	assert.Equal(t, run.TypeProcedure, r.RunType)
	assert.Equal(t, run.OriginEvent, r.Origin)
	assert.Equal(t, "on-extraction-done", r.Config["procedure_slug"])
	require.NotNil(t, r.EnqueuedAt)

	triggers, err := store.ListTriggers(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, triggers[0].TriggerCount)
	assert.NotNil(t, triggers[0].LastTriggeredAt)
}

func TestDispatchSkipsNonMatchingTriggers(t *testing.T) {
	ctx := context.Background()
	bus, _, store := busFixture(t)

	procs, err := store.ListProcedures(ctx, "org-1")
	require.NoError(t, err)
	base := procedure.Trigger{
		OrganizationID: "org-1",
		ProcedureID:    procs[0].ID,
		TriggerType:    procedure.TriggerEvent,
		EventName:      "extraction.completed",
		IsActive:       true,
	}

	wrongName := base
	wrongName.EventName = "scrape.completed"
	require.NoError(t, store.SaveTrigger(ctx, &wrongName))

	inactive := base
	inactive.IsActive = false
	require.NoError(t, store.SaveTrigger(ctx, &inactive))

	filtered := base
	filtered.EventFilter = map[string]any{"tier": "enhanced"}
	require.NoError(t, store.SaveTrigger(ctx, &filtered))

	res, err := bus.Dispatch(ctx, "extraction.completed", "org-1", map[string]any{"tier": "basic"}, "")
	require.NoError(t, err)
	assert.Empty(t, res.ProceduresTriggered)
	assert.Empty(t, res.PipelinesTriggered)

	triggers, err := store.ListTriggers(ctx, "org-1")
	require.NoError(t, err)
	for _, tr := range triggers {
		assert.Zero(t, tr.TriggerCount)
	}
}

func TestDispatchLaunchesPipelineRun(t *testing.T) {
	ctx := context.Background()
	bus, runs, store := busFixture(t)

	require.NoError(t, store.SaveTrigger(ctx, &procedure.Trigger{
		OrganizationID: "org-1",
		PipelineID:     "pipe-7",
		TriggerType:    procedure.TriggerEvent,
		EventName:      "sam.pull.completed",
		IsActive:       true,
	}))

	source, err := runs.Create(ctx, "org-1", run.TypeSAMPull, run.OriginScheduled, nil, nil, "")
	require.NoError(t, err)
	trace, err := runs.EnsureTrace(ctx, source.ID)
	require.NoError(t, err)

	res, err := bus.Dispatch(ctx, "sam.pull.completed", "org-1", map[string]any{"new": 4}, source.ID)
	require.NoError(t, err)
	require.Len(t, res.PipelinesTriggered, 1)

	r, err := runs.Get(ctx, "org-1", res.PipelinesTriggered[0])
	require.NoError(t, err)
	assert.Equal(t, run.TypePipeline, r.RunType)
	assert.Equal(t, "pipe-7", r.Config["pipeline_id"])
	assert.Equal(t, trace, r.TraceID, "pipeline run joins the source run's trace")
}

func TestEmitIsFireAndForget(t *testing.T) {
	ctx := context.Background()
	bus, _, _ := busFixture(t)

	// No triggers registered for this event: Emit still succeeds.
	assert.NoError(t, bus.Emit(ctx, "asset.deleted", "org-1", map[string]any{"asset_id": "a1"}, ""))
}
